// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"nexex.org/obnode/ob/msgjson"
)

// tConn is a Connection stub.
type tConn struct {
	inbound   chan []byte
	writes    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newTConn() *tConn {
	return &tConn{
		inbound: make(chan []byte, 1),
		writes:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *tConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *tConn) SetReadDeadline(time.Time) error  { return nil }
func (c *tConn) SetWriteDeadline(time.Time) error { return nil }

func (c *tConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.inbound:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *tConn) WriteMessage(_ int, b []byte) error {
	select {
	case c.writes <- b:
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *tConn) WriteControl(int, []byte, time.Time) error { return nil }

func TestLink(t *testing.T) {
	conn := newTConn()
	handled := make(chan *msgjson.Message, 1)
	link := NewLink("test", conn, time.Minute, func(msg *msgjson.Message) {
		handled <- msg
	})

	wg, err := link.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	// Outbound: a sent message is written as its serialized envelope.
	msg, err := msgjson.NewMessage(msgjson.TopicOrderEvent, msgjson.TypeOrderAccepted, struct{}{})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	if err := link.Send(msg); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	select {
	case b := <-conn.writes:
		written := new(msgjson.Message)
		if err := json.Unmarshal(b, written); err != nil {
			t.Fatalf("written frame does not decode: %v", err)
		}
		if written.Topic != msgjson.TopicOrderEvent {
			t.Fatalf("wrong topic %q", written.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("nothing written")
	}

	// Inbound: a decodable frame reaches the handler.
	frame, _ := json.Marshal(msg)
	conn.inbound <- frame
	select {
	case got := <-handled:
		if got.Type != msgjson.TypeOrderAccepted {
			t.Fatalf("wrong type %q", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler never called")
	}

	// An undecodable frame is dropped without killing the link.
	conn.inbound <- []byte("junk")
	conn.inbound <- frame
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatalf("link died on a junk frame")
	}

	link.Disconnect()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("link did not shut down")
	}
	if !link.Off() {
		t.Fatalf("link still on after disconnect")
	}
	if err := link.Send(msg); !errors.Is(err, ErrPeerDisconnected) {
		t.Fatalf("wrong error for send on a dead link: %v", err)
	}
}
