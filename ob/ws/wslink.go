// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ws wraps a gorilla websocket connection in a Link with a queued
// asynchronous writer, keepalive pings, and a single inbound message handler.
// Both sides of a gossip connection, the listener and the dialer, run the
// same Link.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"nexex.org/obnode/ob"
	"nexex.org/obnode/ob/msgjson"
)

// outBufferSize is the size of the Link's buffered channel for outgoing
// messages.
const outBufferSize = 128

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{}

// ErrPeerDisconnected is returned when Send is called on a disconnected
// link.
const ErrPeerDisconnected = ob.ErrorKind("peer disconnected")

// Connection represents a websocket connection to a remote peer. In
// practice, it is satisfied by *websocket.Conn. For testing, a stub can be
// used.
type Connection interface {
	Close() error

	SetReadDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)

	SetWriteDeadline(t time.Time) error
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Link is the local representation of one peer connection. Sends are queued
// and written by a dedicated goroutine, so slow peers never block the
// caller. Inbound frames that decode as a msgjson.Message are passed to the
// handler; frames that do not decode are logged and dropped, since gossip is
// fire-and-forget and there is no response channel to report errors on.
type Link struct {
	// addr is the peer's address, for logging.
	addr string
	// conn is the gorilla websocket.Conn, or a stub for testing.
	conn Connection
	// on prevents multiple Close calls on the underlying connection.
	on uint32
	// quit cancels the link's context.
	quit context.CancelFunc
	// stopped is closed when quit is called.
	stopped chan struct{}
	// outChan sequences sent messages.
	outChan chan []byte
	// The Link runs 3 goroutines, read, write, and ping. The WaitGroup
	// synchronizes cleanup on disconnection.
	wg sync.WaitGroup
	// handler receives every decoded inbound message.
	handler func(*msgjson.Message)
	// pingPeriod is how often to ping the peer.
	pingPeriod time.Duration
}

// NewLink is a constructor for a new Link.
func NewLink(addr string, conn Connection, pingPeriod time.Duration, handler func(*msgjson.Message)) *Link {
	return &Link{
		addr:       addr,
		conn:       conn,
		outChan:    make(chan []byte, outBufferSize),
		pingPeriod: pingPeriod,
		handler:    handler,
	}
}

// Send queues the Message for delivery to the peer. The write itself is
// asynchronous, so a nil error only indicates that the link is believed to
// be up and the message marshaled.
func (c *Link) Send(msg *msgjson.Message) error {
	if c.Off() {
		return ob.NewError(ErrPeerDisconnected, c.addr)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.outChan <- b:
	case <-c.stopped:
		return ob.NewError(ErrPeerDisconnected, c.addr)
	}
	return nil
}

// Connect begins processing input and output messages. Shutdown is complete
// when the returned WaitGroup is done.
func (c *Link) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	if !atomic.CompareAndSwapUint32(&c.on, 0, 1) {
		return nil, fmt.Errorf("attempted to connect a running link")
	}
	linkCtx, quit := context.WithCancel(ctx)
	c.quit = quit
	c.stopped = make(chan struct{})
	// The pong handler set by the connection constructor extends subsequent
	// read deadlines. 2x ping period is a generous initial pong wait.
	err := c.conn.SetReadDeadline(time.Now().Add(c.pingPeriod * 2))
	if err != nil {
		quit()
		return nil, fmt.Errorf("failed to set initial read deadline for %v: %w", c.addr, err)
	}

	log.Tracef("starting websocket messaging with peer %s", c.addr)
	c.wg.Add(3)
	go c.inHandler(linkCtx)
	go c.outHandler(linkCtx)
	go c.pingHandler(linkCtx)
	return &c.wg, nil
}

func (c *Link) stop() bool {
	// Flip the switch into the off position and cancel the context.
	if !atomic.CompareAndSwapUint32(&c.on, 1, 0) {
		return false
	}
	// Signal to senders we are done.
	close(c.stopped)
	c.quit()
	return true
}

// Disconnect begins shutdown of the Link, preventing new messages from
// entering the outgoing queue and ultimately closing the underlying
// connection once queued messages are flushed.
func (c *Link) Disconnect() {
	if !c.stop() {
		log.Debugf("disconnect attempted on stopped link %s", c.addr)
	}
	// NOTE: outHandler closes c.conn on its return.
}

// inHandler reads and dispatches inbound messages. It must be run as a
// goroutine.
func (c *Link) inHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.stop()
out:
	for {
		if ctx.Err() != nil {
			break out
		}
		_, msgBytes, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, context.Canceled) {
				log.Errorf("websocket receive error from peer %s: %v", c.addr, err)
			}
			break out
		}
		msg, err := msgjson.DecodeMessage(msgBytes)
		if err != nil {
			log.Errorf("dropping undecodable message from peer %s: %v", c.addr, err)
			continue
		}
		c.handler(msg)
	}
}

// outHandler drains the send queue to the connection. It must be run as a
// goroutine. The connection is closed on return.
func (c *Link) outHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.conn.Close()
	defer c.stop() // in the event of context cancellation vs Disconnect call

	write := func(b []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debugf("write error for peer %s: %v", c.addr, err)
			c.stop()
			return false
		}
		return true
	}

	// On shutdown, flush anything already queued before the connection
	// closes.
	defer func() {
		for {
			select {
			case b := <-c.outChan:
				if !write(b) {
					return
				}
			default:
				return
			}
		}
	}()

	for {
		select {
		case b := <-c.outChan:
			if !write(b) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pingHandler sends periodic pings to the peer. It must be run as a
// goroutine.
func (c *Link) pingHandler(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			if err != nil {
				c.stop()
				log.Debugf("ping error for peer %s: %v", c.addr, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Off will return true if the link has disconnected.
func (c *Link) Off() bool {
	return atomic.LoadUint32(&c.on) == 0
}

// Addr is the peer address passed to the constructor.
func (c *Link) Addr() string {
	return c.addr
}

// NewConnection creates a new Connection by upgrading the http request to a
// websocket. The pong handler extends the read deadline by readTimeout.
func NewConnection(w http.ResponseWriter, r *http.Request, readTimeout time.Duration) (Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		var hsErr websocket.HandshakeError
		if errors.As(err, &hsErr) {
			log.Errorf("unexpected websocket error: %v", err)
		}
		return nil, err
	}
	reqAddr := r.RemoteAddr
	conn.SetPongHandler(func(string) error {
		log.Tracef("got pong from %v", reqAddr)
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	// No initial read deadline until pinging begins.
	return conn, nil
}
