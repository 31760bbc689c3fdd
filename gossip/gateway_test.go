// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package gossip

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"nexex.org/obnode/events"
	"nexex.org/obnode/ob"
	"nexex.org/obnode/ob/msgjson"
	"nexex.org/obnode/ob/ws"
)

func tAcceptedOrder(t *testing.T) *ob.Order {
	t.Helper()
	so := &ob.SignedOrder{
		Maker:             common.HexToAddress("0x3333333333333333333333333333333333333333"),
		MakerTokenAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		TakerTokenAddress: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		MakerTokenAmount:  decimal.NewFromInt(100),
		TakerTokenAmount:  decimal.NewFromInt(300),
		Salt:              decimal.NewFromInt(7),
	}
	return &ob.Order{
		OrderHash:                 so.Hash(),
		Side:                      ob.Ask,
		Price:                     decimal.NewFromInt(3),
		BaseTokenAddress:          so.MakerTokenAddress,
		QuoteTokenAddress:         so.TakerTokenAddress,
		RemainingBaseTokenAmount:  decimal.NewFromInt(100),
		RemainingQuoteTokenAmount: decimal.NewFromInt(300),
		SignedOrder:               so,
	}
}

func tMarket(o *ob.Order) string {
	return ob.MarketID(o.BaseTokenAddress, o.QuoteTokenAddress)
}

func TestHandleMessage(t *testing.T) {
	bus := events.NewBus(ob.Disabled)
	feed := bus.Feed()
	defer feed.Close()
	g := NewGateway(&Config{}, bus)

	o := tAcceptedOrder(t)
	msg, err := msgjson.NewMessage(msgjson.TopicOrderEvent, msgjson.TypeOrderAccepted,
		&msgjson.OrderAccepted{MarketID: tMarket(o), Order: o})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}

	g.handleMessage(msg)
	select {
	case ev := <-feed.C:
		accepted, is := ev.(*events.OrderAccepted)
		if !is {
			t.Fatalf("wrong event type %T", ev)
		}
		// The injected event always carries the peer origin, regardless of
		// where the order first entered the network.
		if accepted.Origin != events.OriginPeer {
			t.Fatalf("announcement injected with origin %s", accepted.Origin)
		}
		if accepted.Order.OrderHash != o.OrderHash || accepted.MarketID != tMarket(o) {
			t.Fatalf("wrong injected order")
		}
	case <-time.After(time.Second):
		t.Fatalf("announcement not injected")
	}
}

func TestHandleMessageRejects(t *testing.T) {
	bus := events.NewBus(ob.Disabled)
	feed := bus.Feed()
	defer feed.Close()
	g := NewGateway(&Config{}, bus)

	expectNothing := func(desc string) {
		t.Helper()
		select {
		case ev := <-feed.C:
			t.Fatalf("%s injected %v", desc, ev)
		case <-time.After(50 * time.Millisecond):
		}
	}

	o := tAcceptedOrder(t)

	// Unknown topic and type are dropped.
	msg, _ := msgjson.NewMessage("weather", msgjson.TypeOrderAccepted,
		&msgjson.OrderAccepted{MarketID: tMarket(o), Order: o})
	g.handleMessage(msg)
	expectNothing("unknown topic")
	msg, _ = msgjson.NewMessage(msgjson.TopicOrderEvent, "order_retracted",
		&msgjson.OrderAccepted{MarketID: tMarket(o), Order: o})
	g.handleMessage(msg)
	expectNothing("unknown type")

	// A missing payload is dropped.
	msg, _ = msgjson.NewMessage(msgjson.TopicOrderEvent, msgjson.TypeOrderAccepted,
		&msgjson.OrderAccepted{MarketID: tMarket(o)})
	g.handleMessage(msg)
	expectNothing("empty order")

	// A claimed hash that does not match the signed payload is dropped.
	tampered := *o
	tampered.OrderHash = common.Hash{0xde, 0xad}
	msg, _ = msgjson.NewMessage(msgjson.TopicOrderEvent, msgjson.TypeOrderAccepted,
		&msgjson.OrderAccepted{MarketID: tMarket(o), Order: &tampered})
	g.handleMessage(msg)
	expectNothing("mismatched hash")

	// Junk payload bytes are dropped.
	msg = &msgjson.Message{
		Topic:   msgjson.TopicOrderEvent,
		Type:    msgjson.TypeOrderAccepted,
		Payload: json.RawMessage(`"junk"`),
	}
	g.handleMessage(msg)
	expectNothing("junk payload")
}

// tConn is a ws.Connection stub that records writes.
type tConn struct {
	writes    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newTConn() *tConn {
	return &tConn{writes: make(chan []byte, 1), closed: make(chan struct{})}
}

func (c *tConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *tConn) SetReadDeadline(time.Time) error  { return nil }
func (c *tConn) SetWriteDeadline(time.Time) error { return nil }

func (c *tConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, io.EOF
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

func TestBroadcastFeedLiveAtConstruction(t *testing.T) {
	bus := events.NewBus(ob.Disabled)
	g := NewGateway(&Config{}, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newTConn()
	link := ws.NewLink("test", conn, time.Minute, func(*msgjson.Message) {})
	if _, err := link.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer link.Disconnect()
	g.addClient(link)

	// An acceptance announced before the broadcast loop goroutine is
	// scheduled must still reach the peer.
	o := tAcceptedOrder(t)
	bus.Send(&events.PeerBroadcast{Accepted: &events.OrderAccepted{
		Order:    o,
		MarketID: tMarket(o),
		Origin:   events.OriginPeer,
	}})
	go g.runBroadcaster(ctx)

	select {
	case frame := <-conn.writes:
		msg, err := msgjson.DecodeMessage(frame)
		if err != nil {
			t.Fatalf("broadcast frame does not decode: %v", err)
		}
		if msg.Topic != msgjson.TopicOrderEvent || msg.Type != msgjson.TypeOrderAccepted {
			t.Fatalf("wrong envelope %s/%s", msg.Topic, msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("announcement never broadcast")
	}
}

func TestBroadcastEncoding(t *testing.T) {
	o := tAcceptedOrder(t)
	accepted := &events.OrderAccepted{Order: o, MarketID: tMarket(o), Origin: events.OriginPeer}

	// The announcement a gateway broadcasts must be accepted by a receiving
	// gateway's handler, completing the loop.
	msg, err := msgjson.NewMessage(msgjson.TopicOrderEvent, msgjson.TypeOrderAccepted,
		&msgjson.OrderAccepted{MarketID: accepted.MarketID, Order: accepted.Order})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("frame marshal error: %v", err)
	}
	reMsg, err := msgjson.DecodeMessage(frame)
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}

	bus := events.NewBus(ob.Disabled)
	feed := bus.Feed()
	defer feed.Close()
	NewGateway(&Config{}, bus).handleMessage(reMsg)
	select {
	case <-feed.C:
	case <-time.After(time.Second):
		t.Fatalf("broadcast frame not accepted by a receiver")
	}
}
