// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package events

import (
	"testing"
	"time"

	"nexex.org/obnode/ob"
)

func TestBusFanout(t *testing.T) {
	bus := NewBus(ob.Disabled)
	feedA := bus.Feed()
	defer feedA.Close()
	feedB := bus.Feed()
	defer feedB.Close()

	ev := &ContentSubscribe{MarketID: "a-b"}
	bus.Send(ev)

	for _, feed := range []*Feed{feedA, feedB} {
		select {
		case got := <-feed.C:
			if got != Event(ev) {
				t.Fatalf("wrong event on feed %d: %v", feed.id, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting on feed %d", feed.id)
		}
	}
}

func TestBusClosedFeed(t *testing.T) {
	bus := NewBus(ob.Disabled)
	feed := bus.Feed()
	feed.Close()
	// A send after close must not panic or deliver.
	bus.Send(&ContentSubscribe{MarketID: "a-b"})
	select {
	case ev := <-feed.C:
		t.Fatalf("closed feed received %v", ev)
	default:
	}
}

func TestBusFullFeedDoesNotBlock(t *testing.T) {
	bus := NewBus(ob.Disabled)
	feed := bus.Feed()
	defer feed.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// One more than the feed buffer. The last send is dropped, not
		// blocked on.
		for i := 0; i < feedBufferSize+1; i++ {
			bus.Send(&ContentSubscribe{MarketID: "a-b"})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sender blocked on a full feed")
	}
}
