// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package orderbook

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"nexex.org/obnode/events"
	"nexex.org/obnode/ob"
)

// waitFor polls the condition, failing the test if it is never satisfied.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never happened: %s", desc)
}

// collectEvents drains the feed for the settle duration, counting events by
// kind.
func collectEvents(feed *events.Feed, settle time.Duration) map[events.Kind]int {
	counts := make(map[events.Kind]int)
	timeout := time.After(settle)
	for {
		select {
		case ev := <-feed.C:
			counts[ev.Kind()]++
		case <-timeout:
			return counts
		}
	}
}

func tBookedAsk(t *testing.T) *ob.Order {
	t.Helper()
	o, err := ob.MakeOrder(tBaseToken, tQuoteToken, tAsk())
	if err != nil {
		t.Fatalf("MakeOrder error: %v", err)
	}
	o.RemainingBaseTokenAmount = decimal.NewFromInt(1000)
	o.RemainingQuoteTokenAmount = decimal.NewFromInt(3000)
	return o
}

func TestOnboardPipeline(t *testing.T) {
	rig := newTRig(t, tConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := NewOnboardHandler(rig.svc, rig.store, rig.bus, ob.Disabled)
	go handler.Run(ctx)

	feed := rig.bus.Feed()
	defer feed.Close()

	o := tBookedAsk(t)
	rig.bus.Send(&events.OrderOnboard{Order: o, Origin: events.OriginSelf})

	waitFor(t, "order booked", func() bool {
		bk, _ := rig.svc.Book(tMarketID)
		_, asks := bk.Count()
		return asks == 1
	})
	waitFor(t, "order persisted", func() bool {
		found, _ := rig.store.Exists(o.OrderHash)
		return found
	})

	counts := collectEvents(feed, 100*time.Millisecond)
	if counts[events.KindOrderAccepted] != 1 {
		t.Fatalf("wanted 1 acceptance, got %d", counts[events.KindOrderAccepted])
	}
	if counts[events.KindPeerBroadcast] != 1 {
		t.Fatalf("wanted 1 peer broadcast, got %d", counts[events.KindPeerBroadcast])
	}
	// A locally submitted order is published to the content network.
	if counts[events.KindContentPublish] != 1 {
		t.Fatalf("wanted 1 content publish, got %d", counts[events.KindContentPublish])
	}
}

func TestOnboardDedup(t *testing.T) {
	rig := newTRig(t, tConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := NewOnboardHandler(rig.svc, rig.store, rig.bus, ob.Disabled)
	go handler.Run(ctx)

	feed := rig.bus.Feed()
	defer feed.Close()

	o := tBookedAsk(t)
	// The same order arrives twice, e.g. a submit raced a relay.
	rig.bus.Send(&events.OrderOnboard{Order: o, Origin: events.OriginSelf})
	rig.bus.Send(&events.OrderOnboard{Order: o, Origin: events.OriginSelf})

	waitFor(t, "order booked", func() bool {
		bk, _ := rig.svc.Book(tMarketID)
		_, asks := bk.Count()
		return asks == 1
	})

	counts := collectEvents(feed, 100*time.Millisecond)
	if counts[events.KindOrderAccepted] != 1 {
		t.Fatalf("wanted exactly 1 acceptance, got %d", counts[events.KindOrderAccepted])
	}
}

func TestOnboardPeerOriginSkipsContentPublish(t *testing.T) {
	rig := newTRig(t, tConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := NewOnboardHandler(rig.svc, rig.store, rig.bus, ob.Disabled)
	go handler.Run(ctx)

	feed := rig.bus.Feed()
	defer feed.Close()

	o := tBookedAsk(t)
	rig.bus.Send(&events.OrderOnboard{Order: o, Origin: events.OriginPeer})

	waitFor(t, "order booked", func() bool {
		bk, _ := rig.svc.Book(tMarketID)
		_, asks := bk.Count()
		return asks == 1
	})

	counts := collectEvents(feed, 100*time.Millisecond)
	// Still accepted and rebroadcast to peers, but never published to the
	// content network a second time.
	if counts[events.KindOrderAccepted] != 1 || counts[events.KindPeerBroadcast] != 1 {
		t.Fatalf("wrong acceptance/broadcast counts: %v", counts)
	}
	if counts[events.KindContentPublish] != 0 {
		t.Fatalf("peer-originated order published to the content network")
	}
}

func TestHandlerFeedLiveAtConstruction(t *testing.T) {
	rig := newTRig(t, tConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The bus only delivers to feeds registered at Send time, so an event
	// emitted between construction and the start of the Run goroutine must
	// already have a feed to land on.
	handler := NewOnboardHandler(rig.svc, rig.store, rig.bus, ob.Disabled)
	o := tBookedAsk(t)
	rig.bus.Send(&events.OrderOnboard{Order: o, Origin: events.OriginSelf})
	go handler.Run(ctx)

	waitFor(t, "order booked", func() bool {
		bk, _ := rig.svc.Book(tMarketID)
		_, asks := bk.Count()
		return asks == 1
	})

	// Same for maintenance events.
	maint := NewMaintenanceHandler(rig.svc, rig.bus, ob.Disabled)
	rig.bus.Send(&events.Delist{MarketID: tMarketID, OrderHash: o.OrderHash, Side: ob.Ask})
	go maint.Run(ctx)

	waitFor(t, "order delisted", func() bool {
		bk, _ := rig.svc.Book(tMarketID)
		_, asks := bk.Count()
		return asks == 0
	})
}

func TestPeerOrderHandler(t *testing.T) {
	rig := newTRig(t, tConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := NewPeerOrderHandler(rig.svc, rig.bus, ob.Disabled)
	go handler.Run(ctx)

	// A peer announcement is admitted directly.
	o := tBookedAsk(t)
	rig.bus.Send(&events.OrderAccepted{Order: o, MarketID: tMarketID, Origin: events.OriginPeer})
	waitFor(t, "peer order booked", func() bool {
		bk, _ := rig.svc.Book(tMarketID)
		_, asks := bk.Count()
		return asks == 1
	})

	// A replayed announcement is refused at the book, not duplicated.
	rig.bus.Send(&events.OrderAccepted{Order: o, MarketID: tMarketID, Origin: events.OriginPeer})
	// Local acceptances are not re-admitted by this handler.
	local := tBookedAsk(t)
	rig.bus.Send(&events.OrderAccepted{Order: local, MarketID: tMarketID, Origin: events.OriginSelf})

	time.Sleep(100 * time.Millisecond)
	bk, _ := rig.svc.Book(tMarketID)
	if _, asks := bk.Count(); asks != 1 {
		t.Fatalf("wanted 1 booked ask, got %d", asks)
	}
}

func TestMaintenanceHandler(t *testing.T) {
	rig := newTRig(t, tConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := NewMaintenanceHandler(rig.svc, rig.bus, ob.Disabled)
	go handler.Run(ctx)

	o := tBookedAsk(t)
	if _, err := rig.svc.AdmitOrder(o); err != nil {
		t.Fatalf("AdmitOrder error: %v", err)
	}

	rig.bus.Send(&events.BalanceUpdate{
		MarketID:    tMarketID,
		OrderHash:   o.OrderHash,
		Side:        ob.Ask,
		BaseAmount:  decimal.NewFromInt(400),
		QuoteAmount: decimal.NewFromInt(1200),
		Timestamp:   time.Now(),
	})
	waitFor(t, "balance applied", func() bool {
		snap, err := rig.svc.Snapshot(ctx, tMarketID, -1)
		if err != nil || len(snap.Asks) == 0 {
			return false
		}
		return snap.Asks[0].RemainingBaseTokenAmount.Equal(decimal.NewFromInt(400))
	})

	rig.bus.Send(&events.Delist{MarketID: tMarketID, OrderHash: o.OrderHash, Side: ob.Ask})
	waitFor(t, "order delisted", func() bool {
		bk, _ := rig.svc.Book(tMarketID)
		_, asks := bk.Count()
		return asks == 0
	})

	// Reports for an order no longer booked are tolerated silently.
	rig.bus.Send(&events.Delist{MarketID: tMarketID, OrderHash: o.OrderHash, Side: ob.Ask})
	time.Sleep(50 * time.Millisecond)
}
