// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package orderbook

import (
	"context"

	"nexex.org/obnode/db"
	"nexex.org/obnode/events"
	"nexex.org/obnode/ob"
)

// OnboardHandler consumes OrderOnboard events and runs the local admission
// pipeline: dedup against the store, book the order, persist it, and
// announce the acceptance. This is the only path that writes to the store.
type OnboardHandler struct {
	svc   *Service
	store db.OrderStore
	bus   *events.Bus
	feed  *events.Feed
	log   ob.Logger
}

// NewOnboardHandler creates an OnboardHandler. The bus feed is registered
// here, so events sent after construction are queued even before the Run
// goroutine is scheduled. Call Run to start processing.
func NewOnboardHandler(svc *Service, store db.OrderStore, bus *events.Bus, logger ob.Logger) *OnboardHandler {
	return &OnboardHandler{
		svc:   svc,
		store: store,
		bus:   bus,
		feed:  bus.Feed(),
		log:   logger,
	}
}

// Run processes onboard events until the context is canceled. A failed order
// is logged and dropped; the loop never stops on a per-order error.
func (h *OnboardHandler) Run(ctx context.Context) {
	defer h.feed.Close()
	for {
		select {
		case ev := <-h.feed.C:
			onboard, is := ev.(*events.OrderOnboard)
			if !is {
				continue
			}
			if err := h.handle(ctx, onboard); err != nil {
				h.log.Errorf("failed to onboard order %s: %v", onboard.Order.OrderHash, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *OnboardHandler) handle(ctx context.Context, ev *events.OrderOnboard) error {
	if err := h.svc.WhenReady(ctx); err != nil {
		return err
	}
	o := ev.Order
	exists, err := h.store.Exists(o.OrderHash)
	if err != nil {
		return err
	}
	if exists {
		h.log.Warnf("order %s already onboarded, skipping", o.OrderHash)
		return nil
	}
	marketID, err := h.svc.AdmitOrder(o)
	if err != nil {
		return err
	}
	if err := h.store.Insert(o); err != nil {
		return err
	}
	h.bus.Send(&events.OrderAccepted{Order: o, MarketID: marketID, Origin: events.OriginSelf})
	// The rebroadcast already carries the peer origin so remote nodes that
	// admit it will not publish it to the content network a second time.
	h.bus.Send(&events.PeerBroadcast{Accepted: &events.OrderAccepted{
		Order:    o,
		MarketID: marketID,
		Origin:   events.OriginPeer,
	}})
	// Only orders that entered at this node are published to the content
	// network. Peer-originated orders were published by their first node.
	if ev.Origin == events.OriginSelf {
		h.bus.Send(&events.ContentPublish{MarketID: marketID, Order: o.SignedOrder})
	}
	return nil
}

// PeerOrderHandler admits orders announced by gossip peers. Unlike the local
// onboard path there is no store existence check: a peer announces an order
// it has already validated and persisted, and the book itself rejects a
// duplicate hash, so a replayed announcement is re-admitted (and re-refused
// at the book) rather than filtered here.
type PeerOrderHandler struct {
	svc  *Service
	bus  *events.Bus
	feed *events.Feed
	log  ob.Logger
}

// NewPeerOrderHandler creates a PeerOrderHandler with its bus feed already
// registered. Call Run to start processing.
func NewPeerOrderHandler(svc *Service, bus *events.Bus, logger ob.Logger) *PeerOrderHandler {
	return &PeerOrderHandler{svc: svc, bus: bus, feed: bus.Feed(), log: logger}
}

// Run processes peer order announcements until the context is canceled.
func (h *PeerOrderHandler) Run(ctx context.Context) {
	defer h.feed.Close()
	for {
		select {
		case ev := <-h.feed.C:
			accepted, is := ev.(*events.OrderAccepted)
			if !is || accepted.Origin != events.OriginPeer {
				continue
			}
			if err := h.handle(ctx, accepted); err != nil {
				h.log.Errorf("failed to admit peer order %s: %v", accepted.Order.OrderHash, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *PeerOrderHandler) handle(ctx context.Context, ev *events.OrderAccepted) error {
	if err := h.svc.WhenReady(ctx); err != nil {
		return err
	}
	_, err := h.svc.AdmitOrder(ev.Order)
	return err
}

// MaintenanceHandler applies fill-tracker balance updates and delist
// requests to the books. Reports naming an order no longer on the book are
// tolerated silently.
type MaintenanceHandler struct {
	svc  *Service
	bus  *events.Bus
	feed *events.Feed
	log  ob.Logger
}

// NewMaintenanceHandler creates a MaintenanceHandler with its bus feed
// already registered. Call Run to start processing.
func NewMaintenanceHandler(svc *Service, bus *events.Bus, logger ob.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{svc: svc, bus: bus, feed: bus.Feed(), log: logger}
}

// Run processes balance updates and delists until the context is canceled.
func (h *MaintenanceHandler) Run(ctx context.Context) {
	defer h.feed.Close()
	for {
		select {
		case ev := <-h.feed.C:
			switch ev := ev.(type) {
			case *events.BalanceUpdate:
				if err := h.handleBalance(ctx, ev); err != nil {
					h.log.Errorf("failed to update balance for order %s on %s: %v",
						ev.OrderHash, ev.MarketID, err)
				}
			case *events.Delist:
				if err := h.handleDelist(ctx, ev); err != nil {
					h.log.Errorf("failed to delist order %s from %s: %v",
						ev.OrderHash, ev.MarketID, err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *MaintenanceHandler) handleBalance(ctx context.Context, ev *events.BalanceUpdate) error {
	if err := h.svc.WhenReady(ctx); err != nil {
		return err
	}
	return h.svc.UpdateBalance(ev.MarketID, ev.OrderHash, ev.Side, ev.BaseAmount, ev.QuoteAmount, ev.Timestamp)
}

func (h *MaintenanceHandler) handleDelist(ctx context.Context, ev *events.Delist) error {
	if err := h.svc.WhenReady(ctx); err != nil {
		return err
	}
	return h.svc.Delist(ev.MarketID, ev.OrderHash, ev.Side)
}
