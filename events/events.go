// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package events defines the closed set of domain events that couple the
// order relay's components, and the in-process Bus that broadcasts every
// event to every subscriber. There are no ordering guarantees between feeds,
// and none between events published in rapid succession from different
// sources.
package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"nexex.org/obnode/ob"
)

// Origin tags an order event with its provenance. It is used exclusively to
// prevent rebroadcast loops, never to alter validation.
type Origin uint8

const (
	// OriginSelf marks an event triggered by a local submission.
	OriginSelf Origin = iota
	// OriginPeer marks an event received from the peer gossip network.
	OriginPeer
)

// String satisfies fmt.Stringer.
func (o Origin) String() string {
	if o == OriginPeer {
		return "peer"
	}
	return "self"
}

// Kind identifies an event variant.
type Kind string

const (
	KindOrderOnboard     Kind = "order_onboard"
	KindOrderAccepted    Kind = "order_accepted"
	KindPeerBroadcast    Kind = "peer_event"
	KindContentPublish   Kind = "content_publish"
	KindContentSubscribe Kind = "content_subscribe"
	KindBalanceUpdate    Kind = "order_balance_update"
	KindDelist           Kind = "order_delist"
)

// Event is a bus payload. The set of implementations is closed; handlers
// switch on the concrete type.
type Event interface {
	Kind() Kind
}

// OrderOnboard is a raw inbound order awaiting admission.
type OrderOnboard struct {
	Order  *ob.Order
	Origin Origin
}

func (*OrderOnboard) Kind() Kind { return KindOrderOnboard }

// OrderAccepted reports an order admitted to a market's book.
type OrderAccepted struct {
	Order    *ob.Order
	MarketID string
	Origin   Origin
}

func (*OrderAccepted) Kind() Kind { return KindOrderAccepted }

// PeerBroadcast wraps an acceptance for outbound peer gossip.
type PeerBroadcast struct {
	Accepted *OrderAccepted
}

func (*PeerBroadcast) Kind() Kind { return KindPeerBroadcast }

// ContentPublish asks the content-network bridge to publish a newly accepted
// signed order for a market.
type ContentPublish struct {
	MarketID string
	Order    *ob.SignedOrder
}

func (*ContentPublish) Kind() Kind { return KindContentPublish }

// ContentSubscribe asks the content-network bridge to subscribe to a market's
// broadcast channel. Emitted once per market during bootstrap.
type ContentSubscribe struct {
	MarketID string
}

func (*ContentSubscribe) Kind() Kind { return KindContentSubscribe }

// BalanceUpdate carries a fill-tracker report of an order's new remaining
// amounts.
type BalanceUpdate struct {
	MarketID    string
	OrderHash   common.Hash
	Side        ob.Side
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	Timestamp   time.Time
}

func (*BalanceUpdate) Kind() Kind { return KindBalanceUpdate }

// Delist removes an order from its book. Exhaustion does not auto-delist;
// this event is the only removal path.
type Delist struct {
	MarketID  string
	OrderHash common.Hash
	Side      ob.Side
}

func (*Delist) Kind() Kind { return KindDelist }
