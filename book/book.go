// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package book defines the per-market order book used by the relay: two
// sorted collections of resting orders plus the price-level aggregation
// queries served to the API layer. The book is a pure in-memory engine with
// no network or persistence calls.
package book

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"nexex.org/obnode/ob"
)

// ErrPricePrecision is returned by AggregateByPrice when the requested price
// carries more decimal places than the requested precision.
const ErrPricePrecision = ob.ErrorKind("price precision exceeds requested decimals")

// OrderStub is the slim projection of a book order used in aggregate views.
type OrderStub struct {
	OrderHash                 common.Hash     `json:"orderHash"`
	RemainingBaseTokenAmount  decimal.Decimal `json:"remainingBaseTokenAmount"`
	RemainingQuoteTokenAmount decimal.Decimal `json:"remainingQuoteTokenAmount"`
}

// OrderSlim is the minimal snapshot projection: an OrderStub plus the order's
// price.
type OrderSlim struct {
	OrderHash                 common.Hash     `json:"orderHash"`
	Price                     decimal.Decimal `json:"price"`
	RemainingBaseTokenAmount  decimal.Decimal `json:"remainingBaseTokenAmount"`
	RemainingQuoteTokenAmount decimal.Decimal `json:"remainingQuoteTokenAmount"`
}

// Level is a price bucket: the set of orders sharing one rounded display
// price, in book order.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Orders []*OrderStub    `json:"orders"`
}

// Snapshot is the first N orders of each side, best first.
type Snapshot struct {
	Bids []*ob.Order `json:"bids"`
	Asks []*ob.Order `json:"asks"`
}

// SlimSnapshot is a Snapshot projected to OrderSlim entries.
type SlimSnapshot struct {
	Bids []*OrderSlim `json:"bids"`
	Asks []*OrderSlim `json:"asks"`
}

// Depth is the top of the book: up to N distinct rounded price levels per
// side, each with its member orders.
type Depth struct {
	Bids       []*Level       `json:"bids"`
	Asks       []*Level       `json:"asks"`
	BaseToken  common.Address `json:"baseToken"`
	QuoteToken common.Address `json:"quoteToken"`
}

// Book is one market's order book. Bids are sorted by price descending, asks
// ascending, price ties in insertion order. Mutations take the write lock;
// queries may run concurrently under the read lock.
type Book struct {
	base, quote *ob.Token
	marketID    string

	mtx  sync.RWMutex
	bids *bookSide
	asks *bookSide
}

// New creates an empty Book for the market defined by the base and quote
// tokens.
func New(base, quote *ob.Token) *Book {
	return &Book{
		base:     base,
		quote:    quote,
		marketID: ob.MarketID(base.Address, quote.Address),
		bids:     newBookSide(ob.Bid),
		asks:     newBookSide(ob.Ask),
	}
}

// MarketID returns the canonical market identifier.
func (b *Book) MarketID() string {
	return b.marketID
}

// BaseToken returns the base token's metadata.
func (b *Book) BaseToken() *ob.Token {
	return b.base
}

// QuoteToken returns the quote token's metadata.
func (b *Book) QuoteToken() *ob.Token {
	return b.quote
}

// MatchesPair reports whether the unordered token address pair belongs to
// this market.
func (b *Book) MatchesPair(tokenA, tokenB common.Address) bool {
	return (tokenA == b.base.Address && tokenB == b.quote.Address) ||
		(tokenA == b.quote.Address && tokenB == b.base.Address)
}

func (b *Book) side(s ob.Side) *bookSide {
	if s == ob.Bid {
		return b.bids
	}
	return b.asks
}

// Insert adds the order to its side of the book, reporting whether it was
// inserted. An order whose hash is already booked on that side is not
// inserted again.
func (b *Book) Insert(o *ob.Order) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if !b.side(o.Side).insert(o) {
		log.Warnf("(*Book).Insert: refusing duplicate order %s on %s %s",
			o.OrderHash, b.marketID, o.Side)
		return false
	}
	return true
}

// UpdateBalance sets the remaining amounts of the order with the given hash.
// An unknown hash is a silent no-op: a balance update may race a delist, and
// the update source is trusted, so stale updates are simply dropped.
func (b *Book) UpdateBalance(orderHash common.Hash, side ob.Side, baseAmount, quoteAmount decimal.Decimal, lastUpdate time.Time) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	o, found := b.side(side).find(orderHash)
	if !found {
		return false
	}
	o.RemainingBaseTokenAmount = baseAmount
	o.RemainingQuoteTokenAmount = quoteAmount
	o.LastUpdate = lastUpdate
	return true
}

// Delist removes the order with the given hash. An unknown hash is a silent
// no-op.
func (b *Book) Delist(orderHash common.Hash, side ob.Side) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	_, removed := b.side(side).remove(orderHash)
	return removed
}

// Count returns the number of booked bids and asks.
func (b *Book) Count() (bids, asks int) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.bids.count(), b.asks.count()
}

// Snapshot copies out the first limit orders of each side, best first. The
// returned orders are copies; mutating them does not affect the book.
func (b *Book) Snapshot(limit int) *Snapshot {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return &Snapshot{
		Bids: copyOrders(b.bids.orders(limit)),
		Asks: copyOrders(b.asks.orders(limit)),
	}
}

// SlimSnapshot is Snapshot projected to the minimal fields.
func (b *Book) SlimSnapshot(limit int) *SlimSnapshot {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return &SlimSnapshot{
		Bids: slimOrders(b.bids.orders(limit)),
		Asks: slimOrders(b.asks.orders(limit)),
	}
}

// SignedOrders resolves the signed payloads for the given hashes on one side,
// preserving the input order and silently skipping unknown hashes. Used to
// assemble a batch-fill transaction from a user-chosen set of book entries.
func (b *Book) SignedOrders(side ob.Side, orderHashes []common.Hash) []*ob.SignedOrder {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	s := b.side(side)
	ords := make([]*ob.SignedOrder, 0, len(orderHashes))
	for _, orderHash := range orderHashes {
		if o, found := s.find(orderHash); found {
			ords = append(ords, o.SignedOrder)
		}
	}
	return ords
}

// AggregateByPrice collects the side's orders whose display price, rounded to
// the given precision, equals the given price. The price itself must not
// carry more precision than requested.
func (b *Book) AggregateByPrice(side ob.Side, price decimal.Decimal, decimals int32) (*Level, error) {
	if !price.Truncate(decimals).Equal(price) {
		return nil, ob.NewError(ErrPricePrecision, price.String())
	}
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	level := &Level{Price: price, Orders: []*OrderStub{}}
	for _, o := range b.side(side).orders(-1) {
		if displayPrice(o.Price, side, decimals).Equal(price) {
			level.Orders = append(level.Orders, stubOrder(o))
		}
	}
	return level, nil
}

// TopOfBook aggregates each side into its first limit distinct rounded price
// levels. Levels, not orders, are counted against the limit, so a level may
// contain many orders. Bids round down and asks round up, so the displayed
// liquidity is never better than what is truly available at the rounded
// price.
func (b *Book) TopOfBook(limit int, decimals int32) *Depth {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return &Depth{
		Bids:       b.bids.levels(limit, decimals),
		Asks:       b.asks.levels(limit, decimals),
		BaseToken:  b.base.Address,
		QuoteToken: b.quote.Address,
	}
}

// levels walks the already-sorted side, starting a new bucket each time the
// rounded price changes and stopping once limit buckets are full.
func (s *bookSide) levels(limit int, decimals int32) []*Level {
	lvls := make([]*Level, 0, limit)
	for elem := s.list.Front(); elem != nil; elem = elem.Next() {
		o := elem.Value.(*ob.Order)
		price := displayPrice(o.Price, s.side, decimals)
		if len(lvls) == 0 || !lvls[len(lvls)-1].Price.Equal(price) {
			if len(lvls) == limit {
				break
			}
			lvls = append(lvls, &Level{Price: price})
		}
		lvl := lvls[len(lvls)-1]
		lvl.Orders = append(lvl.Orders, stubOrder(o))
	}
	return lvls
}

// displayPrice rounds a raw price for display. Bids round down and asks round
// up, hiding any fraction of a price increment the side cannot actually fill.
func displayPrice(price decimal.Decimal, side ob.Side, decimals int32) decimal.Decimal {
	if side == ob.Bid {
		return price.RoundFloor(decimals)
	}
	return price.RoundCeil(decimals)
}

func copyOrders(ords []*ob.Order) []*ob.Order {
	out := make([]*ob.Order, len(ords))
	for i, o := range ords {
		cp := *o
		out[i] = &cp
	}
	return out
}

func slimOrders(ords []*ob.Order) []*OrderSlim {
	out := make([]*OrderSlim, len(ords))
	for i, o := range ords {
		out[i] = &OrderSlim{
			OrderHash:                 o.OrderHash,
			Price:                     o.Price,
			RemainingBaseTokenAmount:  o.RemainingBaseTokenAmount,
			RemainingQuoteTokenAmount: o.RemainingQuoteTokenAmount,
		}
	}
	return out
}

func stubOrder(o *ob.Order) *OrderStub {
	return &OrderStub{
		OrderHash:                 o.OrderHash,
		RemainingBaseTokenAmount:  o.RemainingBaseTokenAmount,
		RemainingQuoteTokenAmount: o.RemainingQuoteTokenAmount,
	}
}
