// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package book

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
	"nexex.org/obnode/ob"
)

// rateKey orders a side's skiplist. The price is the order's immutable price,
// so entries never move after insertion. The sequence number breaks price
// ties in insertion order.
type rateKey struct {
	price decimal.Decimal
	seq   uint64
}

// sideComparator is a skiplist.Comparable that sorts bids by price descending
// and asks by price ascending, tie-broken by insertion sequence.
type sideComparator struct {
	desc bool
}

var _ skiplist.Comparable = (*sideComparator)(nil)

func (c sideComparator) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(*rateKey), rhs.(*rateKey)
	cmp := l.price.Cmp(r.price)
	if c.desc {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp
	}
	switch {
	case l.seq < r.seq:
		return -1
	case l.seq > r.seq:
		return 1
	}
	return 0
}

// CalcScore is a skiplist optimization hint. It only needs to be monotonic
// with respect to Compare; equal scores fall back to Compare.
func (c sideComparator) CalcScore(key interface{}) float64 {
	f := key.(*rateKey).price.InexactFloat64()
	if c.desc {
		return -f
	}
	return f
}

// bookSide is one sorted side of a market's book. It pairs a skiplist, for
// ordered traversal and O(log n) insertion, with a hash index for constant
// time lookup and duplicate rejection. bookSide is not thread-safe; the
// owning Book synchronizes access.
type bookSide struct {
	side  ob.Side
	list  *skiplist.SkipList
	elems map[common.Hash]*skiplist.Element
	seq   uint64
}

func newBookSide(side ob.Side) *bookSide {
	return &bookSide{
		side:  side,
		list:  skiplist.New(sideComparator{desc: side == ob.Bid}),
		elems: make(map[common.Hash]*skiplist.Element),
	}
}

// insert adds the order in sorted position. A second order with a known hash
// is rejected.
func (s *bookSide) insert(o *ob.Order) bool {
	if _, exists := s.elems[o.OrderHash]; exists {
		return false
	}
	s.seq++
	elem := s.list.Set(&rateKey{price: o.Price, seq: s.seq}, o)
	s.elems[o.OrderHash] = elem
	return true
}

func (s *bookSide) find(orderHash common.Hash) (*ob.Order, bool) {
	elem, found := s.elems[orderHash]
	if !found {
		return nil, false
	}
	return elem.Value.(*ob.Order), true
}

// remove deletes the order with the given hash, reporting whether it was
// present.
func (s *bookSide) remove(orderHash common.Hash) (*ob.Order, bool) {
	elem, found := s.elems[orderHash]
	if !found {
		return nil, false
	}
	s.list.RemoveElement(elem)
	delete(s.elems, orderHash)
	return elem.Value.(*ob.Order), true
}

func (s *bookSide) count() int {
	return s.list.Len()
}

// orders copies out up to limit orders in sorted order. A negative limit
// means all.
func (s *bookSide) orders(limit int) []*ob.Order {
	if limit < 0 || limit > s.list.Len() {
		limit = s.list.Len()
	}
	ords := make([]*ob.Order, 0, limit)
	for elem := s.list.Front(); elem != nil && len(ords) < limit; elem = elem.Next() {
		ords = append(ords, elem.Value.(*ob.Order))
	}
	return ords
}
