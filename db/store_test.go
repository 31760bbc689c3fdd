// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"nexex.org/obnode/ob"
)

var (
	tBase  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tQuote = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func tStoredOrder(hashByte byte, side ob.Side) *ob.Order {
	return &ob.Order{
		OrderHash:                 common.Hash{hashByte},
		Side:                      side,
		Price:                     decimal.RequireFromString("1.5"),
		BaseTokenAddress:          tBase,
		QuoteTokenAddress:         tQuote,
		RemainingBaseTokenAmount:  decimal.NewFromInt(100),
		RemainingQuoteTokenAmount: decimal.NewFromInt(150),
		SignedOrder: &ob.SignedOrder{
			MakerTokenAddress: tBase,
			TakerTokenAddress: tQuote,
			MakerTokenAmount:  decimal.NewFromInt(100),
			TakerTokenAmount:  decimal.NewFromInt(150),
		},
	}
}

// testStore exercises the OrderStore contract against any implementation.
func testStore(t *testing.T, store OrderStore) {
	t.Helper()

	bid := tStoredOrder(0x1, ob.Bid)
	ask := tStoredOrder(0x2, ob.Ask)

	found, err := store.Exists(bid.OrderHash)
	if err != nil {
		t.Fatalf("Exists error: %v", err)
	}
	if found {
		t.Fatalf("hash found before insert")
	}

	for _, o := range []*ob.Order{bid, ask} {
		if err := store.Insert(o); err != nil {
			t.Fatalf("Insert error: %v", err)
		}
	}

	if found, err = store.Exists(bid.OrderHash); err != nil || !found {
		t.Fatalf("hash not found after insert: found = %v, err = %v", found, err)
	}

	bids, err := store.BookOrders(tBase, tQuote, ob.Bid)
	if err != nil {
		t.Fatalf("BookOrders error: %v", err)
	}
	if len(bids) != 1 || bids[0].OrderHash != bid.OrderHash {
		t.Fatalf("wanted just the bid, got %d orders", len(bids))
	}
	if !bids[0].Price.Equal(bid.Price) || bids[0].SignedOrder == nil {
		t.Fatalf("stored bid did not survive the round trip")
	}

	// A different market is empty.
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	ords, err := store.BookOrders(other, tQuote, ob.Bid)
	if err != nil {
		t.Fatalf("BookOrders error for other market: %v", err)
	}
	if len(ords) != 0 {
		t.Fatalf("unrelated market returned %d orders", len(ords))
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	testStore(t, store)
}

func TestBadgerStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBadgerStore(dir, ob.Disabled)
	if err != nil {
		t.Fatalf("NewBadgerStore error: %v", err)
	}
	testStore(t, store)

	// Orders survive a close and reopen.
	if err = store.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	store, err = NewBadgerStore(dir, ob.Disabled)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer store.Close()
	bids, err := store.BookOrders(tBase, tQuote, ob.Bid)
	if err != nil {
		t.Fatalf("BookOrders error after reopen: %v", err)
	}
	if len(bids) != 1 {
		t.Fatalf("wanted 1 bid after reopen, got %d", len(bids))
	}
}
