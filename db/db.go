// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db stores accepted orders. The relay consumes a deliberately small
// surface: existence checks for deduplication, inserts, and per-market-side
// loads at bootstrap. Durability beyond what the backing store provides is
// not a goal.
package db

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"nexex.org/obnode/ob"
)

// OrderStore is the persistence surface consumed by the order relay.
type OrderStore interface {
	// Exists reports whether an order with the given hash has been stored.
	Exists(orderHash common.Hash) (bool, error)
	// Insert stores the order. Inserting the same hash twice overwrites,
	// which is harmless since the signed payload is immutable.
	Insert(o *ob.Order) error
	// BookOrders loads every stored order for one side of the market defined
	// by the token pair.
	BookOrders(base, quote common.Address, side ob.Side) ([]*ob.Order, error)
	// Close releases the store's resources.
	Close() error
}

// memoryStore is an in-memory OrderStore for testing and for running a
// relay with no persistence directory configured.
type memoryStore struct {
	mtx    sync.RWMutex
	orders map[common.Hash]*ob.Order
}

// NewMemoryStore creates an OrderStore backed by process memory.
func NewMemoryStore() OrderStore {
	return &memoryStore{orders: make(map[common.Hash]*ob.Order)}
}

func (m *memoryStore) Exists(orderHash common.Hash) (bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	_, found := m.orders[orderHash]
	return found, nil
}

func (m *memoryStore) Insert(o *ob.Order) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.orders[o.OrderHash] = o
	return nil
}

func (m *memoryStore) BookOrders(base, quote common.Address, side ob.Side) ([]*ob.Order, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	var ords []*ob.Order
	for _, o := range m.orders {
		if o.Side == side && o.BaseTokenAddress == base && o.QuoteTokenAddress == quote {
			ords = append(ords, o)
		}
	}
	return ords, nil
}

func (m *memoryStore) Close() error {
	return nil
}
