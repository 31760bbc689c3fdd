// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/ethereum/go-ethereum/common"
	"nexex.org/obnode/ob"
)

// Key layout. Orders are written twice: once under a market-side prefix for
// bootstrap loads, and once under a flat hash index for existence checks.
//   b/<marketID>/<side>/<hash> -> JSON(Order)
//   h/<hash>                   -> nil
var (
	bookPrefix = []byte("b/")
	hashPrefix = []byte("h/")
)

// BadgerStore is a badger-backed OrderStore.
type BadgerStore struct {
	*badger.DB
	log ob.Logger
}

var _ OrderStore = (*BadgerStore)(nil)

// NewBadgerStore opens, or creates, the order database at the specified
// directory.
func NewBadgerStore(dir string, logger ob.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLoggerWrapper{logger})
	db, err := badger.Open(opts)
	if err == badger.ErrTruncateNeeded {
		// Probably a Windows thing.
		// https://github.com/dgraph-io/badger/issues/744
		logger.Warnf("NewBadgerStore badger db: %v", err)
		// Try again with value log truncation enabled.
		opts.Truncate = true
		logger.Warnf("Attempting to reopen badger DB with the Truncate option set...")
		db, err = badger.Open(opts)
	}
	if err != nil {
		return nil, err
	}
	return &BadgerStore{DB: db, log: logger}, nil
}

// Run starts the garbage collection loop. It blocks until the context is
// canceled.
func (d *BadgerStore) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := d.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.log.Errorf("garbage collection error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func bookKey(base, quote common.Address, side ob.Side, orderHash common.Hash) []byte {
	k := make([]byte, 0, len(bookPrefix)+len(ob.MarketID(base, quote))+2+common.HashLength)
	k = append(k, bookSideKey(base, quote, side)...)
	k = append(k, orderHash.Bytes()...)
	return k
}

func bookSideKey(base, quote common.Address, side ob.Side) []byte {
	return []byte(fmt.Sprintf("%s%s/%d/", bookPrefix, ob.MarketID(base, quote), side))
}

func hashKey(orderHash common.Hash) []byte {
	return append(hashPrefix, orderHash.Bytes()...)
}

// Exists reports whether the order hash is in the flat hash index.
func (d *BadgerStore) Exists(orderHash common.Hash) (found bool, err error) {
	return found, d.View(func(txn *badger.Txn) error {
		_, err := txn.Get(hashKey(orderHash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return fmt.Errorf("error reading database: %w", err)
		}
		found = true
		return nil
	})
}

// Insert stores the order under its market-side key and indexes its hash.
func (d *BadgerStore) Insert(o *ob.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return d.Update(func(txn *badger.Txn) error {
		err := txn.Set(bookKey(o.BaseTokenAddress, o.QuoteTokenAddress, o.Side, o.OrderHash), b)
		if err != nil {
			return err
		}
		return txn.Set(hashKey(o.OrderHash), nil)
	})
}

// BookOrders loads every order stored for one side of the market.
func (d *BadgerStore) BookOrders(base, quote common.Address, side ob.Side) ([]*ob.Order, error) {
	var ords []*ob.Order
	err := d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = bookSideKey(base, quote, side)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				o := new(ob.Order)
				if err := json.Unmarshal(v, o); err != nil {
					return err
				}
				ords = append(ords, o)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return ords, err
}

// Close the database.
func (d *BadgerStore) Close() error {
	return d.DB.Close()
}

// badgerLoggerWrapper wraps ob.Logger and translates Warnf to Warningf to
// satisfy badger.Logger.
type badgerLoggerWrapper struct {
	ob.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Warningf -> ob.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...interface{}) {
	log.Warnf(s, a...)
}
