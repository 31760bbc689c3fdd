// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package orderbook orchestrates the relay's market books: bootstrap from
// persistence, order validation against on-chain state, admission, and the
// query surface served to the API layer. The Service is the only component
// that calls into the on-chain oracle.
package orderbook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"nexex.org/obnode/book"
	"nexex.org/obnode/chain"
	"nexex.org/obnode/db"
	"nexex.org/obnode/events"
	"nexex.org/obnode/ob"
)

// defaultMarketsTTL is how long a computed market summary list remains
// fresh.
const defaultMarketsTTL = 12 * time.Hour

// Config is the market-policy configuration for the Service.
type Config struct {
	// Markets are the hosted market symbols, "BASE-QUOTE", where each part is
	// a registered token symbol or a literal 0x address.
	Markets []string
	// MakerFeeRecipient is the fee recipient every admitted order must name.
	MakerFeeRecipient common.Address
	// MinMakerFeeRate is the minimum maker fee rate for admission.
	MinMakerFeeRate decimal.Decimal
	// MinOrderBaseVolume and MinOrderQuoteVolume are the minimum remaining
	// order volumes, in display units of the respective token.
	MinOrderBaseVolume  decimal.Decimal
	MinOrderQuoteVolume decimal.Decimal
	// MarketsTTL overrides the market summary cache lifetime.
	MarketsTTL time.Duration
}

// Market is a display-friendly market summary.
type Market struct {
	Base       *ob.Token `json:"base"`
	Quote      *ob.Token `json:"quote"`
	MarketName string    `json:"marketName"`
	MarketID   string    `json:"marketId"`
}

// Service owns the market books. All public entry points that touch
// per-market state await the readiness gate, which resolves once bootstrap
// has attempted every configured market.
type Service struct {
	cfg    *Config
	oracle chain.Oracle
	store  db.OrderStore
	bus    *events.Bus
	log    ob.Logger

	ready *latch

	booksMtx sync.RWMutex
	books    map[string]*book.Book

	marketsMtx   sync.Mutex
	markets      []*Market
	marketsStamp time.Time
}

// New creates a Service. Call Run to bootstrap the configured markets and
// resolve the readiness gate.
func New(cfg *Config, oracle chain.Oracle, store db.OrderStore, bus *events.Bus, logger ob.Logger) *Service {
	return &Service{
		cfg:    cfg,
		oracle: oracle,
		store:  store,
		bus:    bus,
		log:    logger,
		ready:  newLatch(),
		books:  make(map[string]*book.Book),
	}
}

// Run bootstraps every configured market and resolves the readiness gate. A
// market that fails to load is logged and skipped; partial availability is
// preferred over a failed start. Only a failure outside the per-market loop
// rejects the gate, permanently.
func (s *Service) Run(ctx context.Context) error {
	err := s.bootstrap(ctx)
	s.ready.resolve(err)
	if err != nil {
		s.log.Errorf("order book bootstrap failed: %v", err)
		return err
	}
	s.booksMtx.RLock()
	n := len(s.books)
	s.booksMtx.RUnlock()
	s.log.Infof("order book service ready, hosting %d markets", n)
	return nil
}

func (s *Service) bootstrap(ctx context.Context) error {
	if len(s.cfg.Markets) == 0 {
		return fmt.Errorf("no markets configured")
	}
	for i, symbol := range s.cfg.Markets {
		s.log.Infof("loading market %d/%d %s", i+1, len(s.cfg.Markets), symbol)
		if err := s.loadMarket(ctx, symbol); err != nil {
			s.log.Errorf("failed to load market %s: %v", symbol, err)
			continue
		}
	}
	return nil
}

// loadMarket resolves the market's token pair, loads its persisted orders,
// registers the book, and requests a content-network subscription for the
// market.
func (s *Service) loadMarket(ctx context.Context, symbol string) error {
	parts := strings.Split(symbol, ob.MarketSeparator)
	if len(parts) != 2 {
		return fmt.Errorf("invalid market symbol %q", symbol)
	}
	baseAddr, err := s.resolveTokenAddress(ctx, parts[0])
	if err != nil {
		return fmt.Errorf("error resolving base token %q: %w", parts[0], err)
	}
	quoteAddr, err := s.resolveTokenAddress(ctx, parts[1])
	if err != nil {
		return fmt.Errorf("error resolving quote token %q: %w", parts[1], err)
	}
	baseToken, err := s.oracle.Token(ctx, baseAddr)
	if err != nil {
		return fmt.Errorf("error reading base token %s: %w", baseAddr, err)
	}
	quoteToken, err := s.oracle.Token(ctx, quoteAddr)
	if err != nil {
		return fmt.Errorf("error reading quote token %s: %w", quoteAddr, err)
	}

	bk := book.New(baseToken, quoteToken)
	for _, side := range []ob.Side{ob.Bid, ob.Ask} {
		ords, err := s.store.BookOrders(baseAddr, quoteAddr, side)
		if err != nil {
			return fmt.Errorf("error loading %s orders: %w", side, err)
		}
		for _, o := range ords {
			bk.Insert(o)
		}
	}

	s.booksMtx.Lock()
	s.books[bk.MarketID()] = bk
	s.booksMtx.Unlock()

	s.bus.Send(&events.ContentSubscribe{MarketID: bk.MarketID()})
	return nil
}

// resolveTokenAddress accepts a literal hex address or a registered token
// symbol.
func (s *Service) resolveTokenAddress(ctx context.Context, nameOrAddress string) (common.Address, error) {
	if common.IsHexAddress(nameOrAddress) {
		return common.HexToAddress(nameOrAddress), nil
	}
	return s.oracle.TokenAddressBySymbol(ctx, nameOrAddress)
}

// WhenReady blocks until bootstrap has completed, returning the gate's
// terminal error, if any.
func (s *Service) WhenReady(ctx context.Context) error {
	return s.ready.wait(ctx)
}

// Book returns the book registered under the market ID.
func (s *Service) Book(marketID string) (*book.Book, error) {
	s.booksMtx.RLock()
	defer s.booksMtx.RUnlock()
	bk, found := s.books[strings.ToLower(marketID)]
	if !found {
		return nil, ob.NewError(ob.ErrOrderbookNotFound, marketID)
	}
	return bk, nil
}

// findMarket locates the book hosting the unordered token pair.
func (s *Service) findMarket(tokenA, tokenB common.Address) (*book.Book, error) {
	s.booksMtx.RLock()
	defer s.booksMtx.RUnlock()
	for _, bk := range s.books {
		if bk.MatchesPair(tokenA, tokenB) {
			return bk, nil
		}
	}
	return nil, ob.NewError(ob.ErrMarketNotFound, fmt.Sprintf("no market for pair %s/%s",
		strings.ToLower(tokenA.Hex()), strings.ToLower(tokenB.Hex())))
}

// AdmitOrder inserts the order into the book hosting its token pair,
// returning the market ID. A duplicate hash is not booked twice; the reject
// is logged by the book and is not an error here.
func (s *Service) AdmitOrder(o *ob.Order) (string, error) {
	bk, err := s.findMarket(o.SignedOrder.MakerTokenAddress, o.SignedOrder.TakerTokenAddress)
	if err != nil {
		return "", err
	}
	bk.Insert(o)
	return bk.MarketID(), nil
}

// ValidateOrder runs the admission checks on a raw signed order and, on
// success, returns a fully populated book Order with its remaining amounts
// assigned from the on-chain available volume. It does not admit the order.
func (s *Service) ValidateOrder(ctx context.Context, so *ob.SignedOrder) (*ob.Order, error) {
	if err := s.oracle.ValidateOrder(so); err != nil {
		return nil, ob.NewError(ob.ErrInvalidOrder, err.Error())
	}
	if so.ExchangeContractAddress != s.oracle.ExchangeAddress() {
		return nil, ob.NewError(ob.ErrInvalidOrder,
			"wrong exchange contract "+strings.ToLower(so.ExchangeContractAddress.Hex()))
	}
	if so.MakerFeeRecipient != s.cfg.MakerFeeRecipient {
		return nil, ob.NewError(ob.ErrInvalidOrder,
			"bad makerFeeRecipient "+strings.ToLower(so.MakerFeeRecipient.Hex()))
	}
	if so.MakerFeeRate.Cmp(s.cfg.MinMakerFeeRate) < 0 {
		return nil, ob.NewError(ob.ErrFeeTooLow,
			fmt.Sprintf("minimum rate %s, offered %s", s.cfg.MinMakerFeeRate, so.MakerFeeRate))
	}

	bk, err := s.findMarket(so.MakerTokenAddress, so.TakerTokenAddress)
	if err != nil {
		return nil, err
	}
	o, err := ob.MakeOrder(bk.BaseToken(), bk.QuoteToken(), so)
	if err != nil {
		return nil, err
	}

	makerVolume, err := s.oracle.AvailableVolume(ctx, so)
	if err != nil {
		s.log.Errorf("failed to fetch available volume for incoming order %s: %v", o.OrderHash, err)
		return nil, ob.NewError(ob.ErrVolumeQuery, err.Error())
	}
	// The unfilled volume is in maker token units. The taker-side volume is
	// implied by the order's amount ratio, rounded down.
	takerVolume := makerVolume.Mul(so.TakerTokenAmount).Div(so.MakerTokenAmount).Floor()
	if o.Side == ob.Ask {
		o.RemainingBaseTokenAmount = makerVolume
		o.RemainingQuoteTokenAmount = takerVolume
	} else {
		o.RemainingBaseTokenAmount = takerVolume
		o.RemainingQuoteTokenAmount = makerVolume
	}
	o.LastUpdate = time.Now().UTC()

	minBase, err := s.oracle.ParseAmount(ctx, o.BaseTokenAddress, s.cfg.MinOrderBaseVolume)
	if err != nil {
		return nil, fmt.Errorf("error resolving minimum base volume: %w", err)
	}
	minQuote, err := s.oracle.ParseAmount(ctx, o.QuoteTokenAddress, s.cfg.MinOrderQuoteVolume)
	if err != nil {
		return nil, fmt.Errorf("error resolving minimum quote volume: %w", err)
	}
	if o.RemainingBaseTokenAmount.Cmp(minBase) < 0 {
		return nil, ob.NewError(ob.ErrOrderTooSmall,
			fmt.Sprintf("minimum base volume %s, remaining %s", minBase, o.RemainingBaseTokenAmount))
	}
	if o.RemainingQuoteTokenAmount.Cmp(minQuote) < 0 {
		return nil, ob.NewError(ob.ErrOrderTooSmall,
			fmt.Sprintf("minimum quote volume %s, remaining %s", minQuote, o.RemainingQuoteTokenAmount))
	}
	return o, nil
}

// UpdateBalance applies a fill-tracker balance report to the identified
// order. An order no longer on the book is tolerated silently; the update
// source is trusted and may race a delist.
func (s *Service) UpdateBalance(marketID string, orderHash common.Hash, side ob.Side, baseAmount, quoteAmount decimal.Decimal, lastUpdate time.Time) error {
	bk, err := s.Book(marketID)
	if err != nil {
		return err
	}
	bk.UpdateBalance(orderHash, side, baseAmount, quoteAmount, lastUpdate)
	return nil
}

// Delist removes the identified order from its book. An unknown hash is a
// silent no-op.
func (s *Service) Delist(marketID string, orderHash common.Hash, side ob.Side) error {
	bk, err := s.Book(marketID)
	if err != nil {
		return err
	}
	bk.Delist(orderHash, side)
	return nil
}

// Snapshot returns the first limit orders of each side of the market.
func (s *Service) Snapshot(ctx context.Context, marketID string, limit int) (*book.Snapshot, error) {
	if err := s.WhenReady(ctx); err != nil {
		return nil, err
	}
	bk, err := s.Book(marketID)
	if err != nil {
		return nil, err
	}
	return bk.Snapshot(limit), nil
}

// SlimSnapshot is Snapshot projected to the minimal order fields.
func (s *Service) SlimSnapshot(ctx context.Context, marketID string, limit int) (*book.SlimSnapshot, error) {
	if err := s.WhenReady(ctx); err != nil {
		return nil, err
	}
	bk, err := s.Book(marketID)
	if err != nil {
		return nil, err
	}
	return bk.SlimSnapshot(limit), nil
}

// TopOfBook returns up to limit distinct rounded price levels per side.
func (s *Service) TopOfBook(ctx context.Context, marketID string, limit int, decimals int32) (*book.Depth, error) {
	if err := s.WhenReady(ctx); err != nil {
		return nil, err
	}
	bk, err := s.Book(marketID)
	if err != nil {
		return nil, err
	}
	return bk.TopOfBook(limit, decimals), nil
}

// AggregateByPrice returns the price bucket at the given display price.
func (s *Service) AggregateByPrice(ctx context.Context, marketID string, side ob.Side, price decimal.Decimal, decimals int32) (*book.Level, error) {
	if err := s.WhenReady(ctx); err != nil {
		return nil, err
	}
	bk, err := s.Book(marketID)
	if err != nil {
		return nil, err
	}
	return bk.AggregateByPrice(side, price, decimals)
}

// SignedOrders resolves signed payloads for a user-chosen set of book
// entries, for assembly into a batch-fill transaction. Unknown hashes are
// skipped.
func (s *Service) SignedOrders(ctx context.Context, marketID string, side ob.Side, orderHashes []common.Hash) ([]*ob.SignedOrder, error) {
	if err := s.WhenReady(ctx); err != nil {
		return nil, err
	}
	bk, err := s.Book(marketID)
	if err != nil {
		return nil, err
	}
	return bk.SignedOrders(side, orderHashes), nil
}

// Markets returns display summaries for every hosted market. The computed
// list is cached with a fixed time-to-live and recomputed on first access
// after expiry.
func (s *Service) Markets(ctx context.Context) ([]*Market, error) {
	if err := s.WhenReady(ctx); err != nil {
		return nil, err
	}

	s.marketsMtx.Lock()
	defer s.marketsMtx.Unlock()
	ttl := s.cfg.MarketsTTL
	if ttl == 0 {
		ttl = defaultMarketsTTL
	}
	if s.markets != nil && time.Since(s.marketsStamp) < ttl {
		return s.markets, nil
	}

	s.booksMtx.RLock()
	books := make([]*book.Book, 0, len(s.books))
	for _, bk := range s.books {
		books = append(books, bk)
	}
	s.booksMtx.RUnlock()

	markets := make([]*Market, 0, len(books))
	for _, bk := range books {
		base, quote := bk.BaseToken(), bk.QuoteToken()
		markets = append(markets, &Market{
			Base:       base,
			Quote:      quote,
			MarketName: s.marketLabel(ctx, base) + ob.MarketSeparator + s.marketLabel(ctx, quote),
			MarketID:   bk.MarketID(),
		})
	}
	s.markets = markets
	s.marketsStamp = time.Now()
	return markets, nil
}

// marketLabel prefers the token's registry symbol, falling back to its
// lower-cased address.
func (s *Service) marketLabel(ctx context.Context, token *ob.Token) string {
	meta, err := s.oracle.TokenMetadata(ctx, token.Address)
	if err != nil {
		s.log.Warnf("failed to fetch registry metadata for token %s: %v", token.Address, err)
	} else if meta.Symbol != "" {
		return meta.Symbol
	}
	return strings.ToLower(token.Address.Hex())
}
