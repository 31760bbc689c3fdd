// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ob holds the types shared by every component of the order relay
// node: the signed order payload, the book order that wraps it, market
// identifiers, and the logging and error kernels.
package ob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// MarketSeparator joins the base and quote token addresses of a market ID.
const MarketSeparator = "-"

// Side is the market side of an order, bid or ask.
type Side uint8

const (
	// Bid is an order to buy the base token with the quote token.
	Bid Side = iota
	// Ask is an order to sell the base token for the quote token.
	Ask
)

// String satisfies fmt.Stringer.
func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	}
	return "unknown"
}

// MarshalJSON encodes the Side as its lower-case name.
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a Side from its lower-case name.
func (s *Side) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "bid":
		*s = Bid
	case "ask":
		*s = Ask
	default:
		return fmt.Errorf("unknown order side %q", name)
	}
	return nil
}

// ParseSide converts a side name to a Side.
func ParseSide(name string) (Side, error) {
	switch strings.ToLower(name) {
	case "bid":
		return Bid, nil
	case "ask":
		return Ask, nil
	}
	return 0, fmt.Errorf("unknown order side %q", name)
}

// Token describes an ERC-20 token hosted on one side of a market.
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Decimals uint8          `json:"decimals"`
}

// ECSignature is the maker's signature over the order hash.
type ECSignature struct {
	V uint8       `json:"v"`
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
}

// SignedOrder is the immutable, cryptographically authorized trade intent.
// The relay engine treats it as opaque beyond the fields needed to locate the
// order's market and to derive its price.
type SignedOrder struct {
	Maker                   common.Address  `json:"maker"`
	Taker                   common.Address  `json:"taker"`
	MakerTokenAddress       common.Address  `json:"makerTokenAddress"`
	TakerTokenAddress       common.Address  `json:"takerTokenAddress"`
	MakerTokenAmount        decimal.Decimal `json:"makerTokenAmount"`
	TakerTokenAmount        decimal.Decimal `json:"takerTokenAmount"`
	MakerFeeRate            decimal.Decimal `json:"makerFeeRate"`
	MakerFeeRecipient       common.Address  `json:"makerFeeRecipient"`
	ExchangeContractAddress common.Address  `json:"exchangeContractAddress"`
	Expiration              uint64          `json:"expirationUnixTimestampSec"`
	Salt                    decimal.Decimal `json:"salt"`
	Signature               ECSignature     `json:"ecSignature"`
}

// Hash computes the order's content hash, the keccak-256 digest of the packed
// order fields. The signature is not an input, so the hash is stable from the
// moment the order is created by the maker.
func (so *SignedOrder) Hash() common.Hash {
	var buf bytes.Buffer
	buf.Write(so.ExchangeContractAddress.Bytes())
	buf.Write(so.Maker.Bytes())
	buf.Write(so.Taker.Bytes())
	buf.Write(so.MakerTokenAddress.Bytes())
	buf.Write(so.TakerTokenAddress.Bytes())
	buf.Write(so.MakerFeeRecipient.Bytes())
	buf.Write(common.LeftPadBytes(so.MakerTokenAmount.BigInt().Bytes(), 32))
	buf.Write(common.LeftPadBytes(so.TakerTokenAmount.BigInt().Bytes(), 32))
	buf.Write(common.LeftPadBytes(so.MakerFeeRate.BigInt().Bytes(), 32))
	buf.Write(common.LeftPadBytes(decimal.NewFromInt(int64(so.Expiration)).BigInt().Bytes(), 32))
	buf.Write(common.LeftPadBytes(so.Salt.BigInt().Bytes(), 32))
	return crypto.Keccak256Hash(buf.Bytes())
}

// Order is a book entry: a signed order plus the mutable state tracked by
// this node. The price is derived once at creation and is immutable. The
// remaining amounts are mutated only by balance-update events.
type Order struct {
	OrderHash                 common.Hash     `json:"orderHash"`
	Side                      Side            `json:"side"`
	Price                     decimal.Decimal `json:"price"`
	BaseTokenAddress          common.Address  `json:"baseTokenAddress"`
	QuoteTokenAddress         common.Address  `json:"quoteTokenAddress"`
	RemainingBaseTokenAmount  decimal.Decimal `json:"remainingBaseTokenAmount"`
	RemainingQuoteTokenAmount decimal.Decimal `json:"remainingQuoteTokenAmount"`
	SignedOrder               *SignedOrder    `json:"signedOrder"`
	CreatedAt                 time.Time       `json:"createdDate"`
	LastUpdate                time.Time       `json:"lastUpdate"`
}

// MakeOrder wraps a signed order in a book Order for the market defined by
// the base and quote tokens. The side is determined by unordered matching of
// the order's maker/taker token addresses against the pair: a maker offering
// the quote token is bidding for the base token, and vice versa. The price is
// the quote/base amount ratio. The remaining amounts are left zero; they are
// assigned during validation from the on-chain available volume.
func MakeOrder(base, quote *Token, so *SignedOrder) (*Order, error) {
	var side Side
	var price decimal.Decimal
	switch {
	case so.MakerTokenAddress == quote.Address && so.TakerTokenAddress == base.Address:
		// Maker pays quote, receives base.
		side = Bid
		if so.TakerTokenAmount.IsZero() {
			return nil, NewError(ErrInvalidOrder, "zero taker amount")
		}
		price = so.MakerTokenAmount.Div(so.TakerTokenAmount)
	case so.MakerTokenAddress == base.Address && so.TakerTokenAddress == quote.Address:
		// Maker pays base, receives quote.
		side = Ask
		if so.MakerTokenAmount.IsZero() {
			return nil, NewError(ErrInvalidOrder, "zero maker amount")
		}
		price = so.TakerTokenAmount.Div(so.MakerTokenAmount)
	default:
		return nil, NewError(ErrMarketNotFound, fmt.Sprintf("token pair %s/%s does not match market %s",
			so.MakerTokenAddress, so.TakerTokenAddress, MarketID(base.Address, quote.Address)))
	}
	now := time.Now().UTC()
	return &Order{
		OrderHash:         so.Hash(),
		Side:              side,
		Price:             price,
		BaseTokenAddress:  base.Address,
		QuoteTokenAddress: quote.Address,
		SignedOrder:       so,
		CreatedAt:         now,
		LastUpdate:        now,
	}, nil
}

// MarketID builds the canonical market identifier from the base and quote
// token addresses: the lower-cased hex addresses joined by MarketSeparator.
func MarketID(base, quote common.Address) string {
	return strings.ToLower(base.Hex()) + MarketSeparator + strings.ToLower(quote.Hex())
}

// ParseMarketID splits a market ID into its base and quote token addresses.
func ParseMarketID(marketID string) (base, quote common.Address, err error) {
	parts := strings.Split(marketID, MarketSeparator)
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return base, quote, fmt.Errorf("invalid market ID %q", marketID)
	}
	return common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), nil
}
