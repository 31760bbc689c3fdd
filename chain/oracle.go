// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package chain supplies the on-chain oracle consumed during order
// validation and market bootstrap: signed-order validity, the exchange
// contract address, available (unfilled) volume, and token metadata and
// address resolution.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"nexex.org/obnode/ob"
)

// Oracle answers the on-chain questions the order relay asks. The relay's
// Service is the only component permitted to call into the Oracle.
type Oracle interface {
	// ExchangeAddress is the address of the exchange contract that orders
	// must name.
	ExchangeAddress() common.Address
	// ValidateOrder checks the structural validity of a signed order,
	// including recovering the maker's signature over the order hash.
	ValidateOrder(so *ob.SignedOrder) error
	// AvailableVolume queries the still-unfilled volume of the signed order,
	// denominated in the maker token's native units.
	AvailableVolume(ctx context.Context, so *ob.SignedOrder) (decimal.Decimal, error)
	// Token resolves a token's on-chain metadata from its contract.
	Token(ctx context.Context, addr common.Address) (*ob.Token, error)
	// TokenMetadata resolves a token's registry listing. A token absent from
	// the registry yields a Token with an empty symbol, not an error.
	TokenMetadata(ctx context.Context, addr common.Address) (*ob.Token, error)
	// TokenAddressBySymbol resolves a registered token symbol to its
	// contract address.
	TokenAddressBySymbol(ctx context.Context, symbol string) (common.Address, error)
	// ParseAmount converts a display amount to the token's native units,
	// using the token's on-chain decimals, rounding down.
	ParseAmount(ctx context.Context, token common.Address, amount decimal.Decimal) (decimal.Decimal, error)
}
