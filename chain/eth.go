// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"nexex.org/obnode/ob"
)

// Contract ABIs, limited to the calls the relay makes.
const (
	exchangeABIJSON = `[
		{"type":"function","name":"availableVolume","stateMutability":"view",
			"inputs":[{"name":"orderHash","type":"bytes32"}],
			"outputs":[{"name":"","type":"uint256"}]}
	]`

	registryABIJSON = `[
		{"type":"function","name":"getTokenAddressBySymbol","stateMutability":"view",
			"inputs":[{"name":"symbol","type":"string"}],
			"outputs":[{"name":"","type":"address"}]},
		{"type":"function","name":"getTokenMetaData","stateMutability":"view",
			"inputs":[{"name":"token","type":"address"}],
			"outputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"decimals","type":"uint8"}]}
	]`

	erc20ABIJSON = `[
		{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
	]`
)

// signedMsgPrefix is the standard Ethereum signed-message prefix for a
// 32-byte payload.
var signedMsgPrefix = []byte("\x19Ethereum Signed Message:\n32")

// ContractCaller is the subset of the Ethereum client used by EthOracle. It
// is satisfied by *ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthOracle is an Oracle backed by an Ethereum JSON-RPC node, the exchange
// contract, and the token registry contract.
type EthOracle struct {
	caller       ContractCaller
	log          ob.Logger
	exchangeAddr common.Address
	registryAddr common.Address

	exchangeABI abi.ABI
	registryABI abi.ABI
	erc20ABI    abi.ABI

	tokenMtx sync.RWMutex
	tokens   map[common.Address]*ob.Token
}

var _ Oracle = (*EthOracle)(nil)

// NewEthOracle creates an EthOracle on an existing contract caller.
func NewEthOracle(caller ContractCaller, exchangeAddr, registryAddr common.Address, logger ob.Logger) (*EthOracle, error) {
	o := &EthOracle{
		caller:       caller,
		log:          logger,
		exchangeAddr: exchangeAddr,
		registryAddr: registryAddr,
		tokens:       make(map[common.Address]*ob.Token),
	}
	var err error
	if o.exchangeABI, err = abi.JSON(strings.NewReader(exchangeABIJSON)); err != nil {
		return nil, fmt.Errorf("error parsing exchange ABI: %w", err)
	}
	if o.registryABI, err = abi.JSON(strings.NewReader(registryABIJSON)); err != nil {
		return nil, fmt.Errorf("error parsing registry ABI: %w", err)
	}
	if o.erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON)); err != nil {
		return nil, fmt.Errorf("error parsing erc20 ABI: %w", err)
	}
	return o, nil
}

// DialEthOracle connects to the Ethereum node at the given RPC endpoint and
// creates an EthOracle on the connection.
func DialEthOracle(ctx context.Context, endpoint string, exchangeAddr, registryAddr common.Address, logger ob.Logger) (*EthOracle, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("error dialing eth node at %s: %w", endpoint, err)
	}
	return NewEthOracle(client, exchangeAddr, registryAddr, logger)
}

// call packs and performs a read-only contract call, returning the unpacked
// outputs.
func (o *EthOracle) call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("error packing %s: %w", method, err)
	}
	res, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		o.log.Debugf("%s call to contract %s failed: %v", method, contract, err)
		return nil, fmt.Errorf("%s call error: %w", method, err)
	}
	return contractABI.Unpack(method, res)
}

// ExchangeAddress returns the configured exchange contract address.
func (o *EthOracle) ExchangeAddress() common.Address {
	return o.exchangeAddr
}

// ValidateOrder checks the order's structure and recovers the maker's
// signature over the order hash.
func (o *EthOracle) ValidateOrder(so *ob.SignedOrder) error {
	if so.MakerTokenAddress == (common.Address{}) || so.TakerTokenAddress == (common.Address{}) {
		return fmt.Errorf("order names a zero token address")
	}
	if so.MakerTokenAddress == so.TakerTokenAddress {
		return fmt.Errorf("maker and taker tokens are the same")
	}
	if !so.MakerTokenAmount.IsPositive() || !so.TakerTokenAmount.IsPositive() {
		return fmt.Errorf("order amounts must be positive")
	}
	if so.MakerFeeRate.IsNegative() {
		return fmt.Errorf("negative maker fee rate")
	}
	if so.Expiration != 0 && time.Now().Unix() >= int64(so.Expiration) {
		return fmt.Errorf("order expired at %d", so.Expiration)
	}

	sig := make([]byte, 65)
	copy(sig[:32], so.Signature.R.Bytes())
	copy(sig[32:64], so.Signature.S.Bytes())
	v := so.Signature.V
	if v >= 27 {
		v -= 27
	}
	sig[64] = v

	orderHash := so.Hash()
	pubKey, err := crypto.SigToPub(crypto.Keccak256(signedMsgPrefix, orderHash.Bytes()), sig)
	if err != nil {
		return fmt.Errorf("error recovering order signature: %w", err)
	}
	if crypto.PubkeyToAddress(*pubKey) != so.Maker {
		return fmt.Errorf("order signature does not recover the maker address")
	}
	return nil
}

// AvailableVolume queries the exchange contract for the order's unfilled
// volume in maker token units.
func (o *EthOracle) AvailableVolume(ctx context.Context, so *ob.SignedOrder) (decimal.Decimal, error) {
	out, err := o.call(ctx, o.exchangeAddr, &o.exchangeABI, "availableVolume", so.Hash())
	if err != nil {
		return decimal.Zero, err
	}
	vol, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("availableVolume returned a %T", out[0])
	}
	return decimal.NewFromBigInt(vol, 0), nil
}

// Token resolves the token's ERC-20 metadata, with caching. Token contracts
// are immutable for our purposes, so cache entries never expire.
func (o *EthOracle) Token(ctx context.Context, addr common.Address) (*ob.Token, error) {
	o.tokenMtx.RLock()
	tok, cached := o.tokens[addr]
	o.tokenMtx.RUnlock()
	if cached {
		return tok, nil
	}

	tok = &ob.Token{Address: addr}
	out, err := o.call(ctx, addr, &o.erc20ABI, "name")
	if err != nil {
		return nil, err
	}
	tok.Name, _ = out[0].(string)
	if out, err = o.call(ctx, addr, &o.erc20ABI, "symbol"); err != nil {
		return nil, err
	}
	tok.Symbol, _ = out[0].(string)
	if out, err = o.call(ctx, addr, &o.erc20ABI, "decimals"); err != nil {
		return nil, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("token %s decimals returned a %T", addr, out[0])
	}
	tok.Decimals = decimals
	o.log.Tracef("resolved token %s as %q with %d decimals", addr, tok.Symbol, tok.Decimals)

	o.tokenMtx.Lock()
	o.tokens[addr] = tok
	o.tokenMtx.Unlock()
	return tok, nil
}

// TokenMetadata looks the token up in the registry. An unregistered token is
// returned with an empty symbol so callers can fall back to address labels.
func (o *EthOracle) TokenMetadata(ctx context.Context, addr common.Address) (*ob.Token, error) {
	out, err := o.call(ctx, o.registryAddr, &o.registryABI, "getTokenMetaData", addr)
	if err != nil {
		return nil, err
	}
	tok := &ob.Token{Address: addr}
	tok.Name, _ = out[0].(string)
	tok.Symbol, _ = out[1].(string)
	if decimals, ok := out[2].(uint8); ok {
		tok.Decimals = decimals
	}
	return tok, nil
}

// TokenAddressBySymbol resolves a registered symbol to its token address.
func (o *EthOracle) TokenAddressBySymbol(ctx context.Context, symbol string) (common.Address, error) {
	out, err := o.call(ctx, o.registryAddr, &o.registryABI, "getTokenAddressBySymbol", symbol)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getTokenAddressBySymbol returned a %T", out[0])
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("no registered token with symbol %q", symbol)
	}
	return addr, nil
}

// ParseAmount scales a display amount by the token's decimals, rounding down
// to whole native units.
func (o *EthOracle) ParseAmount(ctx context.Context, token common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	tok, err := o.Token(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Shift(int32(tok.Decimals)).Floor(), nil
}
