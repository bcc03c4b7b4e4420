package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"piggybank/internal/contracts"
)

// ErrRead marks a query that failed to return current on-chain state.
var ErrRead = errors.New("read error")

// ReadError isolates a failure to the query that produced it.
type ReadError struct {
	Query string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Query, e.Err)
}

func (e *ReadError) Unwrap() []error {
	return []error{ErrRead, e.Err}
}

// Backend is the read-only node surface. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Addresses are the contracts a Reader is bound to.
type Addresses struct {
	Savings common.Address
	USDC    common.Address
	WBTC    common.Address
}

// Deposit is a read-only projection of one on-chain deposit record.
type Deposit struct {
	ID uint64
	contracts.DepositRecord
}

// Reader issues stateless view calls. Every account-scoped query returns a
// zero default without touching the node when account is the zero address.
type Reader struct {
	backend Backend
	addrs   Addresses
	savings *bind.BoundContract
	tokens  map[contracts.AssetType]*bind.BoundContract
}

func NewReader(backend Backend, addrs Addresses) *Reader {
	erc20 := contracts.ERC20()
	return &Reader{
		backend: backend,
		addrs:   addrs,
		savings: bind.NewBoundContract(addrs.Savings, contracts.Savings(), backend, nil, nil),
		tokens: map[contracts.AssetType]*bind.BoundContract{
			contracts.USDC: bind.NewBoundContract(addrs.USDC, erc20, backend, nil, nil),
			contracts.WBTC: bind.NewBoundContract(addrs.WBTC, erc20, backend, nil, nil),
		},
	}
}

// Addresses returns the bound contract addresses.
func (r *Reader) Addresses() Addresses { return r.addrs }

// TokenAddress returns the ERC-20 contract for a token asset.
func (r *Reader) TokenAddress(asset contracts.AssetType) (common.Address, bool) {
	switch asset {
	case contracts.USDC:
		return r.addrs.USDC, true
	case contracts.WBTC:
		return r.addrs.WBTC, true
	default:
		return common.Address{}, false
	}
}

func (r *Reader) call(ctx context.Context, c *bind.BoundContract, query, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, &ReadError{Query: query, Err: err}
	}
	if len(out) == 0 {
		return nil, &ReadError{Query: query, Err: errors.New("empty result")}
	}
	return out, nil
}

func (r *Reader) callBig(ctx context.Context, c *bind.BoundContract, query, method string, args ...interface{}) (*big.Int, error) {
	out, err := r.call(ctx, c, query, method, args...)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (r *Reader) DepositCount(ctx context.Context, account common.Address) (uint64, error) {
	if account == (common.Address{}) {
		return 0, nil
	}
	n, err := r.callBig(ctx, r.savings, "depositCount", "getUserDepositCount", account)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func (r *Reader) Deposit(ctx context.Context, account common.Address, id uint64) (Deposit, error) {
	if account == (common.Address{}) {
		return Deposit{ID: id}, nil
	}
	out, err := r.call(ctx, r.savings, "deposit", "getDeposit", account, new(big.Int).SetUint64(id))
	if err != nil {
		return Deposit{}, err
	}
	rec := *abi.ConvertType(out[0], new(contracts.DepositRecord)).(*contracts.DepositRecord)
	return Deposit{ID: id, DepositRecord: rec}, nil
}

// Deposits reads every record the account owns, in id order.
func (r *Reader) Deposits(ctx context.Context, account common.Address) ([]Deposit, error) {
	n, err := r.DepositCount(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]Deposit, 0, n)
	for id := uint64(0); id < n; id++ {
		d, err := r.Deposit(ctx, account, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Reader) TotalLocked(ctx context.Context, account common.Address) (*big.Int, error) {
	if account == (common.Address{}) {
		return new(big.Int), nil
	}
	return r.callBig(ctx, r.savings, "totalLocked", "getTotalLockedAmount", account)
}

// TokenBalance is the account's spendable balance of asset; ETH reads the
// native balance.
func (r *Reader) TokenBalance(ctx context.Context, asset contracts.AssetType, account common.Address) (*big.Int, error) {
	if account == (common.Address{}) {
		return new(big.Int), nil
	}
	if asset.IsNative() {
		bal, err := r.backend.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, &ReadError{Query: "balance" + asset.Symbol(), Err: err}
		}
		return bal, nil
	}
	token, ok := r.tokens[asset]
	if !ok {
		return nil, &ReadError{Query: "balance", Err: fmt.Errorf("unknown asset %d", asset)}
	}
	return r.callBig(ctx, token, "balance"+asset.Symbol(), "balanceOf", account)
}

// Allowance is how much of asset the savings contract may pull from owner.
// The native asset needs no approval and reports the maximum.
func (r *Reader) Allowance(ctx context.Context, asset contracts.AssetType, owner common.Address) (*big.Int, error) {
	if asset.IsNative() {
		return new(big.Int).Set(abi.MaxUint256), nil
	}
	if owner == (common.Address{}) {
		return new(big.Int), nil
	}
	token, ok := r.tokens[asset]
	if !ok {
		return nil, &ReadError{Query: "allowance", Err: fmt.Errorf("unknown asset %d", asset)}
	}
	return r.callBig(ctx, token, "allowance"+asset.Symbol(), "allowance", owner, r.addrs.Savings)
}

// ContractBalance is the amount of asset held in custody by the savings contract.
func (r *Reader) ContractBalance(ctx context.Context, asset contracts.AssetType) (*big.Int, error) {
	method := map[contracts.AssetType]string{
		contracts.USDC: "getContractBalance",
		contracts.ETH:  "getContractETHBalance",
		contracts.WBTC: "getContractWBTCBalance",
	}[asset]
	if method == "" {
		return nil, &ReadError{Query: "contractBalance", Err: fmt.Errorf("unknown asset %d", asset)}
	}
	return r.callBig(ctx, r.savings, "contractBalance"+asset.Symbol(), method)
}

// LockDurations returns the durations, in seconds, the contract accepts.
func (r *Reader) LockDurations(ctx context.Context) ([]uint64, error) {
	out, err := r.call(ctx, r.savings, "lockDurations", "getValidLockDurations")
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	durations := make([]uint64, len(raw))
	for i, d := range raw {
		durations[i] = d.Uint64()
	}
	return durations, nil
}

func (r *Reader) Owner(ctx context.Context) (common.Address, error) {
	out, err := r.call(ctx, r.savings, "owner", "owner")
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (r *Reader) Paused(ctx context.Context) (bool, error) {
	out, err := r.call(ctx, r.savings, "paused", "paused")
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}
