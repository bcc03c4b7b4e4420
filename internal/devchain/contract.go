package devchain

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"piggybank/internal/contracts"
)

var (
	errPaused         = errors.New("Pausable: paused")
	errZeroAmount     = errors.New("Amount must be greater than 0")
	errDuration       = errors.New("Invalid lock duration")
	errAllowance      = errors.New("ERC20: insufficient allowance")
	errBalance        = errors.New("ERC20: transfer amount exceeds balance")
	errNoDeposit      = errors.New("Deposit does not exist")
	errWithdrawn      = errors.New("Deposit already withdrawn")
	errLocked         = errors.New("Deposit is still locked")
	errAssetMismatch  = errors.New("Asset type mismatch")
	errZeroRecipient  = errors.New("Invalid recipient")
	errNotPayable     = errors.New("Function is not payable")
	errUnknownMethod  = errors.New("unknown method")
	errUnknownAddress = errors.New("no contract at address")
)

func decode(a abi.ABI, data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, errUnknownMethod
	}
	method, err := a.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errUnknownMethod, err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", method.Name, err)
	}
	return method, args, nil
}

// execute applies a state-changing call. Every check happens before any
// mutation so a failed call leaves state untouched.
func (c *Chain) execute(from, to common.Address, data []byte, value *big.Int) (string, error) {
	if tok, ok := c.tokens[to]; ok {
		method, args, err := decode(contracts.ERC20(), data)
		if err != nil {
			return "", err
		}
		if method.Name != "approve" {
			return method.Name, errUnknownMethod
		}
		if value.Sign() != 0 {
			return method.Name, errNotPayable
		}
		tok.setAllowance(from, args[0].(common.Address), args[1].(*big.Int))
		return method.Name, nil
	}
	if to != c.savings {
		return "", errUnknownAddress
	}

	method, args, err := decode(contracts.Savings(), data)
	if err != nil {
		return "", err
	}
	name := method.Name
	if !method.IsPayable() && value.Sign() != 0 {
		return name, errNotPayable
	}
	if c.paused {
		return name, errPaused
	}

	switch name {
	case "depositUSDC", "depositWBTC":
		asset := contracts.USDC
		if name == "depositWBTC" {
			asset = contracts.WBTC
		}
		return name, c.deposit(from, asset, args[0].(*big.Int), args[1].(*big.Int))
	case "depositETH":
		return name, c.deposit(from, contracts.ETH, value, args[0].(*big.Int))
	case "topUpUSDC", "topUpWBTC":
		asset := contracts.USDC
		if name == "topUpWBTC" {
			asset = contracts.WBTC
		}
		return name, c.topUp(from, asset, args[0].(*big.Int), args[1].(*big.Int))
	case "topUpETH":
		return name, c.topUp(from, contracts.ETH, args[0].(*big.Int), value)
	case "withdraw":
		return name, c.release(from, args[0].(*big.Int), from)
	case "forwardDeposit":
		recipient := args[1].(common.Address)
		if recipient == (common.Address{}) {
			return name, errZeroRecipient
		}
		return name, c.release(from, args[0].(*big.Int), recipient)
	}
	return name, errUnknownMethod
}

// pull moves amount of asset from the depositor into custody.
func (c *Chain) pull(from common.Address, asset contracts.AssetType, amount *big.Int) error {
	if asset.IsNative() {
		if balanceOf(c.native, from).Cmp(amount) < 0 {
			return errBalance
		}
		_ = sub(c.native, from, amount)
	} else {
		tok := c.tokens[c.tokenAddr[asset]]
		allowed := tok.allowance(from, c.savings)
		if allowed.Cmp(amount) < 0 {
			return errAllowance
		}
		if balanceOf(tok.balances, from).Cmp(amount) < 0 {
			return errBalance
		}
		_ = sub(tok.balances, from, amount)
		tok.setAllowance(from, c.savings, allowed.Sub(allowed, amount))
	}
	c.custody[asset].Add(c.custody[asset], amount)
	return nil
}

func (c *Chain) deposit(from common.Address, asset contracts.AssetType, amount, lock *big.Int) error {
	if amount.Sign() <= 0 {
		return errZeroAmount
	}
	if !lock.IsUint64() || !slices.Contains(c.durations, lock.Uint64()) {
		return errDuration
	}
	if err := c.pull(from, asset, amount); err != nil {
		return err
	}
	c.deposits[from] = append(c.deposits[from], contracts.DepositRecord{
		Amount:       new(big.Int).Set(amount),
		LockDuration: new(big.Int).Set(lock),
		DepositTime:  big.NewInt(c.clock().Unix()),
		AssetType:    uint8(asset),
	})
	return nil
}

func (c *Chain) record(owner common.Address, id *big.Int) (*contracts.DepositRecord, error) {
	recs := c.deposits[owner]
	if !id.IsUint64() || id.Uint64() >= uint64(len(recs)) {
		return nil, errNoDeposit
	}
	return &recs[id.Uint64()], nil
}

func (c *Chain) topUp(from common.Address, asset contracts.AssetType, id, amount *big.Int) error {
	rec, err := c.record(from, id)
	if err != nil {
		return err
	}
	if rec.IsWithdrawn {
		return errWithdrawn
	}
	if rec.Asset() != asset {
		return errAssetMismatch
	}
	if amount.Sign() <= 0 {
		return errZeroAmount
	}
	if err := c.pull(from, asset, amount); err != nil {
		return err
	}
	rec.Amount = new(big.Int).Add(rec.Amount, amount)
	return nil
}

// release pays an unlocked deposit out to recipient and marks it withdrawn.
func (c *Chain) release(owner common.Address, id *big.Int, recipient common.Address) error {
	rec, err := c.record(owner, id)
	if err != nil {
		return err
	}
	if rec.IsWithdrawn {
		return errWithdrawn
	}
	unlock := rec.DepositTime.Int64() + rec.LockDuration.Int64()
	if c.clock().Unix() < unlock {
		return errLocked
	}
	asset := rec.Asset()
	c.custody[asset].Sub(c.custody[asset], rec.Amount)
	if asset.IsNative() {
		add(c.native, recipient, rec.Amount)
	} else {
		add(c.tokens[c.tokenAddr[asset]].balances, recipient, rec.Amount)
	}
	rec.IsWithdrawn = true
	return nil
}

// view answers read-only calls.
func (c *Chain) view(to common.Address, data []byte) ([]byte, error) {
	if tok, ok := c.tokens[to]; ok {
		method, args, err := decode(contracts.ERC20(), data)
		if err != nil {
			return nil, err
		}
		switch method.Name {
		case "balanceOf":
			return method.Outputs.Pack(balanceOf(tok.balances, args[0].(common.Address)))
		case "allowance":
			return method.Outputs.Pack(tok.allowance(args[0].(common.Address), args[1].(common.Address)))
		case "decimals":
			return method.Outputs.Pack(uint8(tok.asset.Decimals()))
		case "symbol":
			return method.Outputs.Pack(tok.asset.Symbol())
		}
		return nil, errUnknownMethod
	}
	if to != c.savings {
		return nil, errUnknownAddress
	}

	method, args, err := decode(contracts.Savings(), data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "getUserDepositCount":
		n := len(c.deposits[args[0].(common.Address)])
		return method.Outputs.Pack(big.NewInt(int64(n)))
	case "getDeposit":
		rec, err := c.record(args[0].(common.Address), args[1].(*big.Int))
		if err != nil {
			return method.Outputs.Pack(contracts.DepositRecord{
				Amount: new(big.Int), LockDuration: new(big.Int), DepositTime: new(big.Int),
			})
		}
		return method.Outputs.Pack(*rec)
	case "getTotalLockedAmount":
		total := new(big.Int)
		for _, rec := range c.deposits[args[0].(common.Address)] {
			if !rec.IsWithdrawn {
				total.Add(total, rec.Amount)
			}
		}
		return method.Outputs.Pack(total)
	case "getContractBalance":
		return method.Outputs.Pack(new(big.Int).Set(c.custody[contracts.USDC]))
	case "getContractETHBalance":
		return method.Outputs.Pack(new(big.Int).Set(c.custody[contracts.ETH]))
	case "getContractWBTCBalance":
		return method.Outputs.Pack(new(big.Int).Set(c.custody[contracts.WBTC]))
	case "getValidLockDurations":
		out := make([]*big.Int, len(c.durations))
		for i, d := range c.durations {
			out[i] = new(big.Int).SetUint64(d)
		}
		return method.Outputs.Pack(out)
	case "owner":
		return method.Outputs.Pack(c.owner)
	case "paused":
		return method.Outputs.Pack(c.paused)
	}
	return nil, fmt.Errorf("%w: %s is not a view", errUnknownMethod, method.Name)
}
