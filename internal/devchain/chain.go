// Package devchain is an in-memory stand-in for the savings contract and the
// two token contracts. It decodes real ABI call data, so the gateway and the
// orchestrator exercise the same encoding paths they use against a node.
package devchain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"piggybank/internal/contracts"
	"piggybank/internal/wallet"
)

// Options configures a Chain. Zero addresses are replaced with defaults.
type Options struct {
	Savings common.Address
	USDC    common.Address
	WBTC    common.Address
	Account common.Address
	Owner   common.Address
	Now     func() time.Time
	// ConfirmDelay is how long a sent transaction takes to be mined.
	ConfirmDelay time.Duration
	// RevertOnChain mines failing transactions with a failed receipt instead
	// of rejecting them at submission, as gas estimation would.
	RevertOnChain bool
}

var (
	DefaultSavings = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	DefaultUSDC    = common.HexToAddress("0x00000000000000000000000000000000000000B1")
	DefaultWBTC    = common.HexToAddress("0x00000000000000000000000000000000000000B2")
	DefaultAccount = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	DefaultOwner   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

type token struct {
	asset      contracts.AssetType
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

type minedTx struct {
	method  string
	receipt *types.Receipt
	readyAt time.Time
}

// Chain is safe for concurrent use.
type Chain struct {
	mu sync.Mutex

	savings common.Address
	account common.Address
	owner   common.Address
	paused  bool

	now          func() time.Time
	offset       time.Duration
	confirmDelay time.Duration
	revertOnMine bool
	reject       func(wallet.Call) bool

	native    map[common.Address]*big.Int
	tokens    map[common.Address]*token
	tokenAddr map[contracts.AssetType]common.Address
	deposits  map[common.Address][]contracts.DepositRecord
	custody   map[contracts.AssetType]*big.Int
	durations []uint64

	nonce   uint64
	block   uint64
	txs     map[common.Hash]*minedTx
	journal []string
}

func New(opts Options) *Chain {
	pick := func(a, def common.Address) common.Address {
		if a == (common.Address{}) {
			return def
		}
		return a
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Chain{
		savings:      pick(opts.Savings, DefaultSavings),
		account:      opts.Account,
		owner:        pick(opts.Owner, DefaultOwner),
		now:          now,
		confirmDelay: opts.ConfirmDelay,
		revertOnMine: opts.RevertOnChain,
		native:       make(map[common.Address]*big.Int),
		tokens:       make(map[common.Address]*token),
		tokenAddr:    make(map[contracts.AssetType]common.Address),
		deposits:     make(map[common.Address][]contracts.DepositRecord),
		custody:      make(map[contracts.AssetType]*big.Int),
		txs:          make(map[common.Hash]*minedTx),
	}
	for asset, addr := range map[contracts.AssetType]common.Address{
		contracts.USDC: pick(opts.USDC, DefaultUSDC),
		contracts.WBTC: pick(opts.WBTC, DefaultWBTC),
	} {
		c.tokens[addr] = &token{
			asset:      asset,
			balances:   make(map[common.Address]*big.Int),
			allowances: make(map[common.Address]map[common.Address]*big.Int),
		}
		c.tokenAddr[asset] = addr
	}
	for _, a := range contracts.Assets {
		c.custody[a] = new(big.Int)
	}
	for _, d := range contracts.LockDurations() {
		c.durations = append(c.durations, d.Seconds)
	}
	return c
}

// Faucet credits account with amount base units of asset.
func (c *Chain) Faucet(asset contracts.AssetType, account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if asset.IsNative() {
		add(c.native, account, amount)
		return
	}
	add(c.tokens[c.tokenAddr[asset]].balances, account, amount)
}

// SetAllowance overwrites the owner's allowance for the savings contract.
func (c *Chain) SetAllowance(asset contracts.AssetType, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[c.tokenAddr[asset]].setAllowance(owner, c.savings, amount)
}

func (c *Chain) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// Connect switches the wallet account; the zero address disconnects.
func (c *Chain) Connect(account common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = account
}

// Advance moves the chain clock forward.
func (c *Chain) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// SetRejecter installs a hook that declines matching signing requests.
func (c *Chain) SetRejecter(fn func(wallet.Call) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reject = fn
}

// Journal returns the ordered "send:<method>" / "confirmed:<method>" events.
func (c *Chain) Journal() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.journal))
	copy(out, c.journal)
	return out
}

func (c *Chain) clock() time.Time {
	return c.now().Add(c.offset)
}

// Account implements wallet.Wallet.
func (c *Chain) Account() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// Send implements wallet.Wallet. State transitions apply at submission and
// the receipt becomes visible after the confirmation delay.
func (c *Chain) Send(ctx context.Context, call wallet.Call) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, wallet.Classify(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.account == (common.Address{}) {
		return common.Hash{}, wallet.ErrNoAccount
	}
	if c.reject != nil && c.reject(call) {
		return common.Hash{}, fmt.Errorf("%w: %s", wallet.ErrUserRejected, call.Method)
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	method, execErr := c.execute(c.account, call.To, call.Data, value)
	if method == "" {
		method = call.Method
	}
	if execErr != nil && !c.revertOnMine {
		return common.Hash{}, fmt.Errorf("%w: execution reverted: %v", wallet.ErrChain, execErr)
	}

	c.nonce++
	c.block++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], c.nonce)
	hash := crypto.Keccak256Hash(seed[:], call.To.Bytes(), call.Data)
	status := types.ReceiptStatusSuccessful
	if execErr != nil {
		status = types.ReceiptStatusFailed
	}
	c.txs[hash] = &minedTx{
		method: method,
		receipt: &types.Receipt{
			Status:      status,
			TxHash:      hash,
			BlockNumber: new(big.Int).SetUint64(c.block),
			GasUsed:     21_000,
		},
		readyAt: c.clock().Add(c.confirmDelay),
	}
	c.journal = append(c.journal, "send:"+method)
	return hash, nil
}

// WaitMined implements wallet.Wallet.
func (c *Chain) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	tx, ok := c.txs[hash]
	var wait time.Duration
	if ok {
		wait = tx.readyAt.Sub(c.clock())
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transaction %s", wallet.ErrChain, hash.Hex())
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, wallet.Classify(ctx.Err())
		case <-timer.C:
		}
	}

	c.mu.Lock()
	c.journal = append(c.journal, "confirmed:"+tx.method)
	c.mu.Unlock()
	if tx.receipt.Status != types.ReceiptStatusSuccessful {
		return tx.receipt, fmt.Errorf("%w: %s", wallet.ErrReverted, hash.Hex())
	}
	return tx.receipt, nil
}

// CodeAt implements bind.ContractCaller.
func (c *Chain) CodeAt(_ context.Context, contract common.Address, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if contract == c.savings || c.tokens[contract] != nil {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

// CallContract implements bind.ContractCaller.
func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == nil {
		return nil, fmt.Errorf("contract creation is not supported")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view(*msg.To, msg.Data)
}

// BalanceAt implements gateway.Backend.
func (c *Chain) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return balanceOf(c.native, account), nil
}

func balanceOf(m map[common.Address]*big.Int, a common.Address) *big.Int {
	if v, ok := m[a]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func add(m map[common.Address]*big.Int, a common.Address, amount *big.Int) {
	m[a] = new(big.Int).Add(balanceOf(m, a), amount)
}

func sub(m map[common.Address]*big.Int, a common.Address, amount *big.Int) error {
	bal := balanceOf(m, a)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	m[a] = bal.Sub(bal, amount)
	return nil
}

func (t *token) allowance(owner, spender common.Address) *big.Int {
	if v, ok := t.allowances[owner][spender]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (t *token) setAllowance(owner, spender common.Address, amount *big.Int) {
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
}
