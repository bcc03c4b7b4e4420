package txflow

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"piggybank/internal/contracts"
	"piggybank/internal/devchain"
	"piggybank/internal/gateway"
	"piggybank/internal/wallet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const threeMonths = uint64(7776000)

type recordingWallet struct {
	wallet.Wallet
	mu    sync.Mutex
	calls []wallet.Call
}

func (r *recordingWallet) Send(ctx context.Context, call wallet.Call) (common.Hash, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	return r.Wallet.Send(ctx, call)
}

func (r *recordingWallet) Calls() []wallet.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wallet.Call(nil), r.calls...)
}

type harness struct {
	chain   *devchain.Chain
	wallet  *recordingWallet
	reader  *gateway.Reader
	board   *gateway.Board
	tracker *Tracker
	orch    *Orchestrator
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, opts devchain.Options) *harness {
	t.Helper()
	if opts.Account == (common.Address{}) {
		opts.Account = devchain.DefaultAccount
	}
	chain := devchain.New(opts)
	reader := gateway.NewReader(chain, gateway.Addresses{
		Savings: devchain.DefaultSavings,
		USDC:    devchain.DefaultUSDC,
		WBTC:    devchain.DefaultWBTC,
	})
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	board := gateway.NewBoard(reader, logger)
	tracker := NewTracker(0)
	t.Cleanup(tracker.Close)
	w := &recordingWallet{Wallet: chain}
	return &harness{
		chain:   chain,
		wallet:  w,
		reader:  reader,
		board:   board,
		tracker: tracker,
		orch:    New(w, reader, board, tracker, logger),
		logs:    logs,
	}
}

func (h *harness) states() *[]State {
	var (
		mu     sync.Mutex
		states []State
	)
	h.tracker.Subscribe(func(a Action) {
		mu.Lock()
		defer mu.Unlock()
		if n := len(states); n == 0 || states[n-1] != a.State {
			states = append(states, a.State)
		}
	})
	return &states
}

func TestDepositTokenApprovesThenDeposits(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	acct := devchain.DefaultAccount
	h.chain.Faucet(contracts.USDC, acct, big.NewInt(1_000_000))
	h.board.Refetch(context.Background(), acct)
	states := h.states()

	a, err := h.orch.Deposit(context.Background(), DepositRequest{Asset: contracts.USDC, Amount: "1", LockDuration: threeMonths})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, a.State)
	assert.Equal(t, KindNone, a.Kind)
	require.NotNil(t, a.ApprovalTx)
	require.NotNil(t, a.Tx)
	assert.Equal(t, "1", a.Amount)

	// The deposit is only submitted after the approval confirmation is observed.
	assert.Equal(t, []string{"send:approve", "confirmed:approve", "send:depositUSDC", "confirmed:depositUSDC"}, h.chain.Journal())
	assert.Equal(t, []State{StateIdle, StateApproving, StateSubmitted, StateConfirming, StateSucceeded}, *states)

	calls := h.wallet.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, devchain.DefaultUSDC, calls[0].To)
	args, err := contracts.ERC20().Methods["approve"].Inputs.Unpack(calls[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, devchain.DefaultSavings, args[0].(common.Address))
	assert.GreaterOrEqual(t, args[1].(*big.Int).Cmp(big.NewInt(1_000_000)), 0)

	args, err = contracts.Savings().Methods["depositUSDC"].Inputs.Unpack(calls[1].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, "1000000", args[0].(*big.Int).String())
	assert.Equal(t, threeMonths, args[1].(*big.Int).Uint64())

	snap, ok := h.board.Snapshot(acct)
	require.True(t, ok)
	assert.Equal(t, "0", snap.BigInt(gateway.BalanceKey(contracts.USDC)).String())
	assert.Equal(t, uint64(1), snap.Entries[gateway.QueryDepositCount].Value)
	require.Len(t, snap.Deposits(), 1)
	assert.Equal(t, "1000000", snap.Deposits()[0].Amount.String())
}

func TestDepositSkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	acct := devchain.DefaultAccount
	h.chain.Faucet(contracts.WBTC, acct, big.NewInt(10_000_000))
	h.chain.SetAllowance(contracts.WBTC, acct, big.NewInt(50_000_000))
	states := h.states()

	a, err := h.orch.Deposit(context.Background(), DepositRequest{Asset: contracts.WBTC, Amount: "0.1", LockDuration: threeMonths})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, a.State)
	assert.Nil(t, a.ApprovalTx)
	assert.Equal(t, []string{"send:depositWBTC", "confirmed:depositWBTC"}, h.chain.Journal())
	assert.NotContains(t, *states, StateApproving)
}

func TestDepositNativeAttachesValue(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	h.chain.Faucet(contracts.ETH, devchain.DefaultAccount, big.NewInt(2e18))

	a, err := h.orch.Deposit(context.Background(), DepositRequest{Asset: contracts.ETH, Amount: "1.5", LockDuration: 15552000})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, a.State)

	calls := h.wallet.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "depositETH", calls[0].Method)
	assert.Equal(t, "1500000000000000000", calls[0].Value.String())
}

func TestValidationFailsBeforeAnyTransaction(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	ctx := context.Background()

	for _, amount := range []string{"0", "-1", "", "abc", "1.0000001"} {
		_, err := h.orch.Deposit(ctx, DepositRequest{Asset: contracts.USDC, Amount: amount, LockDuration: threeMonths})
		assert.ErrorIs(t, err, ErrInvalidAmount, amount)
		assert.Equal(t, KindInvalidAmount, KindOf(err))
	}

	_, err := h.orch.Deposit(ctx, DepositRequest{Asset: contracts.USDC, Amount: "1", LockDuration: 3600})
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = h.orch.Deposit(ctx, DepositRequest{Asset: contracts.AssetType(9), Amount: "1", LockDuration: threeMonths})
	assert.ErrorIs(t, err, ErrInvalidAsset)

	_, err = h.orch.TopUp(ctx, TopUpRequest{DepositID: 0, Asset: contracts.ETH, Amount: "-1"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	for _, dest := range []string{"not-an-address", "0x1234", "0x0000000000000000000000000000000000000000"} {
		_, err = h.orch.Forward(ctx, ForwardRequest{DepositID: 0, Destination: dest})
		assert.ErrorIs(t, err, ErrInvalidAddress, dest)
	}

	_, err = h.orch.StartForward(ctx, ForwardRequest{Destination: "not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.True(t, IsValidation(err))

	assert.Empty(t, h.wallet.Calls())
	assert.Empty(t, h.chain.Journal())
	assert.Empty(t, h.tracker.List())
}

func TestNoAccount(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	h.chain.Connect(common.Address{})

	_, err := h.orch.Withdraw(context.Background(), WithdrawRequest{DepositID: 0})
	require.ErrorIs(t, err, wallet.ErrNoAccount)
	assert.Equal(t, KindNoAccount, KindOf(err))
	assert.Empty(t, h.tracker.List())
}

func TestRejectedApprovalStopsBeforeDeposit(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	h.chain.Faucet(contracts.USDC, devchain.DefaultAccount, big.NewInt(1_000_000))
	h.chain.SetRejecter(func(c wallet.Call) bool { return c.Method == "approve" })

	a, err := h.orch.Deposit(context.Background(), DepositRequest{Asset: contracts.USDC, Amount: "1", LockDuration: threeMonths})
	require.ErrorIs(t, err, wallet.ErrUserRejected)
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, KindUserRejected, a.Kind)
	assert.NotEmpty(t, a.Message)
	assert.Len(t, h.wallet.Calls(), 1)
	assert.Empty(t, h.chain.Journal())
}

func TestRevertedPrimaryKeepsApproval(t *testing.T) {
	h := newHarness(t, devchain.Options{RevertOnChain: true})
	acct := devchain.DefaultAccount
	// No balance: the approval lands, the deposit reverts on-chain.
	a, err := h.orch.Deposit(context.Background(), DepositRequest{Asset: contracts.USDC, Amount: "2", LockDuration: threeMonths})
	require.ErrorIs(t, err, wallet.ErrReverted)
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, KindChainError, a.Kind)
	require.NotNil(t, a.Tx)

	allowance, err := h.reader.Allowance(context.Background(), contracts.USDC, acct)
	require.NoError(t, err)
	assert.Equal(t, "2000000", allowance.String())

	snap, _ := h.board.Snapshot(acct)
	assert.Equal(t, "2000000", snap.BigInt(gateway.AllowanceKey(contracts.USDC)).String())
}

func TestWithdrawLockedFailsWithChainError(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	h.chain.Faucet(contracts.ETH, devchain.DefaultAccount, big.NewInt(100))
	_, err := h.orch.Deposit(context.Background(), DepositRequest{Asset: contracts.ETH, Amount: "0.00000000000000005", LockDuration: threeMonths})
	require.NoError(t, err)

	a, err := h.orch.Withdraw(context.Background(), WithdrawRequest{DepositID: 0})
	require.ErrorIs(t, err, wallet.ErrChain)
	assert.Equal(t, KindChainError, a.Kind)
	assert.Contains(t, a.Message, "locked")

	h.chain.Advance(time.Duration(threeMonths) * time.Second)
	a, err = h.orch.Withdraw(context.Background(), WithdrawRequest{DepositID: 0})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, a.State)
}

func TestTopUpRequiresLiveDeposit(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	acct := devchain.DefaultAccount
	h.chain.Faucet(contracts.ETH, acct, big.NewInt(1e18))
	ctx := context.Background()

	a, err := h.orch.TopUp(ctx, TopUpRequest{DepositID: 4, Asset: contracts.ETH, Amount: "0.1"})
	require.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, KindInvalidTarget, a.Kind)

	_, err = h.orch.Deposit(ctx, DepositRequest{Asset: contracts.ETH, Amount: "0.1", LockDuration: threeMonths})
	require.NoError(t, err)

	a, err = h.orch.TopUp(ctx, TopUpRequest{DepositID: 0, Asset: contracts.USDC, Amount: "1"})
	require.ErrorIs(t, err, ErrInvalidTarget)
	assert.Contains(t, a.Message, "holds ETH")

	a, err = h.orch.TopUp(ctx, TopUpRequest{DepositID: 0, Asset: contracts.ETH, Amount: "0.2"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, a.State)

	d, err := h.reader.Deposit(ctx, acct, 0)
	require.NoError(t, err)
	assert.Equal(t, "300000000000000000", d.Amount.String())

	h.chain.Advance(time.Duration(threeMonths) * time.Second)
	_, err = h.orch.Withdraw(ctx, WithdrawRequest{DepositID: 0})
	require.NoError(t, err)

	before := len(h.wallet.Calls())
	a, err = h.orch.TopUp(ctx, TopUpRequest{DepositID: 0, Asset: contracts.ETH, Amount: "0.1"})
	require.ErrorIs(t, err, ErrInvalidTarget)
	assert.Contains(t, a.Message, "already withdrawn")
	assert.Len(t, h.wallet.Calls(), before)
}

func TestForwardSendsToDestination(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	acct := devchain.DefaultAccount
	dest := "0x000000000000000000000000000000000000bEEF"
	h.chain.Faucet(contracts.USDC, acct, big.NewInt(3_000_000))
	_, err := h.orch.Deposit(context.Background(), DepositRequest{Asset: contracts.USDC, Amount: "3", LockDuration: threeMonths})
	require.NoError(t, err)
	h.chain.Advance(time.Duration(threeMonths) * time.Second)

	a, err := h.orch.Forward(context.Background(), ForwardRequest{DepositID: 0, Destination: dest})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(dest), *a.Destination)

	bal, err := h.reader.TokenBalance(context.Background(), contracts.USDC, common.HexToAddress(dest))
	require.NoError(t, err)
	assert.Equal(t, "3000000", bal.String())
}

func TestStaleAllowanceAfterApprovalIsLogged(t *testing.T) {
	h := newHarness(t, devchain.Options{})
	h.chain.Faucet(contracts.USDC, devchain.DefaultAccount, big.NewInt(1_000_000))
	h.orch.reader = staleReader{Reader: h.reader}

	a, err := h.orch.Deposit(context.Background(), DepositRequest{Asset: contracts.USDC, Amount: "1", LockDuration: threeMonths})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, a.State)
	assert.Equal(t, 1, h.logs.FilterMessage("allowance read is stale after approval").Len())
}

// staleReader always reports a zero allowance.
type staleReader struct{ *gateway.Reader }

func (staleReader) Allowance(context.Context, contracts.AssetType, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func TestStartRunsInBackground(t *testing.T) {
	h := newHarness(t, devchain.Options{ConfirmDelay: 20 * time.Millisecond})
	h.chain.Faucet(contracts.USDC, devchain.DefaultAccount, big.NewInt(1_000_000))

	var results []string
	var mu sync.Mutex
	h.orch.OnTransaction = func(method, result string, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, method+":"+result)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a, err := h.orch.StartDeposit(ctx, DepositRequest{Asset: contracts.USDC, Amount: "1", LockDuration: threeMonths})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State)
	assert.NotEmpty(t, a.ID)

	inflight, ok := h.tracker.InFlight(a.Target())
	require.True(t, ok)
	assert.Equal(t, a.ID, inflight.ID)

	// Cancelling the request context does not abandon the action.
	cancel()
	require.NoError(t, h.orch.Wait(context.Background()))

	final, ok := h.tracker.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, final.State)
	_, ok = h.tracker.InFlight(a.Target())
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"approve:confirmed", "depositUSDC:confirmed"}, results)
}

func TestStartRefusesBusyTarget(t *testing.T) {
	h := newHarness(t, devchain.Options{ConfirmDelay: 50 * time.Millisecond})
	acct := devchain.DefaultAccount
	h.chain.Faucet(contracts.ETH, acct, big.NewInt(1e18))
	h.chain.Faucet(contracts.USDC, acct, big.NewInt(1_000_000))

	ctx := context.Background()
	first, err := h.orch.StartDeposit(ctx, DepositRequest{Asset: contracts.ETH, Amount: "0.1", LockDuration: threeMonths})
	require.NoError(t, err)

	busy, err := h.orch.StartDeposit(ctx, DepositRequest{Asset: contracts.ETH, Amount: "0.2", LockDuration: threeMonths})
	require.ErrorIs(t, err, ErrTargetBusy)
	assert.Equal(t, KindTargetBusy, KindOf(err))
	assert.Equal(t, first.ID, busy.ID)

	_, err = h.orch.StartDeposit(ctx, DepositRequest{Asset: contracts.USDC, Amount: "1", LockDuration: threeMonths})
	require.NoError(t, err, "other assets are independent targets")

	require.NoError(t, h.orch.Wait(ctx))
	next, err := h.orch.StartDeposit(ctx, DepositRequest{Asset: contracts.ETH, Amount: "0.2", LockDuration: threeMonths})
	require.NoError(t, err)
	require.NoError(t, h.orch.Wait(ctx))

	final, ok := h.tracker.Get(next.ID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, final.State)
	sends := 0
	for _, c := range h.wallet.Calls() {
		if c.Method == "depositETH" {
			sends++
		}
	}
	assert.Equal(t, 2, sends)
}

func TestIndependentActionsRunConcurrently(t *testing.T) {
	h := newHarness(t, devchain.Options{ConfirmDelay: 10 * time.Millisecond})
	acct := devchain.DefaultAccount
	h.chain.Faucet(contracts.ETH, acct, big.NewInt(1e18))
	h.chain.Faucet(contracts.WBTC, acct, big.NewInt(1e8))
	h.chain.SetAllowance(contracts.WBTC, acct, big.NewInt(1e8))

	eth, err := h.orch.StartDeposit(context.Background(), DepositRequest{Asset: contracts.ETH, Amount: "0.5", LockDuration: threeMonths})
	require.NoError(t, err)
	wbtc, err := h.orch.StartDeposit(context.Background(), DepositRequest{Asset: contracts.WBTC, Amount: "1", LockDuration: 31104000})
	require.NoError(t, err)
	assert.NotEqual(t, eth.Target(), wbtc.Target())
	require.NoError(t, h.orch.Wait(context.Background()))

	for _, id := range []string{eth.ID, wbtc.ID} {
		a, ok := h.tracker.Get(id)
		require.True(t, ok)
		assert.Equal(t, StateSucceeded, a.State)
	}
	n, err := h.reader.DepositCount(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}
