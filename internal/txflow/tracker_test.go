package txflow

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piggybank/internal/contracts"
	"piggybank/internal/gateway"
	"piggybank/internal/units"
	"piggybank/internal/wallet"
)

var acct = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func depositID(id uint64) *uint64 { return &id }

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker(0)
	defer tr.Close()

	var seen []State
	unsubscribe := tr.Subscribe(func(a Action) { seen = append(seen, a.State) })

	a := tr.register(Action{Intent: IntentWithdraw, Account: acct, DepositID: depositID(3)})
	assert.Equal(t, StateIdle, a.State)
	assert.NotEmpty(t, a.ID)

	tr.transition(a.ID, StateSubmitted)
	assert.False(t, tr.Acknowledge(a.ID), "in-flight actions cannot be acknowledged")

	got, ok := tr.InFlight(TargetOf(acct, IntentForward, 0, depositID(3)))
	require.True(t, ok, "withdraw and forward on the same deposit share a target")
	assert.Equal(t, a.ID, got.ID)

	tr.update(a.ID, func(x *Action) {
		x.State = StateFailed
		x.Message = "boom"
	})
	_, ok = tr.InFlight(a.Target())
	assert.False(t, ok)

	require.True(t, tr.Acknowledge(a.ID))
	_, ok = tr.Get(a.ID)
	assert.False(t, ok)
	assert.Equal(t, []State{StateIdle, StateSubmitted, StateFailed, StateIdle}, seen)

	unsubscribe()
	tr.register(Action{Intent: IntentWithdraw, Account: acct, DepositID: depositID(3)})
	assert.Len(t, seen, 4)
}

func TestTrackerNewActionReplacesSettledOne(t *testing.T) {
	tr := NewTracker(0)
	defer tr.Close()

	first := tr.register(Action{Intent: IntentDeposit, Account: acct, Asset: contracts.USDC})
	tr.transition(first.ID, StateFailed)
	other := tr.register(Action{Intent: IntentDeposit, Account: acct, Asset: contracts.ETH})
	second := tr.register(Action{Intent: IntentDeposit, Account: acct, Asset: contracts.USDC})

	_, ok := tr.Get(first.ID)
	assert.False(t, ok)
	ids := []string{}
	for _, a := range tr.List() {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{other.ID, second.ID}, ids)
}

func TestTrackerRegisterIfIdle(t *testing.T) {
	tr := NewTracker(0)
	defer tr.Close()

	first, ok := tr.registerIfIdle(Action{Intent: IntentWithdraw, Account: acct, DepositID: depositID(5)})
	require.True(t, ok)

	busy, ok := tr.registerIfIdle(Action{Intent: IntentForward, Account: acct, DepositID: depositID(5)})
	require.False(t, ok, "forward shares the withdraw target")
	assert.Equal(t, first.ID, busy.ID)
	assert.Len(t, tr.List(), 1)

	_, ok = tr.registerIfIdle(Action{Intent: IntentWithdraw, Account: acct, DepositID: depositID(6)})
	assert.True(t, ok)

	tr.transition(first.ID, StateFailed)
	again, ok := tr.registerIfIdle(Action{Intent: IntentForward, Account: acct, DepositID: depositID(5)})
	require.True(t, ok)
	_, ok = tr.Get(first.ID)
	assert.False(t, ok, "the settled action is replaced")
	assert.NotEqual(t, first.ID, again.ID)
}

func TestTrackerRegisterIfIdleAdmitsOnePerTarget(t *testing.T) {
	tr := NewTracker(0)
	defer tr.Close()

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tr.registerIfIdle(Action{Intent: IntentDeposit, Account: acct, Asset: contracts.ETH}); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
	assert.Len(t, tr.List(), 1)
}

func TestTrackerDismissesSuccessAfterTTL(t *testing.T) {
	tr := NewTracker(10 * time.Millisecond)
	defer tr.Close()

	reset := make(chan Action, 1)
	tr.Subscribe(func(a Action) {
		if a.State == StateIdle && a.Message == "" && a.Tx != nil {
			reset <- a
		}
	})

	a := tr.register(Action{Intent: IntentWithdraw, Account: acct, DepositID: depositID(1)})
	hash := common.HexToHash("0x01")
	tr.update(a.ID, func(x *Action) {
		x.State = StateSucceeded
		x.Tx = &hash
	})

	select {
	case r := <-reset:
		assert.Equal(t, a.ID, r.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("success was never dismissed")
	}
	_, ok := tr.Get(a.ID)
	assert.False(t, ok)
}

func TestTrackerKeepsErrorsUntilAcknowledged(t *testing.T) {
	tr := NewTracker(time.Millisecond)
	defer tr.Close()

	a := tr.register(Action{Intent: IntentForward, Account: acct, DepositID: depositID(2)})
	tr.transition(a.ID, StateFailed)
	time.Sleep(20 * time.Millisecond)

	got, ok := tr.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, BannerError, BannerFor(got).Kind)
}

func TestTrackerUpdateUnknown(t *testing.T) {
	tr := NewTracker(0)
	a := tr.transition("missing", StateSucceeded)
	assert.Equal(t, StateIdle, a.State)
}

func TestBannerFor(t *testing.T) {
	dest := common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	cases := []struct {
		action Action
		kind   BannerKind
		msg    string
	}{
		{Action{State: StateIdle}, BannerNone, ""},
		{Action{State: StateApproving, Asset: contracts.WBTC}, BannerProgress, "Approving WBTC..."},
		{Action{State: StateSubmitted}, BannerProgress, "Waiting for signature..."},
		{Action{State: StateConfirming}, BannerProgress, "Waiting for confirmation..."},
		{Action{State: StateSucceeded, Intent: IntentDeposit, Amount: "1.5", Asset: contracts.ETH}, BannerSuccess, "Deposited 1.5 ETH"},
		{Action{State: StateSucceeded, Intent: IntentTopUp, DepositID: depositID(4)}, BannerSuccess, "Topped up deposit #4"},
		{Action{State: StateSucceeded, Intent: IntentWithdraw, DepositID: depositID(0)}, BannerSuccess, "Withdrew deposit #0"},
		{Action{State: StateSucceeded, Intent: IntentForward, DepositID: depositID(7), Destination: &dest}, BannerSuccess, "Forwarded deposit #7 to " + dest.Hex()},
		{Action{State: StateFailed, Message: "chain error: reverted"}, BannerError, "chain error: reverted"},
	}
	for _, tc := range cases {
		b := BannerFor(tc.action)
		assert.Equal(t, tc.kind, b.Kind)
		assert.Equal(t, tc.msg, b.Message)
	}
}

func TestKindOf(t *testing.T) {
	cases := map[Kind]error{
		KindNone:                  nil,
		KindInvalidAmount:         fmt.Errorf("%w: \"x\"", units.ErrInvalidAmount),
		KindInvalidAddress:        ErrInvalidAddress,
		KindInvalidTarget:         fmt.Errorf("%w: gone", ErrInvalidTarget),
		KindNoAccount:             wallet.ErrNoAccount,
		KindTargetBusy:            fmt.Errorf("%w: action x is submitted", ErrTargetBusy),
		KindUserRejected:          fmt.Errorf("%w: %w", ErrInsufficientAllowance, wallet.ErrUserRejected),
		KindInsufficientAllowance: fmt.Errorf("%w: %w", ErrInsufficientAllowance, wallet.ErrReverted),
		KindReadError:             &gateway.ReadError{Query: "allowanceUSDC", Err: errors.New("eof")},
		KindChainError:            wallet.Classify(errors.New("nonce too low")),
	}
	for want, err := range cases {
		assert.Equal(t, want, KindOf(err), "%v", err)
	}
}
