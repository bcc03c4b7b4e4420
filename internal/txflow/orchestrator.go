// Package txflow turns one user intent into the approval and primary
// transactions it needs and tracks the result as a single lifecycle.
package txflow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"piggybank/internal/contracts"
	"piggybank/internal/gateway"
	"piggybank/internal/units"
	"piggybank/internal/wallet"
)

// Reader is the subset of the read gateway the orchestrator consults.
type Reader interface {
	Addresses() gateway.Addresses
	TokenAddress(asset contracts.AssetType) (common.Address, bool)
	Allowance(ctx context.Context, asset contracts.AssetType, owner common.Address) (*big.Int, error)
	Deposit(ctx context.Context, account common.Address, id uint64) (gateway.Deposit, error)
}

// Refresher re-reads account state after a confirmed write.
type Refresher interface {
	Refresh(ctx context.Context, account common.Address, keys ...gateway.QueryKey)
}

// TxObserver is notified once per transaction outcome. result is "confirmed",
// "rejected", "reverted" or "failed".
type TxObserver func(method, result string, confirmation time.Duration)

type DepositRequest struct {
	Asset        contracts.AssetType
	Amount       string
	LockDuration uint64
}

type TopUpRequest struct {
	DepositID uint64
	Asset     contracts.AssetType
	Amount    string
}

type WithdrawRequest struct {
	DepositID uint64
}

type ForwardRequest struct {
	DepositID   uint64
	Destination string
}

type Orchestrator struct {
	wallet    wallet.Wallet
	reader    Reader
	refresher Refresher
	tracker   *Tracker
	logger    *zap.Logger

	// OnTransaction, when set, observes every submitted transaction.
	OnTransaction TxObserver

	wg sync.WaitGroup
}

func New(w wallet.Wallet, reader Reader, refresher Refresher, tracker *Tracker, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		wallet:    w,
		reader:    reader,
		refresher: refresher,
		tracker:   tracker,
		logger:    logger,
	}
}

func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Account is the connected signing account, or the zero address.
func (o *Orchestrator) Account() common.Address { return o.wallet.Account() }

// plan is a validated intent ready to run.
type plan struct {
	action Action
	amount *big.Int
	// approve is the token to approve before the primary call; zero for
	// native-asset and non-funding actions.
	approve common.Address
	primary wallet.Call
	keys    []gateway.QueryKey
	check   func(ctx context.Context) error
}

// Deposit validates req, then runs the action to a terminal state. The error
// is the validation failure or the cause of the Failed state.
func (o *Orchestrator) Deposit(ctx context.Context, req DepositRequest) (Action, error) {
	p, err := o.planDeposit(req)
	if err != nil {
		return Action{}, err
	}
	return o.runSync(ctx, p)
}

// StartDeposit validates req and returns the registered action while the
// transactions proceed in the background.
func (o *Orchestrator) StartDeposit(ctx context.Context, req DepositRequest) (Action, error) {
	p, err := o.planDeposit(req)
	if err != nil {
		return Action{}, err
	}
	return o.start(ctx, p)
}

func (o *Orchestrator) TopUp(ctx context.Context, req TopUpRequest) (Action, error) {
	p, err := o.planTopUp(req)
	if err != nil {
		return Action{}, err
	}
	return o.runSync(ctx, p)
}

func (o *Orchestrator) StartTopUp(ctx context.Context, req TopUpRequest) (Action, error) {
	p, err := o.planTopUp(req)
	if err != nil {
		return Action{}, err
	}
	return o.start(ctx, p)
}

func (o *Orchestrator) Withdraw(ctx context.Context, req WithdrawRequest) (Action, error) {
	p, err := o.planWithdraw(req)
	if err != nil {
		return Action{}, err
	}
	return o.runSync(ctx, p)
}

func (o *Orchestrator) StartWithdraw(ctx context.Context, req WithdrawRequest) (Action, error) {
	p, err := o.planWithdraw(req)
	if err != nil {
		return Action{}, err
	}
	return o.start(ctx, p)
}

func (o *Orchestrator) Forward(ctx context.Context, req ForwardRequest) (Action, error) {
	p, err := o.planForward(req)
	if err != nil {
		return Action{}, err
	}
	return o.runSync(ctx, p)
}

func (o *Orchestrator) StartForward(ctx context.Context, req ForwardRequest) (Action, error) {
	p, err := o.planForward(req)
	if err != nil {
		return Action{}, err
	}
	return o.start(ctx, p)
}

// Wait blocks until every background action has settled or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) account() (common.Address, error) {
	acct := o.wallet.Account()
	if acct == (common.Address{}) {
		return common.Address{}, wallet.ErrNoAccount
	}
	return acct, nil
}

func parseAmount(asset contracts.AssetType, amount string) (*big.Int, error) {
	if !asset.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAsset, asset)
	}
	return units.ToPositiveBaseUnits(amount, asset.Decimals())
}

func (o *Orchestrator) planDeposit(req DepositRequest) (*plan, error) {
	amount, err := parseAmount(req.Asset, req.Amount)
	if err != nil {
		return nil, err
	}
	if !contracts.IsCatalogDuration(req.LockDuration) {
		return nil, fmt.Errorf("%w: %d seconds", ErrInvalidDuration, req.LockDuration)
	}
	acct, err := o.account()
	if err != nil {
		return nil, err
	}

	lock := new(big.Int).SetUint64(req.LockDuration)
	p := &plan{
		action: Action{
			Intent:       IntentDeposit,
			Account:      acct,
			Asset:        req.Asset,
			Amount:       units.ToDecimalString(amount, req.Asset.Decimals()),
			LockDuration: req.LockDuration,
		},
		amount: amount,
		keys:   gateway.AssetKeys(req.Asset),
	}
	if req.Asset.IsNative() {
		p.primary, err = savingsCall(o.reader, amount, req.Asset.DepositMethod(), lock)
	} else {
		p.approve, _ = o.reader.TokenAddress(req.Asset)
		p.primary, err = savingsCall(o.reader, nil, req.Asset.DepositMethod(), amount, lock)
	}
	return p, err
}

func (o *Orchestrator) planTopUp(req TopUpRequest) (*plan, error) {
	amount, err := parseAmount(req.Asset, req.Amount)
	if err != nil {
		return nil, err
	}
	acct, err := o.account()
	if err != nil {
		return nil, err
	}

	id := new(big.Int).SetUint64(req.DepositID)
	depositID := req.DepositID
	p := &plan{
		action: Action{
			Intent:    IntentTopUp,
			Account:   acct,
			Asset:     req.Asset,
			DepositID: &depositID,
			Amount:    units.ToDecimalString(amount, req.Asset.Decimals()),
		},
		amount: amount,
		keys:   gateway.AssetKeys(req.Asset),
	}
	p.check = func(ctx context.Context) error {
		d, err := o.reader.Deposit(ctx, acct, req.DepositID)
		switch {
		case err != nil:
			return err
		case !d.Exists():
			return fmt.Errorf("%w: deposit #%d does not exist", ErrInvalidTarget, req.DepositID)
		case d.IsWithdrawn:
			return fmt.Errorf("%w: deposit #%d is already withdrawn", ErrInvalidTarget, req.DepositID)
		case d.Asset() != req.Asset:
			return fmt.Errorf("%w: deposit #%d holds %s", ErrInvalidTarget, req.DepositID, d.Asset())
		}
		return nil
	}
	if req.Asset.IsNative() {
		p.primary, err = savingsCall(o.reader, amount, req.Asset.TopUpMethod(), id)
	} else {
		p.approve, _ = o.reader.TokenAddress(req.Asset)
		p.primary, err = savingsCall(o.reader, nil, req.Asset.TopUpMethod(), id, amount)
	}
	return p, err
}

func (o *Orchestrator) planWithdraw(req WithdrawRequest) (*plan, error) {
	acct, err := o.account()
	if err != nil {
		return nil, err
	}
	depositID := req.DepositID
	call, err := savingsCall(o.reader, nil, "withdraw", new(big.Int).SetUint64(req.DepositID))
	if err != nil {
		return nil, err
	}
	return &plan{
		action:  Action{Intent: IntentWithdraw, Account: acct, DepositID: &depositID},
		primary: call,
	}, nil
}

func (o *Orchestrator) planForward(req ForwardRequest) (*plan, error) {
	if !common.IsHexAddress(req.Destination) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, req.Destination)
	}
	dest := common.HexToAddress(req.Destination)
	if dest == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	acct, err := o.account()
	if err != nil {
		return nil, err
	}
	depositID := req.DepositID
	call, err := savingsCall(o.reader, nil, "forwardDeposit", new(big.Int).SetUint64(req.DepositID), dest)
	if err != nil {
		return nil, err
	}
	return &plan{
		action:  Action{Intent: IntentForward, Account: acct, DepositID: &depositID, Destination: &dest},
		primary: call,
	}, nil
}

func savingsCall(r Reader, value *big.Int, method string, args ...interface{}) (wallet.Call, error) {
	data, err := contracts.Savings().Pack(method, args...)
	if err != nil {
		return wallet.Call{}, fmt.Errorf("encode %s: %w", method, err)
	}
	return wallet.Call{To: r.Addresses().Savings, Data: data, Value: value, Method: method}, nil
}

func (o *Orchestrator) runSync(ctx context.Context, p *plan) (Action, error) {
	a := o.tracker.register(p.action)
	return o.run(ctx, a.ID, p)
}

// start registers the action and runs it in the background. A target that
// already has an action in flight is refused with ErrTargetBusy.
func (o *Orchestrator) start(ctx context.Context, p *plan) (Action, error) {
	a, ok := o.tracker.registerIfIdle(p.action)
	if !ok {
		return a, fmt.Errorf("%w: action %s is %s", ErrTargetBusy, a.ID, a.State)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = o.run(ctx, a.ID, p)
	}()
	return a, nil
}

// run drives one action. Submitted transactions are never abandoned, so the
// caller's cancellation is detached here.
func (o *Orchestrator) run(ctx context.Context, id string, p *plan) (Action, error) {
	ctx = context.WithoutCancel(ctx)
	acct := p.action.Account
	log := o.logger.With(
		zap.String("action", id),
		zap.String("intent", string(p.action.Intent)),
		zap.String("account", acct.Hex()))

	if p.check != nil {
		if err := p.check(ctx); err != nil {
			return o.fail(log, id, err)
		}
	}

	approved := false
	if p.approve != (common.Address{}) {
		var err error
		if approved, err = o.ensureAllowance(ctx, log, id, p); err != nil {
			return o.fail(log, id, err)
		}
	}
	// A mined approval outlives a failed primary call; keep its cached
	// allowance current for the retry.
	failPrimary := func(err error) (Action, error) {
		if approved {
			o.refresher.Refresh(ctx, acct, gateway.AllowanceKey(p.action.Asset))
		}
		return o.fail(log, id, err)
	}

	o.tracker.transition(id, StateSubmitted)
	hash, err := o.send(ctx, p.primary)
	if err != nil {
		return failPrimary(err)
	}
	o.tracker.update(id, func(a *Action) {
		a.State = StateConfirming
		a.Tx = &hash
	})
	log.Info("transaction submitted", zap.String("method", p.primary.Method), zap.String("tx", hash.Hex()))

	block, err := o.confirm(ctx, p.primary.Method, hash)
	if err != nil {
		return failPrimary(err)
	}

	o.refresher.Refresh(ctx, acct, p.keys...)
	final := o.tracker.update(id, func(a *Action) {
		a.State = StateSucceeded
		a.BlockNumber = block
	})
	log.Info("action succeeded", zap.String("tx", hash.Hex()), zap.Uint64("block", block))
	return final, nil
}

// ensureAllowance approves the requested amount when the current allowance
// falls short and waits for the approval to confirm. approved reports
// whether an approval was mined.
func (o *Orchestrator) ensureAllowance(ctx context.Context, log *zap.Logger, id string, p *plan) (approved bool, err error) {
	asset := p.action.Asset
	current, err := o.reader.Allowance(ctx, asset, p.action.Account)
	if err != nil {
		return false, err
	}
	if current.Cmp(p.amount) >= 0 {
		log.Debug("allowance sufficient", zap.String("allowance", current.String()))
		return false, nil
	}

	o.tracker.transition(id, StateApproving)
	data, err := contracts.ERC20().Pack("approve", o.reader.Addresses().Savings, p.amount)
	if err != nil {
		return false, fmt.Errorf("encode approve: %w", err)
	}
	call := wallet.Call{To: p.approve, Data: data, Method: "approve"}
	hash, err := o.send(ctx, call)
	if err != nil {
		return false, fmt.Errorf("%w: approval not submitted: %w", ErrInsufficientAllowance, err)
	}
	o.tracker.update(id, func(a *Action) { a.ApprovalTx = &hash })
	log.Info("approval submitted", zap.String("asset", asset.Symbol()), zap.String("tx", hash.Hex()))

	if _, err := o.confirm(ctx, call.Method, hash); err != nil {
		return false, fmt.Errorf("%w: approval failed: %w", ErrInsufficientAllowance, err)
	}

	after, err := o.reader.Allowance(ctx, asset, p.action.Account)
	switch {
	case err != nil:
		log.Warn("allowance re-read failed", zap.Error(err))
	case after.Cmp(p.amount) < 0:
		// The read source may lag the block the approval landed in.
		log.Warn("allowance read is stale after approval",
			zap.String("allowance", after.String()),
			zap.String("required", p.amount.String()))
	}
	return true, nil
}

func (o *Orchestrator) send(ctx context.Context, call wallet.Call) (common.Hash, error) {
	hash, err := o.wallet.Send(ctx, call)
	if err != nil {
		err = wallet.Classify(err)
		o.observe(call.Method, err, 0)
		return common.Hash{}, err
	}
	return hash, nil
}

func (o *Orchestrator) confirm(ctx context.Context, method string, hash common.Hash) (uint64, error) {
	start := time.Now()
	receipt, err := o.wallet.WaitMined(ctx, hash)
	if err != nil {
		err = wallet.Classify(err)
		o.observe(method, err, time.Since(start))
		return 0, err
	}
	o.observe(method, nil, time.Since(start))
	if receipt.BlockNumber == nil {
		return 0, nil
	}
	return receipt.BlockNumber.Uint64(), nil
}

func (o *Orchestrator) observe(method string, err error, elapsed time.Duration) {
	if o.OnTransaction == nil {
		return
	}
	result := "confirmed"
	switch {
	case errors.Is(err, wallet.ErrUserRejected):
		result = "rejected"
	case errors.Is(err, wallet.ErrReverted):
		result = "reverted"
	case err != nil:
		result = "failed"
	}
	o.OnTransaction(method, result, elapsed)
}

func (o *Orchestrator) fail(log *zap.Logger, id string, err error) (Action, error) {
	kind := KindOf(err)
	final := o.tracker.update(id, func(a *Action) {
		a.State = StateFailed
		a.Kind = kind
		a.Message = err.Error()
	})
	log.Warn("action failed", zap.String("kind", string(kind)), zap.Error(err))
	return final, err
}
