package txflow

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"piggybank/internal/contracts"
)

// State is a step in the lifecycle of one user action:
// Idle -> Approving (token assets only) -> Submitted -> Confirming -> Succeeded | Failed.
type State string

const (
	StateIdle       State = "idle"
	StateApproving  State = "approving"
	StateSubmitted  State = "submitted"
	StateConfirming State = "confirming"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Intent is the kind of user action.
type Intent string

const (
	IntentDeposit  Intent = "deposit"
	IntentTopUp    Intent = "top-up"
	IntentWithdraw Intent = "withdraw"
	IntentForward  Intent = "forward"
)

// Action is the observable lifecycle of one user intent. Values handed out by
// the tracker are copies.
type Action struct {
	ID      string              `json:"id"`
	Intent  Intent              `json:"intent"`
	Account common.Address      `json:"account"`
	Asset   contracts.AssetType `json:"asset"`
	// DepositID is set for actions that target an existing deposit.
	DepositID    *uint64         `json:"depositId,omitempty"`
	Amount       string          `json:"amount,omitempty"`
	LockDuration uint64          `json:"lockDuration,omitempty"`
	Destination  *common.Address `json:"destination,omitempty"`

	State       State        `json:"state"`
	Kind        Kind         `json:"kind,omitempty"`
	Message     string       `json:"message,omitempty"`
	ApprovalTx  *common.Hash `json:"approvalTx,omitempty"`
	Tx          *common.Hash `json:"tx,omitempty"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Target identifies what the action operates on. New deposits target the
// account's asset; everything else targets the deposit id.
func (a Action) Target() string {
	return TargetOf(a.Account, a.Intent, a.Asset, a.DepositID)
}

// TargetOf builds the key used to detect a second action on the same thing
// while the first is still in flight.
func TargetOf(account common.Address, intent Intent, asset contracts.AssetType, depositID *uint64) string {
	if intent == IntentDeposit || depositID == nil {
		return account.Hex() + "/deposit/" + asset.Symbol()
	}
	return account.Hex() + "/deposits/" + strconv.FormatUint(*depositID, 10)
}

// BannerKind is the user-visible status class.
type BannerKind string

const (
	BannerNone     BannerKind = "none"
	BannerProgress BannerKind = "progress"
	BannerSuccess  BannerKind = "success"
	BannerError    BannerKind = "error"
)

// Banner is the single status message shown for an action. Success banners
// are dismissed automatically by the tracker; error banners persist until
// acknowledged or replaced.
type Banner struct {
	Kind    BannerKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

func BannerFor(a Action) Banner {
	switch a.State {
	case StateApproving:
		return Banner{Kind: BannerProgress, Message: "Approving " + a.Asset.Symbol() + "..."}
	case StateSubmitted:
		return Banner{Kind: BannerProgress, Message: "Waiting for signature..."}
	case StateConfirming:
		return Banner{Kind: BannerProgress, Message: "Waiting for confirmation..."}
	case StateSucceeded:
		return Banner{Kind: BannerSuccess, Message: successMessage(a)}
	case StateFailed:
		return Banner{Kind: BannerError, Message: a.Message}
	default:
		return Banner{Kind: BannerNone}
	}
}

func successMessage(a Action) string {
	switch a.Intent {
	case IntentDeposit:
		return "Deposited " + a.Amount + " " + a.Asset.Symbol()
	case IntentTopUp:
		return "Topped up deposit #" + strconv.FormatUint(*a.DepositID, 10)
	case IntentWithdraw:
		return "Withdrew deposit #" + strconv.FormatUint(*a.DepositID, 10)
	case IntentForward:
		return "Forwarded deposit #" + strconv.FormatUint(*a.DepositID, 10) + " to " + a.Destination.Hex()
	}
	return "Done"
}
