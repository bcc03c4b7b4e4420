package txflow

import (
	"errors"

	"piggybank/internal/gateway"
	"piggybank/internal/units"
	"piggybank/internal/wallet"
)

var (
	// ErrInvalidAmount is re-exported so callers can classify without
	// importing units.
	ErrInvalidAmount = units.ErrInvalidAmount

	ErrInvalidAddress        = errors.New("invalid address")
	ErrInvalidDuration       = errors.New("invalid lock duration")
	ErrInvalidAsset          = errors.New("invalid asset")
	ErrInvalidTarget         = errors.New("invalid target deposit")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrTargetBusy            = errors.New("an action on this target is still in flight")
)

// Kind is the failure category reported on a failed action.
type Kind string

const (
	KindNone                  Kind = ""
	KindInvalidAmount         Kind = "invalid_amount"
	KindInvalidAddress        Kind = "invalid_address"
	KindInvalidDuration       Kind = "invalid_duration"
	KindInvalidAsset          Kind = "invalid_asset"
	KindInvalidTarget         Kind = "invalid_target"
	KindNoAccount             Kind = "no_account"
	KindTargetBusy            Kind = "target_busy"
	KindInsufficientAllowance Kind = "insufficient_allowance"
	KindUserRejected          Kind = "user_rejected"
	KindReadError             Kind = "read_error"
	KindChainError            Kind = "chain_error"
)

// KindOf classifies err. Validation kinds win over transport kinds, and a
// declined signature wins over the allowance step it interrupted.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrInvalidAddress):
		return KindInvalidAddress
	case errors.Is(err, ErrInvalidDuration):
		return KindInvalidDuration
	case errors.Is(err, ErrInvalidAsset):
		return KindInvalidAsset
	case errors.Is(err, ErrInvalidTarget):
		return KindInvalidTarget
	case errors.Is(err, wallet.ErrNoAccount):
		return KindNoAccount
	case errors.Is(err, ErrTargetBusy):
		return KindTargetBusy
	case errors.Is(err, wallet.ErrUserRejected):
		return KindUserRejected
	case errors.Is(err, ErrInsufficientAllowance):
		return KindInsufficientAllowance
	case errors.Is(err, gateway.ErrRead):
		return KindReadError
	default:
		return KindChainError
	}
}

// IsValidation reports whether err was raised before any network call.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindInvalidAmount, KindInvalidAddress, KindInvalidDuration, KindInvalidAsset, KindNoAccount:
		return true
	}
	return false
}
