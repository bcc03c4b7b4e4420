package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrChain covers submission and confirmation failures reported by the
	// node or the contract.
	ErrChain = errors.New("chain error")
	// ErrReverted is a mined transaction whose receipt status is failure.
	ErrReverted = fmt.Errorf("%w: transaction reverted", ErrChain)
	// ErrUserRejected is a signing request the wallet holder declined.
	ErrUserRejected = errors.New("user rejected the request")
	// ErrNoAccount means no signing account is connected.
	ErrNoAccount = errors.New("no wallet account connected")
)

// Call is one contract invocation to be signed and submitted.
type Call struct {
	To     common.Address
	Data   []byte
	Value  *big.Int
	Method string
}

// Wallet is the signing capability handed to the orchestrator. Account
// returns the zero address when nothing is connected.
type Wallet interface {
	Account() common.Address
	Send(ctx context.Context, call Call) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Classify maps signer and node errors onto the wallet taxonomy. Errors that
// already carry a wallet sentinel are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUserRejected) || errors.Is(err, ErrChain) || errors.Is(err, ErrNoAccount) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrChain, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"user rejected", "user denied", "request denied", "rejected by user"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %w", ErrUserRejected, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrChain, err)
}

// Disconnected is the wallet used when no signer is configured. Reads still
// work; every write fails with ErrNoAccount.
type Disconnected struct{}

func (Disconnected) Account() common.Address { return common.Address{} }

func (Disconnected) Send(context.Context, Call) (common.Hash, error) {
	return common.Hash{}, ErrNoAccount
}

func (Disconnected) WaitMined(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ErrNoAccount
}
