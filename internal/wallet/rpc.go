package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Backend is the node surface needed to submit and confirm transactions.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Signer produces signatures for a single account.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

const (
	defaultReceiptPoll   = 2 * time.Second
	maxReceiptErrors     = 10
	gasBufferNumerator   = 120
	gasBufferDenominator = 100
)

// RPCWallet signs with a Signer and submits through a node. Sends are
// serialized so nonces never collide across concurrent actions.
type RPCWallet struct {
	backend     Backend
	signer      Signer
	chainID     *big.Int
	receiptPoll time.Duration
	logger      *zap.Logger

	mu sync.Mutex
}

type RPCWalletConfig struct {
	ReceiptPollInterval time.Duration
}

func NewRPCWallet(ctx context.Context, backend Backend, signer Signer, cfg RPCWalletConfig, logger *zap.Logger) (*RPCWallet, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	poll := cfg.ReceiptPollInterval
	if poll <= 0 {
		poll = defaultReceiptPoll
	}
	logger.Info("wallet initialized",
		zap.String("account", signer.Address().Hex()),
		zap.String("chain_id", chainID.String()))
	return &RPCWallet{
		backend:     backend,
		signer:      signer,
		chainID:     chainID,
		receiptPoll: poll,
		logger:      logger,
	}, nil
}

func (w *RPCWallet) Account() common.Address {
	return w.signer.Address()
}

// Send builds, signs and broadcasts one transaction.
func (w *RPCWallet) Send(ctx context.Context, call Call) (common.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	from := w.signer.Address()
	nonce, err := w.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, Classify(fmt.Errorf("get nonce: %w", err))
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, Classify(fmt.Errorf("suggest gas price: %w", err))
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To
	gasLimit, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  call.Data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, Classify(fmt.Errorf("estimate gas for %s: %w", call.Method, err))
	}
	gasLimit = gasLimit * gasBufferNumerator / gasBufferDenominator

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     call.Data,
	})
	signed, err := w.signer.SignTx(tx, w.chainID)
	if err != nil {
		return common.Hash{}, Classify(fmt.Errorf("sign %s: %w", call.Method, err))
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, Classify(fmt.Errorf("send %s: %w", call.Method, err))
	}

	w.logger.Info("transaction sent",
		zap.String("method", call.Method),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))
	return signed.Hash(), nil
}

// WaitMined polls for the receipt until the transaction is mined or ctx is
// done. A failed receipt is returned together with ErrReverted.
func (w *RPCWallet) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(w.receiptPoll)
	defer ticker.Stop()

	consecutiveErrs := 0
	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			consecutiveErrs++
			w.logger.Warn("receipt lookup failed",
				zap.String("tx_hash", hash.Hex()),
				zap.Int("attempt", consecutiveErrs),
				zap.Error(err))
			if consecutiveErrs >= maxReceiptErrors {
				return nil, Classify(fmt.Errorf("receipt for %s: %w", hash.Hex(), err))
			}
		default:
			consecutiveErrs = 0
		}

		select {
		case <-ctx.Done():
			return nil, Classify(ctx.Err())
		case <-ticker.C:
		}
	}
}
