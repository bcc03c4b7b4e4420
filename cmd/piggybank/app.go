package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"piggybank/internal/config"
	"piggybank/internal/contracts"
	"piggybank/internal/devchain"
	"piggybank/internal/gateway"
	"piggybank/internal/txflow"
	"piggybank/internal/wallet"
)

// app is the wired read gateway and orchestrator for one process.
type app struct {
	cfg       *config.AppConfig
	logger    *zap.Logger
	reader    *gateway.Reader
	board     *gateway.Board
	orch      *txflow.Orchestrator
	rpcHealth func(context.Context) error
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// devFunds seeds the simulated account so dev mode is usable immediately.
var devFunds = map[contracts.AssetType]*big.Int{
	contracts.USDC: big.NewInt(10_000_000_000),                         // 10,000 USDC
	contracts.ETH:  new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)), // 10 ETH
	contracts.WBTC: big.NewInt(100_000_000),                            // 1 WBTC
}

func openApp(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*app, error) {
	addrs := gateway.Addresses{
		Savings: common.HexToAddress(cfg.Network.Contracts.Savings),
		USDC:    common.HexToAddress(cfg.Network.Contracts.USDC),
		WBTC:    common.HexToAddress(cfg.Network.Contracts.WBTC),
	}
	a := &app{cfg: cfg, logger: logger}

	var (
		backend gateway.Backend
		w       wallet.Wallet
	)
	if cfg.Service.Network == config.DevNetworkName {
		chain := devchain.New(devchain.Options{
			Savings: addrs.Savings,
			USDC:    addrs.USDC,
			WBTC:    addrs.WBTC,
			Account: devchain.DefaultAccount,
		})
		for asset, amount := range devFunds {
			chain.Faucet(asset, devchain.DefaultAccount, amount)
		}
		logger.Info("using simulated chain", zap.String("account", devchain.DefaultAccount.Hex()))
		backend, w = chain, chain
	} else {
		if cfg.Network.RPCURL == "" {
			return nil, errors.New("rpc url is required")
		}
		client, err := ethclient.DialContext(ctx, cfg.Network.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.rpcHealth = func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		}
		backend = client

		if w, err = openWallet(ctx, cfg.Service, client, logger); err != nil {
			a.Close()
			return nil, err
		}
	}

	tracker := txflow.NewTracker(cfg.Service.SuccessTTL)
	a.closers = append(a.closers, tracker.Close)
	a.reader = gateway.NewReader(backend, addrs)
	a.board = gateway.NewBoard(a.reader, logger.Named("gateway"))
	a.orch = txflow.New(w, a.reader, a.board, tracker, logger.Named("txflow"))
	return a, nil
}

// openWallet picks the signer from configuration. Without one the process
// is read-only.
func openWallet(ctx context.Context, svc config.ServiceConfig, client *ethclient.Client, logger *zap.Logger) (wallet.Wallet, error) {
	var (
		signer wallet.Signer
		err    error
	)
	switch {
	case svc.PrivateKey != "":
		signer, err = wallet.NewKeySigner(svc.PrivateKey)
	case svc.ExternalSigner != "":
		signer, err = wallet.NewExternalSigner(svc.ExternalSigner, svc.ExternalAccount)
	default:
		logger.Warn("no signer configured, writes are disabled")
		return wallet.Disconnected{}, nil
	}
	if err != nil {
		return nil, err
	}
	return wallet.NewRPCWallet(ctx, client, signer, wallet.RPCWalletConfig{
		ReceiptPollInterval: svc.ReceiptPollInterval,
	}, logger.Named("wallet"))
}
