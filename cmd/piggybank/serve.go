package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"piggybank/internal/gateway"
	"piggybank/internal/idempotency"
	"piggybank/internal/server"
)

func serveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:           "serve",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := c.cfg.Service
	store, closeStore, err := idempotency.Open(ctx, idempotency.Options{
		Backend:     svc.IdempotencyBackend,
		Path:        svc.IdempotencyStorePath,
		PostgresDSN: svc.PostgresDSN,
		RedisAddr:   svc.RedisAddr,
	})
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeStore()

	// Warm the wallet account so the poller tracks it from the start.
	if acct := a.orch.Account(); acct != (common.Address{}) {
		a.board.Refetch(ctx, acct)
	}
	go gateway.NewPoller(a.board, svc.PollInterval, c.logger.Named("poller")).Run(ctx)

	apiServer := server.NewServer(c.cfg, a.board, a.orch, store, a.rpcHealth, c.logger.Named("server"))
	errCh := make(chan error, 1)
	go func() { errCh <- apiServer.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			c.logger.Error("server stopped", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	c.logger.Info("shutting down", zap.Duration("timeout", svc.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
