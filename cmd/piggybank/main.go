package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"piggybank/internal/config"
)

const programName = "piggybank"

// cli holds the state shared by every subcommand once the root pre-run has
// loaded configuration.
type cli struct {
	network   string
	dev       bool
	logLevel  string
	logFormat string

	cfg    *config.AppConfig
	logger *zap.Logger
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func (c *cli) load(cmd *cobra.Command, _ []string) error {
	var svc config.ServiceConfig
	if err := config.Process(&svc); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("network") {
		svc.Network = c.network
	}
	if flags.Changed("dev") {
		svc.Dev = c.dev
	}
	if flags.Changed("log-level") {
		svc.LogLevel = c.logLevel
	}
	if flags.Changed("log-format") {
		svc.LogFormat = c.logFormat
	}

	cfg, err := config.Resolve(svc)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := newLogger(cfg.Service.LogLevel, cfg.Service.LogFormat)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger.With(zap.String("component", programName))
	return nil
}

func main() {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:               programName,
		Short:             "Time-locked savings deposits for USDC, ETH and WBTC",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.load,
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&c.network, "network", "n", "", "network profile (base, base-sepolia, dev)")
	rootCmd.PersistentFlags().BoolVar(&c.dev, "dev", false, "run against the in-process simulated chain")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "log format (json, console)")

	rootCmd.AddCommand(
		serveCommand(c),
		depositCommand(c),
		topUpCommand(c),
		withdrawCommand(c),
		forwardCommand(c),
		depositsCommand(c),
		durationsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
