package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"piggybank/internal/contracts"
	"piggybank/internal/txflow"
	"piggybank/internal/units"
)

type actionOutput struct {
	Action txflow.Action `json:"action"`
	Banner txflow.Banner `json:"banner"`
	TxURL  string        `json:"txUrl,omitempty"`
}

// runAction wires the process, runs fn to a terminal state and prints the
// resulting action. A failed action is reported and returned as an error.
func (c *cli) runAction(cmd *cobra.Command, fn func(ctx context.Context, orch *txflow.Orchestrator) (txflow.Action, error)) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	action, err := fn(ctx, a.orch)
	if action.ID != "" {
		out := actionOutput{Action: action, Banner: txflow.BannerFor(action)}
		if action.Tx != nil {
			out.TxURL = c.cfg.Network.TxURL(action.Tx.Hex())
		}
		if printErr := printJSON(cmd.OutOrStdout(), out); printErr != nil {
			return printErr
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", txflow.KindOf(err), err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDepositID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: deposit id %q", txflow.ErrInvalidTarget, arg)
	}
	return id, nil
}

// lockSeconds resolves --lock as a catalog label ("6 months") or seconds.
func lockSeconds(lock string) (uint64, error) {
	if d, ok := contracts.LockDurationByLabel(lock); ok {
		return d.Seconds, nil
	}
	secs, err := strconv.ParseUint(lock, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", txflow.ErrInvalidDuration, lock)
	}
	return secs, nil
}

func depositCommand(c *cli) *cobra.Command {
	var asset, amount, lock string
	cmd := &cobra.Command{
		Use:           "deposit",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Lock funds for a fixed duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := contracts.ParseAssetType(asset)
			if err != nil {
				return err
			}
			secs, err := lockSeconds(lock)
			if err != nil {
				return err
			}
			return c.runAction(cmd, func(ctx context.Context, orch *txflow.Orchestrator) (txflow.Action, error) {
				return orch.Deposit(ctx, txflow.DepositRequest{Asset: a, Amount: amount, LockDuration: secs})
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "USDC", "asset to deposit (USDC, ETH, WBTC)")
	cmd.Flags().StringVar(&amount, "amount", "", "decimal amount, e.g. 1.5")
	cmd.Flags().StringVar(&lock, "lock", "3 months", "lock duration label or seconds")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func topUpCommand(c *cli) *cobra.Command {
	var asset, amount string
	cmd := &cobra.Command{
		Use:           "top-up <deposit-id>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Add funds to an existing deposit",
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDepositID(args[0])
			if err != nil {
				return err
			}
			a, err := contracts.ParseAssetType(asset)
			if err != nil {
				return err
			}
			return c.runAction(cmd, func(ctx context.Context, orch *txflow.Orchestrator) (txflow.Action, error) {
				return orch.TopUp(ctx, txflow.TopUpRequest{DepositID: id, Asset: a, Amount: amount})
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "USDC", "asset held by the deposit")
	cmd.Flags().StringVar(&amount, "amount", "", "decimal amount to add")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func withdrawCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:           "withdraw <deposit-id>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Withdraw an unlocked deposit",
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDepositID(args[0])
			if err != nil {
				return err
			}
			return c.runAction(cmd, func(ctx context.Context, orch *txflow.Orchestrator) (txflow.Action, error) {
				return orch.Withdraw(ctx, txflow.WithdrawRequest{DepositID: id})
			})
		},
	}
}

func forwardCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:           "forward <deposit-id> <destination>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Send an unlocked deposit to another address",
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDepositID(args[0])
			if err != nil {
				return err
			}
			return c.runAction(cmd, func(ctx context.Context, orch *txflow.Orchestrator) (txflow.Action, error) {
				return orch.Forward(ctx, txflow.ForwardRequest{DepositID: id, Destination: args[1]})
			})
		},
	}
}

func depositsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:           "deposits [address]",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "List deposits for an account (the wallet account by default)",
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			account := a.orch.Account()
			if len(args) == 1 {
				if !common.IsHexAddress(args[0]) {
					return fmt.Errorf("%w: %q", txflow.ErrInvalidAddress, args[0])
				}
				account = common.HexToAddress(args[0])
			}
			if account == (common.Address{}) {
				return fmt.Errorf("no account given and no wallet connected")
			}

			deposits, err := a.reader.Deposits(ctx, account)
			if err != nil {
				return err
			}
			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tASSET\tAMOUNT\tLOCK\tUNLOCKS\tREMAINING\tWITHDRAWN\n")
			for _, d := range deposits {
				asset := d.Asset()
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%t\n",
					d.ID,
					asset.Symbol(),
					units.ToDecimalString(d.Amount, asset.Decimals()),
					units.FormatDuration(d.Lock()),
					units.UnlockTime(d.DepositedAt(), d.Lock()).UTC().Format(time.RFC3339),
					units.TimeRemaining(d.DepositedAt(), d.Lock(), now),
					d.IsWithdrawn)
			}
			return tw.Flush()
		},
	}
}

func durationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "durations",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Print the lock duration catalog",
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "LABEL\tSECONDS\n")
			for _, d := range contracts.LockDurations() {
				fmt.Fprintf(tw, "%s\t%d\n", d.Label, d.Seconds)
			}
			return tw.Flush()
		},
	}
}
