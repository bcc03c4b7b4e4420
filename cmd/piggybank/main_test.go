package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"piggybank/internal/config"
	"piggybank/internal/txflow"
)

func devCLI(t *testing.T) *cli {
	t.Helper()
	cfg, err := config.Resolve(config.ServiceConfig{Dev: true, IdempotencyBackend: "memory"})
	require.NoError(t, err)
	return &cli{cfg: cfg, logger: zap.NewNop()}
}

func TestLockSeconds(t *testing.T) {
	secs, err := lockSeconds("6 months")
	require.NoError(t, err)
	assert.Equal(t, uint64(15552000), secs)

	secs, err = lockSeconds("7776000")
	require.NoError(t, err)
	assert.Equal(t, uint64(7776000), secs)

	_, err = lockSeconds("forever")
	assert.ErrorIs(t, err, txflow.ErrInvalidDuration)
}

func TestParseDepositID(t *testing.T) {
	id, err := parseDepositID("3")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)

	_, err = parseDepositID("-1")
	assert.ErrorIs(t, err, txflow.ErrInvalidTarget)
}

func TestDepositCommandOnDevChain(t *testing.T) {
	cmd := depositCommand(devCLI(t))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--asset", "usdc", "--amount", "25", "--lock", "3 months"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var got actionOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, txflow.StateSucceeded, got.Action.State)
	assert.NotNil(t, got.Action.ApprovalTx)
	assert.Equal(t, "Deposited 25 USDC", got.Banner.Message)
}

func TestWithdrawCommandReportsFailure(t *testing.T) {
	cmd := withdrawCommand(devCLI(t))
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"0"})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(txflow.KindChainError))
	assert.Empty(t, errOut.String())
	assert.NotContains(t, out.String(), "Usage:")

	var got actionOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, txflow.StateFailed, got.Action.State)
	assert.Equal(t, txflow.BannerError, got.Banner.Kind)
}

func TestBadArgsLeaveOutputClean(t *testing.T) {
	cmd := topUpCommand(devCLI(t))
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"nope", "--amount", "1"})

	err := cmd.ExecuteContext(context.Background())
	require.ErrorIs(t, err, txflow.ErrInvalidTarget)
	assert.Empty(t, out.String())
	assert.Empty(t, errOut.String())
}

func TestDurationsCommand(t *testing.T) {
	cmd := durationsCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "12 months")
	assert.Contains(t, out.String(), "31104000")
}
