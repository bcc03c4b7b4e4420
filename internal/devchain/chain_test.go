package devchain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piggybank/internal/contracts"
	"piggybank/internal/wallet"
)

const ninetyDays = uint64(7776000)

func pack(t *testing.T, a abi.ABI, method string, args ...interface{}) []byte {
	t.Helper()
	data, err := a.Pack(method, args...)
	require.NoError(t, err)
	return data
}

func send(t *testing.T, c *Chain, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	t.Helper()
	hash, err := c.Send(context.Background(), wallet.Call{To: to, Data: data, Value: value})
	if err != nil {
		return nil, err
	}
	return c.WaitMined(context.Background(), hash)
}

func viewBig(t *testing.T, c *Chain, to common.Address, a abi.ABI, method string, args ...interface{}) *big.Int {
	t.Helper()
	out, err := c.CallContract(context.Background(), ethereum.CallMsg{To: &to, Data: pack(t, a, method, args...)}, nil)
	require.NoError(t, err)
	vals, err := a.Unpack(method, out)
	require.NoError(t, err)
	return vals[0].(*big.Int)
}

func TestTokenDepositRequiresAllowance(t *testing.T) {
	c := New(Options{Account: DefaultAccount})
	c.Faucet(contracts.USDC, DefaultAccount, big.NewInt(1_000_000))
	savings := contracts.Savings()

	_, err := send(t, c, DefaultSavings, pack(t, savings, "depositUSDC", big.NewInt(1_000_000), new(big.Int).SetUint64(ninetyDays)), nil)
	require.ErrorIs(t, err, wallet.ErrChain)
	assert.Contains(t, err.Error(), "insufficient allowance")

	_, err = send(t, c, DefaultUSDC, pack(t, contracts.ERC20(), "approve", DefaultSavings, big.NewInt(1_000_000)), nil)
	require.NoError(t, err)
	receipt, err := send(t, c, DefaultSavings, pack(t, savings, "depositUSDC", big.NewInt(1_000_000), new(big.Int).SetUint64(ninetyDays)), nil)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	assert.Equal(t, int64(0), viewBig(t, c, DefaultUSDC, contracts.ERC20(), "balanceOf", DefaultAccount).Int64())
	assert.Equal(t, int64(0), viewBig(t, c, DefaultUSDC, contracts.ERC20(), "allowance", DefaultAccount, DefaultSavings).Int64())
	assert.Equal(t, int64(1), viewBig(t, c, DefaultSavings, savings, "getUserDepositCount", DefaultAccount).Int64())
	assert.Equal(t, int64(1_000_000), viewBig(t, c, DefaultSavings, savings, "getContractBalance").Int64())

	assert.Equal(t, []string{"send:approve", "confirmed:approve", "send:depositUSDC", "confirmed:depositUSDC"}, c.Journal())
}

func TestDepositRejectsUnknownDuration(t *testing.T) {
	c := New(Options{Account: DefaultAccount})
	c.Faucet(contracts.ETH, DefaultAccount, big.NewInt(10))

	_, err := send(t, c, DefaultSavings, pack(t, contracts.Savings(), "depositETH", big.NewInt(3600)), big.NewInt(5))
	require.ErrorIs(t, err, wallet.ErrChain)
	assert.Contains(t, err.Error(), "lock duration")
}

func TestWithdrawHonoursLock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := New(Options{Account: DefaultAccount, Now: func() time.Time { return start }})
	c.Faucet(contracts.ETH, DefaultAccount, big.NewInt(100))
	savings := contracts.Savings()

	_, err := send(t, c, DefaultSavings, pack(t, savings, "depositETH", new(big.Int).SetUint64(ninetyDays)), big.NewInt(40))
	require.NoError(t, err)

	_, err = send(t, c, DefaultSavings, pack(t, savings, "withdraw", big.NewInt(0)), nil)
	require.ErrorIs(t, err, wallet.ErrChain)
	assert.Contains(t, err.Error(), "locked")

	c.Advance(time.Duration(ninetyDays) * time.Second)
	_, err = send(t, c, DefaultSavings, pack(t, savings, "withdraw", big.NewInt(0)), nil)
	require.NoError(t, err)

	bal, err := c.BalanceAt(context.Background(), DefaultAccount, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Int64())

	_, err = send(t, c, DefaultSavings, pack(t, savings, "withdraw", big.NewInt(0)), nil)
	assert.ErrorContains(t, err, "already withdrawn")
	_, err = send(t, c, DefaultSavings, pack(t, savings, "topUpETH", big.NewInt(0)), big.NewInt(1))
	assert.ErrorContains(t, err, "already withdrawn")
}

func TestForwardPaysRecipient(t *testing.T) {
	c := New(Options{Account: DefaultAccount})
	c.Faucet(contracts.WBTC, DefaultAccount, big.NewInt(500))
	c.SetAllowance(contracts.WBTC, DefaultAccount, big.NewInt(500))
	savings := contracts.Savings()
	recipient := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	_, err := send(t, c, DefaultSavings, pack(t, savings, "depositWBTC", big.NewInt(500), new(big.Int).SetUint64(ninetyDays)), nil)
	require.NoError(t, err)
	c.Advance(100 * 24 * time.Hour)

	_, err = send(t, c, DefaultSavings, pack(t, savings, "forwardDeposit", big.NewInt(0), recipient), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(500), viewBig(t, c, DefaultWBTC, contracts.ERC20(), "balanceOf", recipient).Int64())
	assert.Equal(t, int64(0), viewBig(t, c, DefaultSavings, savings, "getTotalLockedAmount", DefaultAccount).Int64())
}

func TestRevertOnChainMinesFailedReceipt(t *testing.T) {
	c := New(Options{Account: DefaultAccount, RevertOnChain: true})

	receipt, err := send(t, c, DefaultSavings, pack(t, contracts.Savings(), "withdraw", big.NewInt(3)), nil)
	require.ErrorIs(t, err, wallet.ErrReverted)
	require.NotNil(t, receipt)
	assert.Equal(t, types.ReceiptStatusFailed, receipt.Status)
}

func TestPausedRejectsWrites(t *testing.T) {
	c := New(Options{Account: DefaultAccount})
	c.SetPaused(true)
	c.Faucet(contracts.ETH, DefaultAccount, big.NewInt(10))

	_, err := send(t, c, DefaultSavings, pack(t, contracts.Savings(), "depositETH", new(big.Int).SetUint64(ninetyDays)), big.NewInt(1))
	assert.ErrorContains(t, err, "paused")
}

func TestRejecterAndDisconnect(t *testing.T) {
	c := New(Options{Account: DefaultAccount})
	c.SetRejecter(func(call wallet.Call) bool { return call.Method == "approve" })

	_, err := c.Send(context.Background(), wallet.Call{To: DefaultUSDC, Data: pack(t, contracts.ERC20(), "approve", DefaultSavings, big.NewInt(1)), Method: "approve"})
	require.ErrorIs(t, err, wallet.ErrUserRejected)

	c.Connect(common.Address{})
	_, err = c.Send(context.Background(), wallet.Call{To: DefaultSavings, Method: "withdraw"})
	require.ErrorIs(t, err, wallet.ErrNoAccount)
}

func TestConfirmDelayHonoursContext(t *testing.T) {
	c := New(Options{Account: DefaultAccount, ConfirmDelay: time.Hour})
	hash, err := c.Send(context.Background(), wallet.Call{To: DefaultUSDC, Data: pack(t, contracts.ERC20(), "approve", DefaultSavings, big.NewInt(1))})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.WaitMined(ctx, hash)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestViews(t *testing.T) {
	c := New(Options{})
	savings := contracts.Savings()

	out, err := c.CallContract(context.Background(), ethereum.CallMsg{To: &DefaultSavings, Data: pack(t, savings, "getValidLockDurations")}, nil)
	require.NoError(t, err)
	vals, err := savings.Unpack("getValidLockDurations", out)
	require.NoError(t, err)
	assert.Len(t, vals[0].([]*big.Int), 4)

	out, err = c.CallContract(context.Background(), ethereum.CallMsg{To: &DefaultSavings, Data: pack(t, savings, "owner")}, nil)
	require.NoError(t, err)
	vals, err = savings.Unpack("owner", out)
	require.NoError(t, err)
	assert.Equal(t, DefaultOwner, vals[0].(common.Address))

	code, err := c.CodeAt(context.Background(), DefaultUSDC, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
}
