package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// SavingsABI is the interface of the time-locked savings contract.
const SavingsABI = `[
{"type":"function","name":"depositUSDC","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"lockDuration","type":"uint256"}],"outputs":[]},
{"type":"function","name":"depositETH","stateMutability":"payable","inputs":[{"name":"lockDuration","type":"uint256"}],"outputs":[]},
{"type":"function","name":"depositWBTC","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"lockDuration","type":"uint256"}],"outputs":[]},
{"type":"function","name":"topUpUSDC","stateMutability":"nonpayable","inputs":[{"name":"depositId","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"topUpETH","stateMutability":"payable","inputs":[{"name":"depositId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"topUpWBTC","stateMutability":"nonpayable","inputs":[{"name":"depositId","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"depositId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"forwardDeposit","stateMutability":"nonpayable","inputs":[{"name":"depositId","type":"uint256"},{"name":"to","type":"address"}],"outputs":[]},
{"type":"function","name":"getUserDepositCount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getDeposit","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"depositId","type":"uint256"}],"outputs":[{"name":"","type":"tuple","components":[{"name":"amount","type":"uint256"},{"name":"lockDuration","type":"uint256"},{"name":"depositTime","type":"uint256"},{"name":"isWithdrawn","type":"bool"},{"name":"assetType","type":"uint8"}]}]},
{"type":"function","name":"getTotalLockedAmount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getContractBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getContractETHBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getContractWBTCBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getValidLockDurations","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20ABI is the subset of the token standard used for USDC and WBTC.
const ERC20ABI = `[
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var (
	parseOnce  sync.Once
	savingsABI abi.ABI
	erc20ABI   abi.ABI
	parseErr   error
)

func parse() {
	savingsABI, parseErr = abi.JSON(strings.NewReader(SavingsABI))
	if parseErr != nil {
		parseErr = fmt.Errorf("parse savings abi: %w", parseErr)
		return
	}
	erc20ABI, parseErr = abi.JSON(strings.NewReader(ERC20ABI))
	if parseErr != nil {
		parseErr = fmt.Errorf("parse erc20 abi: %w", parseErr)
	}
}

// Savings returns the parsed savings contract ABI.
func Savings() abi.ABI {
	parseOnce.Do(parse)
	if parseErr != nil {
		panic(parseErr)
	}
	return savingsABI
}

// ERC20 returns the parsed token ABI.
func ERC20() abi.ABI {
	parseOnce.Do(parse)
	if parseErr != nil {
		panic(parseErr)
	}
	return erc20ABI
}
