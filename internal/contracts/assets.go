package contracts

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// AssetType mirrors the enum stored with every deposit on-chain.
type AssetType uint8

const (
	USDC AssetType = 0
	ETH  AssetType = 1
	WBTC AssetType = 2
)

// Assets lists every supported asset in enum order.
var Assets = []AssetType{USDC, ETH, WBTC}

func (a AssetType) Valid() bool {
	return a <= WBTC
}

// Decimals is the fixed-point precision of the asset.
func (a AssetType) Decimals() int32 {
	switch a {
	case USDC:
		return 6
	case WBTC:
		return 8
	default:
		return 18
	}
}

func (a AssetType) Symbol() string {
	switch a {
	case USDC:
		return "USDC"
	case ETH:
		return "ETH"
	case WBTC:
		return "WBTC"
	default:
		return "asset(" + strconv.Itoa(int(a)) + ")"
	}
}

func (a AssetType) String() string { return a.Symbol() }

// IsNative reports whether the asset is sent as transaction value rather
// than moved through a token allowance.
func (a AssetType) IsNative() bool { return a == ETH }

// DepositMethod is the savings contract function that opens a deposit.
func (a AssetType) DepositMethod() string { return "deposit" + a.Symbol() }

// TopUpMethod is the savings contract function that adds to a deposit.
func (a AssetType) TopUpMethod() string { return "topUp" + a.Symbol() }

// MarshalText encodes the asset by symbol.
func (a AssetType) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown asset type %d", a)
	}
	return []byte(a.Symbol()), nil
}

func (a *AssetType) UnmarshalText(text []byte) error {
	parsed, err := ParseAssetType(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAssetType accepts a symbol (case-insensitive) or the enum ordinal.
func ParseAssetType(s string) (AssetType, error) {
	s = strings.TrimSpace(s)
	for _, a := range Assets {
		if strings.EqualFold(s, a.Symbol()) || s == strconv.Itoa(int(a)) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown asset %q", s)
}

// DepositRecord is the tuple returned by getDeposit. Field names follow the
// ABI component names so abi.ConvertType and tuple packing can map them.
type DepositRecord struct {
	Amount       *big.Int
	LockDuration *big.Int
	DepositTime  *big.Int
	IsWithdrawn  bool
	AssetType    uint8
}

// Asset returns the record's asset type.
func (r DepositRecord) Asset() AssetType { return AssetType(r.AssetType) }

// DepositedAt returns the deposit timestamp.
func (r DepositRecord) DepositedAt() time.Time {
	if r.DepositTime == nil {
		return time.Unix(0, 0)
	}
	return time.Unix(r.DepositTime.Int64(), 0)
}

// Lock returns the lock duration.
func (r DepositRecord) Lock() time.Duration {
	if r.LockDuration == nil {
		return 0
	}
	return time.Duration(r.LockDuration.Int64()) * time.Second
}

// Exists distinguishes a stored record from the zero tuple returned for an
// unknown id.
func (r DepositRecord) Exists() bool {
	return r.DepositTime != nil && r.DepositTime.Sign() > 0
}
