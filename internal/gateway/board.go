package gateway

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"piggybank/internal/contracts"
)

// QueryKey names one independently refetchable query.
type QueryKey string

const (
	QueryDepositCount  QueryKey = "depositCount"
	QueryDeposits      QueryKey = "deposits"
	QueryTotalLocked   QueryKey = "totalLocked"
	QueryLockDurations QueryKey = "lockDurations"
	QueryOwner         QueryKey = "owner"
	QueryPaused        QueryKey = "paused"
)

func BalanceKey(asset contracts.AssetType) QueryKey {
	return QueryKey("balance" + asset.Symbol())
}

func AllowanceKey(asset contracts.AssetType) QueryKey {
	return QueryKey("allowance" + asset.Symbol())
}

func ContractBalanceKey(asset contracts.AssetType) QueryKey {
	return QueryKey("contractBalance" + asset.Symbol())
}

// AllKeys lists every query a snapshot can hold.
func AllKeys() []QueryKey {
	keys := []QueryKey{QueryDepositCount, QueryDeposits, QueryTotalLocked, QueryLockDurations, QueryOwner, QueryPaused}
	for _, a := range contracts.Assets {
		keys = append(keys, BalanceKey(a), ContractBalanceKey(a))
		if !a.IsNative() {
			keys = append(keys, AllowanceKey(a))
		}
	}
	return keys
}

// AssetKeys are the queries affected by a write involving asset.
func AssetKeys(asset contracts.AssetType) []QueryKey {
	keys := []QueryKey{QueryDepositCount, QueryDeposits, QueryTotalLocked, BalanceKey(asset), ContractBalanceKey(asset)}
	if !asset.IsNative() {
		keys = append(keys, AllowanceKey(asset))
	}
	return keys
}

// Entry is the last result of one query. A failed refetch keeps the
// previous Value and records Err.
type Entry struct {
	Value     any
	Err       error
	FetchedAt time.Time

	// gen orders fetches of the same key; a result started before the
	// stored one is discarded.
	gen uint64
}

// Snapshot is a point-in-time copy of an account's cached queries.
type Snapshot struct {
	Account common.Address
	Entries map[QueryKey]Entry
}

// BigInt returns an integer-valued entry, or nil when absent.
func (s Snapshot) BigInt(key QueryKey) *big.Int {
	if v, ok := s.Entries[key].Value.(*big.Int); ok {
		return v
	}
	return nil
}

func (s Snapshot) Deposits() []Deposit {
	v, _ := s.Entries[QueryDeposits].Value.([]Deposit)
	return v
}

// Board is the short-lived cached projection of on-chain state per account.
type Board struct {
	reader *Reader
	logger *zap.Logger
	now    func() time.Time
	gen    atomic.Uint64

	mu       sync.RWMutex
	accounts map[common.Address]map[QueryKey]Entry

	// OnReadError, when set, is called for each failed query.
	OnReadError func(key QueryKey, err error)
}

func NewBoard(reader *Reader, logger *zap.Logger) *Board {
	return &Board{
		reader:   reader,
		logger:   logger,
		now:      time.Now,
		accounts: make(map[common.Address]map[QueryKey]Entry),
	}
}

// Refetch re-runs the named queries (all when none are given) concurrently.
func (b *Board) Refetch(ctx context.Context, account common.Address, keys ...QueryKey) {
	if len(keys) == 0 {
		keys = AllKeys()
	}
	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			gen := b.gen.Add(1)
			v, err := b.fetch(ctx, account, key)
			b.store(account, key, gen, v, err)
			return nil
		})
	}
	_ = g.Wait()
}

// Refresh satisfies the orchestrator's post-write refresh contract.
func (b *Board) Refresh(ctx context.Context, account common.Address, keys ...QueryKey) {
	b.Refetch(ctx, account, keys...)
}

// Snapshot copies the cached entries for account.
func (b *Board) Snapshot(account common.Address) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, ok := b.accounts[account]
	if !ok {
		return Snapshot{Account: account}, false
	}
	out := make(map[QueryKey]Entry, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return Snapshot{Account: account, Entries: out}, true
}

// Accounts lists every account with cached entries.
func (b *Board) Accounts() []common.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]common.Address, 0, len(b.accounts))
	for a := range b.accounts {
		out = append(out, a)
	}
	return out
}

func (b *Board) store(account common.Address, key QueryKey, gen uint64, v any, err error) {
	b.mu.Lock()
	entries, ok := b.accounts[account]
	if !ok {
		entries = make(map[QueryKey]Entry)
		b.accounts[account] = entries
	}
	prev, seen := entries[key]
	switch {
	case seen && prev.gen > gen:
		// A later fetch already landed.
	case err != nil:
		prev.Err = err
		prev.gen = gen
		entries[key] = prev
	default:
		entries[key] = Entry{Value: v, FetchedAt: b.now(), gen: gen}
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("query failed",
			zap.String("account", account.Hex()),
			zap.String("query", string(key)),
			zap.Error(err))
		if b.OnReadError != nil {
			b.OnReadError(key, err)
		}
	}
}

func (b *Board) fetch(ctx context.Context, account common.Address, key QueryKey) (any, error) {
	switch key {
	case QueryDepositCount:
		return b.reader.DepositCount(ctx, account)
	case QueryDeposits:
		return b.reader.Deposits(ctx, account)
	case QueryTotalLocked:
		return b.reader.TotalLocked(ctx, account)
	case QueryLockDurations:
		return b.reader.LockDurations(ctx)
	case QueryOwner:
		return b.reader.Owner(ctx)
	case QueryPaused:
		return b.reader.Paused(ctx)
	}
	for _, a := range contracts.Assets {
		switch key {
		case BalanceKey(a):
			return b.reader.TokenBalance(ctx, a, account)
		case AllowanceKey(a):
			return b.reader.Allowance(ctx, a, account)
		case ContractBalanceKey(a):
			return b.reader.ContractBalance(ctx, a)
		}
	}
	return nil, &ReadError{Query: string(key), Err: errUnknownQuery}
}
