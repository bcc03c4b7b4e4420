package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var errUnknownQuery = errors.New("unknown query")

// Refetcher is anything that can refresh an account on demand.
type Refetcher interface {
	Refetch(ctx context.Context, account common.Address, keys ...QueryKey)
	Accounts() []common.Address
}

// Poller is the optional periodic trigger on top of on-demand refetches.
type Poller struct {
	target   Refetcher
	interval time.Duration
	logger   *zap.Logger
}

func NewPoller(target Refetcher, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{target: target, interval: interval, logger: logger}
}

// Run refetches every tracked account each interval until ctx is done.
// A non-positive interval disables polling.
func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info("poller started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			for _, account := range p.target.Accounts() {
				p.target.Refetch(ctx, account)
			}
		}
	}
}
