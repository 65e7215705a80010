package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/maildrop/logger"
)

// Stats holds aggregate counts reported by a store.
type Stats struct {
	TotalAccounts   int64
	TotalMessages   int64
	TotalBytes      int64
	LockedMaildrops int64
}

// StatsProvider is implemented by stores that can report aggregate counts.
type StatsProvider interface {
	Stats(ctx context.Context) (*Stats, error)
}

// Collector refreshes the store gauges on a fixed interval.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		provider: provider,
		interval: interval,
		timeout:  interval / 2,
		stopCh:   make(chan struct{}),
	}
}

// Start collects once, then on every tick until ctx is cancelled or Stop is
// called. It blocks.
func (c *Collector) Start(ctx context.Context) {
	logger.Info("Metrics collector started", "interval", c.interval)
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Metrics collector stopped", "reason", ctx.Err())
			return
		case <-c.stopCh:
			logger.Debug("Metrics collector stopped", "reason", "stop")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop ends Start. It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// collect queries the store with a deadline of half the interval.
func (c *Collector) collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stats, err := c.provider.Stats(ctx)
	if err != nil {
		logger.Warn("Metrics collector: store stats unavailable", "error", err)
		return
	}

	AccountsTotal.Set(float64(stats.TotalAccounts))
	MessagesTotal.Set(float64(stats.TotalMessages))
	StoredBytesTotal.Set(float64(stats.TotalBytes))
	LockedMaildropsCurrent.Set(float64(stats.LockedMaildrops))
}
