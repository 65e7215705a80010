package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStatsProvider struct {
	stats *Stats
	err   error
}

func (f *fakeStatsProvider) Stats(ctx context.Context) (*Stats, error) {
	return f.stats, f.err
}

func TestCollectorUpdatesGauges(t *testing.T) {
	provider := &fakeStatsProvider{stats: &Stats{TotalAccounts: 7, TotalMessages: 42, TotalBytes: 4096, LockedMaildrops: 2}}
	c := NewCollector(provider, time.Hour)

	c.collect(context.Background())

	if got := testutil.ToFloat64(AccountsTotal); got != 7 {
		t.Errorf("Expected 7 accounts, got %f", got)
	}
	if got := testutil.ToFloat64(MessagesTotal); got != 42 {
		t.Errorf("Expected 42 messages, got %f", got)
	}
	if got := testutil.ToFloat64(StoredBytesTotal); got != 4096 {
		t.Errorf("Expected 4096 stored bytes, got %f", got)
	}
	if got := testutil.ToFloat64(LockedMaildropsCurrent); got != 2 {
		t.Errorf("Expected 2 locked maildrops, got %f", got)
	}
}

func TestCollectorKeepsGaugesOnError(t *testing.T) {
	AccountsTotal.Set(11)
	c := NewCollector(&fakeStatsProvider{err: errors.New("store down")}, time.Hour)

	c.collect(context.Background())

	if got := testutil.ToFloat64(AccountsTotal); got != 11 {
		t.Errorf("Expected gauge to keep its value, got %f", got)
	}
}

func TestCollectorStop(t *testing.T) {
	c := NewCollector(&fakeStatsProvider{stats: &Stats{}}, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestCollectorDefaultInterval(t *testing.T) {
	c := NewCollector(&fakeStatsProvider{}, 0)
	if c.interval != 60*time.Second {
		t.Errorf("Expected default interval of 60s, got %v", c.interval)
	}
}
