package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()
	AuthenticationAttempts.Reset()

	ConnectionsTotal.WithLabelValues("pop3").Inc()
	ConnectionsTotal.WithLabelValues("pop3").Inc()
	ConnectionsCurrent.WithLabelValues("pop3").Set(5)
	AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()
	AuthenticationAttempts.WithLabelValues("pop3", "failure").Add(3)

	if got := testutil.ToFloat64(ConnectionsTotal.WithLabelValues("pop3")); got != 2 {
		t.Errorf("Expected ConnectionsTotal to be 2, got %f", got)
	}
	if got := testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("pop3")); got != 5 {
		t.Errorf("Expected ConnectionsCurrent to be 5, got %f", got)
	}
	if got := testutil.ToFloat64(AuthenticationAttempts.WithLabelValues("pop3", "failure")); got != 3 {
		t.Errorf("Expected 3 failed authentication attempts, got %f", got)
	}
	if got := testutil.CollectAndCount(AuthenticationAttempts); got != 2 {
		t.Errorf("Expected 2 label combinations, got %d", got)
	}
}

func TestCommandMetrics(t *testing.T) {
	CommandsTotal.Reset()
	CommandDuration.Reset()

	tests := []struct {
		command string
		status  string
		count   int
	}{
		{"STAT", "success", 2},
		{"RETR", "success", 1},
		{"RETR", "failure", 4},
	}

	for _, tt := range tests {
		for i := 0; i < tt.count; i++ {
			CommandsTotal.WithLabelValues("pop3", tt.command, tt.status).Inc()
			CommandDuration.WithLabelValues("pop3", tt.command).Observe(0.002)
		}
	}

	for _, tt := range tests {
		t.Run(tt.command+"_"+tt.status, func(t *testing.T) {
			got := testutil.ToFloat64(CommandsTotal.WithLabelValues("pop3", tt.command, tt.status))
			if got != float64(tt.count) {
				t.Errorf("Expected %d, got %f", tt.count, got)
			}
		})
	}

	if got := testutil.CollectAndCount(CommandDuration); got != 2 {
		t.Errorf("Expected 2 duration series, got %d", got)
	}
}

func TestLifecycleMetrics(t *testing.T) {
	SessionCleanupsTotal.Reset()
	FinalizationsTotal.Reset()

	SessionCleanupsTotal.WithLabelValues("timeout", "success").Inc()
	FinalizationsTotal.WithLabelValues("mismatch").Inc()
	before := testutil.ToFloat64(MessagesDeletedTotal)
	MessagesDeletedTotal.Add(3)

	if got := testutil.ToFloat64(SessionCleanupsTotal.WithLabelValues("timeout", "success")); got != 1 {
		t.Errorf("Expected 1 timeout cleanup, got %f", got)
	}
	if got := testutil.ToFloat64(FinalizationsTotal.WithLabelValues("mismatch")); got != 1 {
		t.Errorf("Expected 1 mismatch, got %f", got)
	}
	if got := testutil.ToFloat64(MessagesDeletedTotal) - before; got != 3 {
		t.Errorf("Expected 3 deleted messages, got %f", got)
	}
}
