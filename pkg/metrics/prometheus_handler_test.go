package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusHTTPHandler(t *testing.T) {
	ConnectionsTotal.Reset()
	S3OperationsTotal.Reset()

	ConnectionsTotal.WithLabelValues("pop3").Add(10)
	S3OperationsTotal.WithLabelValues("PUT", "success").Add(5)

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	bodyStr := string(body)

	for _, want := range []string{
		`maildrop_connections_total{protocol="pop3"} 10`,
		`maildrop_s3_operations_total{operation="PUT",status="success"} 5`,
	} {
		if !strings.Contains(bodyStr, want) {
			t.Errorf("Expected %q in response", want)
		}
	}
}

func TestGatheredFamilies(t *testing.T) {
	FinalizationsTotal.Reset()
	FinalizationsTotal.WithLabelValues("success").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var found *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "maildrop_finalizations_total" {
			found = mf
		}
	}
	if found == nil {
		t.Fatal("maildrop_finalizations_total not gathered")
	}
	if found.GetType() != dto.MetricType_COUNTER {
		t.Errorf("Expected counter, got %v", found.GetType())
	}
	if got := found.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1, got %f", got)
	}
}

type errorGatherer struct{}

func (errorGatherer) Gather() ([]*dto.MetricFamily, error) {
	return nil, errors.New("gather failed")
}

func TestHandlerGatherError(t *testing.T) {
	handler := promhttp.HandlerFor(errorGatherer{}, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}
