package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	// Verify all metrics are initialized
	if m.TransactionsCreatedTotal == nil {
		t.Error("TransactionsCreatedTotal should be initialized")
	}
	if m.TransactionsCompletedTotal == nil {
		t.Error("TransactionsCompletedTotal should be initialized")
	}
	if m.DuplicatePayoutsTotal == nil {
		t.Error("DuplicatePayoutsTotal should be initialized")
	}
	if m.PayoutsTotal == nil {
		t.Error("PayoutsTotal should be initialized")
	}
	if m.FileUploadsTotal == nil {
		t.Error("FileUploadsTotal should be initialized")
	}
	if m.IntegrityFailsTotal == nil {
		t.Error("IntegrityFailsTotal should be initialized")
	}
	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}

func TestObserveCompletion(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveCompletion("usd", 5000, 2*time.Hour)

	count := promtest.ToFloat64(m.TransactionsCompletedTotal)
	if count != 1 {
		t.Errorf("expected 1 completion, got %.0f", count)
	}

	amount := promtest.ToFloat64(m.TransactionAmountTotal.WithLabelValues("usd"))
	if amount != 5000 {
		t.Errorf("expected completed amount 5000 cents, got %.0f", amount)
	}
}

func TestObserveCancellation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveCancellation(false)
	m.ObserveCancellation(true)
	m.ObserveCancellation(true)

	byParty := promtest.ToFloat64(m.TransactionsCancelledTotal.WithLabelValues("false"))
	if byParty != 1 {
		t.Errorf("expected 1 party cancellation, got %.0f", byParty)
	}
	byAdmin := promtest.ToFloat64(m.TransactionsCancelledTotal.WithLabelValues("true"))
	if byAdmin != 2 {
		t.Errorf("expected 2 admin cancellations, got %.0f", byAdmin)
	}
}

func TestObserveDuplicatePayout(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDuplicatePayout()

	count := promtest.ToFloat64(m.DuplicatePayoutsTotal)
	if count != 1 {
		t.Errorf("expected 1 duplicate payout, got %.0f", count)
	}
}

func TestObservePayout(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObservePayout(true, 500*time.Millisecond)
	m.ObservePayout(false, 2*time.Second)

	success := promtest.ToFloat64(m.PayoutsTotal.WithLabelValues("success"))
	if success != 1 {
		t.Errorf("expected 1 successful payout, got %.0f", success)
	}
	failed := promtest.ToFloat64(m.PayoutsTotal.WithLabelValues("failed"))
	if failed != 1 {
		t.Errorf("expected 1 failed payout, got %.0f", failed)
	}
}

func TestObserveStripeCall(t *testing.T) {
	tests := []struct {
		name       string
		operation  string
		err        error
		wantStatus string
	}{
		{name: "successful call", operation: "create_transfer", err: nil, wantStatus: "success"},
		{name: "failed call", operation: "create_transfer", err: errors.New("api error"), wantStatus: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := New(registry)

			m.ObserveStripeCall(tt.operation, 100*time.Millisecond, tt.err)

			count := promtest.ToFloat64(m.StripeCallsTotal.WithLabelValues(tt.operation, tt.wantStatus))
			if count != 1 {
				t.Errorf("expected 1 call with status %q, got %.0f", tt.wantStatus, count)
			}
		})
	}
}

func TestObserveUpload(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveUpload(true, 1<<20, 10*time.Millisecond)
	m.ObserveUpload(false, 0, 0)

	success := promtest.ToFloat64(m.FileUploadsTotal.WithLabelValues("success"))
	if success != 1 {
		t.Errorf("expected 1 successful upload, got %.0f", success)
	}
	failed := promtest.ToFloat64(m.FileUploadsTotal.WithLabelValues("failed"))
	if failed != 1 {
		t.Errorf("expected 1 failed upload, got %.0f", failed)
	}
}

func TestObserveDownloadAndIntegrity(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDownload(false, 0)
	m.ObserveIntegrityFailure()

	failed := promtest.ToFloat64(m.FileDownloadsTotal.WithLabelValues("failed"))
	if failed != 1 {
		t.Errorf("expected 1 failed download, got %.0f", failed)
	}
	integrity := promtest.ToFloat64(m.IntegrityFailsTotal)
	if integrity != 1 {
		t.Errorf("expected 1 integrity failure, got %.0f", integrity)
	}
}

func TestObserveCallback(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	// First attempt succeeds
	m.ObserveCallback("escrow.completed", "success", 500*time.Millisecond, 1)

	callbacks := promtest.ToFloat64(m.CallbacksTotal.WithLabelValues("escrow.completed", "success"))
	if callbacks != 1 {
		t.Errorf("expected 1 callback delivery, got %.0f", callbacks)
	}

	// Retries are only recorded when attempt > 1
	m.ObserveCallback("escrow.completed", "failed", 2*time.Second, 3)

	retries := promtest.ToFloat64(m.CallbackRetriesTotal.WithLabelValues("escrow.completed"))
	if retries != 1 {
		t.Errorf("expected 1 callback retry record, got %.0f", retries)
	}
}

func TestObserveRateLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRateLimit("per_actor")

	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("per_actor"))
	if hits != 1 {
		t.Errorf("expected 1 rate limit hit, got %.0f", hits)
	}
}

func TestObserveDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDBQuery("get_transaction", "postgres", 50*time.Millisecond)

	// For histograms, verify the metric exists and was created successfully
	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}
