package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for EscrowBox.
type Metrics struct {
	// Transaction lifecycle metrics
	TransactionsCreatedTotal   prometheus.Counter
	TransactionsCompletedTotal prometheus.Counter
	TransactionsCancelledTotal *prometheus.CounterVec
	TransactionsRefundedTotal  prometheus.Counter
	TransactionAmountTotal     *prometheus.CounterVec
	CompletionDuration         *prometheus.HistogramVec

	// Duplicate payout reconciliation. This counter must stay at zero: any
	// increment means a completion race loser issued a second transfer that
	// an operator has to reverse by hand.
	DuplicatePayoutsTotal prometheus.Counter

	// Payment rail metrics
	PayoutsTotal       *prometheus.CounterVec
	PayoutDuration     *prometheus.HistogramVec
	ReversalsTotal     *prometheus.CounterVec
	StripeCallsTotal   *prometheus.CounterVec
	StripeCallDuration *prometheus.HistogramVec

	// File metrics
	FileUploadsTotal    *prometheus.CounterVec
	FileDownloadsTotal  *prometheus.CounterVec
	FileSizeBytes       prometheus.Histogram
	EncryptDuration     prometheus.Histogram
	DecryptDuration     prometheus.Histogram
	IntegrityFailsTotal prometheus.Counter

	// Webhook and callback metrics
	WebhooksReceivedTotal *prometheus.CounterVec
	CallbacksTotal        *prometheus.CounterVec
	CallbackRetriesTotal  *prometheus.CounterVec
	CallbackDuration      *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Transaction lifecycle metrics
		TransactionsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_transactions_created_total",
				Help: "Total number of escrow transactions created",
			},
		),
		TransactionsCompletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_transactions_completed_total",
				Help: "Total number of escrow transactions completed",
			},
		),
		TransactionsCancelledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transactions_cancelled_total",
				Help: "Total number of escrow transactions cancelled",
			},
			[]string{"by_admin"},
		),
		TransactionsRefundedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_transactions_refunded_total",
				Help: "Total number of escrow transactions refunded",
			},
		),
		TransactionAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transaction_amount_total",
				Help: "Total completed escrow amount in cents",
			},
			[]string{"currency"},
		),
		CompletionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_completion_duration_seconds",
				Help:    "Time from transaction creation to completion",
				Buckets: []float64{60, 300, 900, 3600, 14400, 43200, 86400},
			},
			[]string{"currency"},
		),

		DuplicatePayoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_duplicate_payouts_total",
				Help: "Payouts issued by completion race losers that require manual reversal",
			},
		),

		// Payment rail metrics
		PayoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_payouts_total",
				Help: "Total number of seller payout attempts",
			},
			[]string{"status"},
		),
		PayoutDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_payout_duration_seconds",
				Help:    "Time taken to issue a seller payout (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"status"},
		),
		ReversalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_reversals_total",
				Help: "Total number of payout reversal attempts",
			},
			[]string{"status"},
		),
		StripeCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_stripe_calls_total",
				Help: "Total number of Stripe API calls",
			},
			[]string{"operation", "status"},
		),
		StripeCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_stripe_call_duration_seconds",
				Help:    "Duration of Stripe API calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation"},
		),

		// File metrics
		FileUploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_file_uploads_total",
				Help: "Total number of file upload attempts",
			},
			[]string{"status"},
		),
		FileDownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_file_downloads_total",
				Help: "Total number of file download attempts",
			},
			[]string{"status"},
		),
		FileSizeBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "escrow_file_size_bytes",
				Help:    "Plaintext size of uploaded files",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		EncryptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "escrow_encrypt_duration_seconds",
				Help:    "Time taken to envelope-encrypt an uploaded file",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
		),
		DecryptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "escrow_decrypt_duration_seconds",
				Help:    "Time taken to envelope-decrypt a downloaded file",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
		),
		IntegrityFailsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_integrity_failures_total",
				Help: "Total number of envelope integrity check failures on download",
			},
		),

		// Webhook and callback metrics
		WebhooksReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_stripe_webhooks_received_total",
				Help: "Total number of Stripe webhook events received",
			},
			[]string{"event_type", "status"},
		),
		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_callbacks_total",
				Help: "Total number of outbound event callback deliveries",
			},
			[]string{"event_type", "status"},
		),
		CallbackRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_callback_retries_total",
				Help: "Total number of event callback retry attempts",
			},
			[]string{"event_type"},
		),
		CallbackDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_callback_duration_seconds",
				Help:    "Time taken for event callback delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "escrow_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveCompletion records a successful completion with its payout amount and age.
func (m *Metrics) ObserveCompletion(currency string, amountCents int64, age time.Duration) {
	m.TransactionsCompletedTotal.Inc()
	m.TransactionAmountTotal.WithLabelValues(currency).Add(float64(amountCents))
	m.CompletionDuration.WithLabelValues(currency).Observe(age.Seconds())
}

// ObserveCancellation records a cancelled transaction.
func (m *Metrics) ObserveCancellation(byAdmin bool) {
	label := "false"
	if byAdmin {
		label = "true"
	}
	m.TransactionsCancelledTotal.WithLabelValues(label).Inc()
}

// ObserveDuplicatePayout records a payout issued by a completion race loser.
func (m *Metrics) ObserveDuplicatePayout() {
	m.DuplicatePayoutsTotal.Inc()
}

// ObservePayout records a seller payout attempt.
func (m *Metrics) ObservePayout(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	m.PayoutsTotal.WithLabelValues(status).Inc()
	m.PayoutDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveReversal records a payout reversal attempt.
func (m *Metrics) ObserveReversal(success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	m.ReversalsTotal.WithLabelValues(status).Inc()
}

// ObserveStripeCall records a Stripe API call.
func (m *Metrics) ObserveStripeCall(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StripeCallsTotal.WithLabelValues(operation, status).Inc()
	m.StripeCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveUpload records a file upload attempt.
func (m *Metrics) ObserveUpload(success bool, sizeBytes int64, encryptTime time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	m.FileUploadsTotal.WithLabelValues(status).Inc()
	if success {
		m.FileSizeBytes.Observe(float64(sizeBytes))
		m.EncryptDuration.Observe(encryptTime.Seconds())
	}
}

// ObserveDownload records a file download attempt.
func (m *Metrics) ObserveDownload(success bool, decryptTime time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	m.FileDownloadsTotal.WithLabelValues(status).Inc()
	if success {
		m.DecryptDuration.Observe(decryptTime.Seconds())
	}
}

// ObserveIntegrityFailure records an envelope that failed verification.
func (m *Metrics) ObserveIntegrityFailure() {
	m.IntegrityFailsTotal.Inc()
}

// ObserveWebhookReceived records an inbound Stripe webhook event.
func (m *Metrics) ObserveWebhookReceived(eventType, status string) {
	m.WebhooksReceivedTotal.WithLabelValues(eventType, status).Inc()
}

// ObserveCallback records an outbound event callback delivery.
func (m *Metrics) ObserveCallback(eventType, status string, duration time.Duration, attempt int) {
	m.CallbacksTotal.WithLabelValues(eventType, status).Inc()
	m.CallbackDuration.WithLabelValues(eventType).Observe(duration.Seconds())
	if attempt > 1 {
		m.CallbackRetriesTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
