package metrics

import (
	"time"

	"go-checkout-verifier/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for verification sessions and scans.
type Metrics struct {
	SessionsCreated      prometheus.Counter
	SessionsCompleted    prometheus.Counter
	SessionsExpiredTotal *prometheus.CounterVec
	ScannerTimeouts      prometheus.Counter
	Decisions            *prometheus.CounterVec

	// Scans by source ("pdf417", "mrz") and whether a document was recognised
	ScansParsed *prometheus.CounterVec

	FinalizeLatency prometheus.Histogram
}

// New registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkout_verifier_sessions_created_total",
			Help: "Total number of verification sessions created",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkout_verifier_sessions_completed_total",
			Help: "Total number of verification sessions completed or cancelled",
		}),
		SessionsExpiredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_verifier_sessions_expired_total",
			Help: "Total number of verification sessions evicted after their TTL",
		}, []string{"reason"}), // reason: "access", "sweep"
		ScannerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkout_verifier_scanner_timeouts_total",
			Help: "Total number of remote scanners marked as disconnected",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_verifier_decisions_total",
			Help: "Total verification decisions by status",
		}, []string{"status"}),
		ScansParsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_verifier_scans_total",
			Help: "Total document scans by source and outcome",
		}, []string{"source", "outcome"}),
		FinalizeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkout_verifier_finalize_duration_seconds",
			Help:    "Duration of session finalisation including POS and compliance calls",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

func (m *Metrics) SessionCompleted() {
	if m != nil {
		m.SessionsCompleted.Inc()
	}
}

func (m *Metrics) SessionsExpired(reason string, count int) {
	if m != nil {
		m.SessionsExpiredTotal.WithLabelValues(reason).Add(float64(count))
	}
}

func (m *Metrics) ScannerTimedOut() {
	if m != nil {
		m.ScannerTimeouts.Inc()
	}
}

func (m *Metrics) DecisionRecorded(status models.SessionStatus) {
	if m != nil {
		m.Decisions.WithLabelValues(string(status)).Inc()
	}
}

// ScanParsed records a scan attempt and whether it produced an identity.
func (m *Metrics) ScanParsed(source models.Source, recognized bool) {
	if m == nil {
		return
	}
	outcome := "recognized"
	if !recognized {
		outcome = "unrecognized"
	}
	m.ScansParsed.WithLabelValues(string(source), outcome).Inc()
}

func (m *Metrics) ObserveFinalizeLatency(d time.Duration) {
	if m != nil {
		m.FinalizeLatency.Observe(d.Seconds())
	}
}
