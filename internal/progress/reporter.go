// Package progress implements the progress reporter (C10): counters,
// timers, derived rate/ETA gauges, and pluggable alert delivery
// (spec.md §4.10). Counters are real Prometheus collectors, exposed
// over a /metrics endpoint rather than hand-rolled int counters.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters are the metrics spec.md §4.10 names.
type Counters struct {
	RowsExtracted    *prometheus.CounterVec
	RowsUpserted     *prometheus.CounterVec
	RowsQuarantined  *prometheus.CounterVec
	AICalls          *prometheus.CounterVec
	AITokensPrompt   prometheus.Counter
	AITokensComplete prometheus.Counter
	AICostUSD        prometheus.Counter
	BatchDuration    *prometheus.HistogramVec
}

// NewCounters registers the spec.md §4.10 metric family against reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		RowsExtracted:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "worketl_rows_extracted_total"}, []string{"table"}),
		RowsUpserted:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "worketl_rows_upserted_total"}, []string{"table"}),
		RowsQuarantined:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "worketl_rows_quarantined_total"}, []string{"table"}),
		AICalls:          prometheus.NewCounterVec(prometheus.CounterOpts{Name: "worketl_ai_calls_total"}, []string{"operation", "outcome"}),
		AITokensPrompt:   prometheus.NewCounter(prometheus.CounterOpts{Name: "worketl_ai_tokens_prompt_total"}),
		AITokensComplete: prometheus.NewCounter(prometheus.CounterOpts{Name: "worketl_ai_tokens_completion_total"}),
		AICostUSD:        prometheus.NewCounter(prometheus.CounterOpts{Name: "worketl_ai_cost_usd_total"}),
		BatchDuration:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "worketl_batch_duration_seconds"}, []string{"table"}),
	}
	reg.MustRegister(c.RowsExtracted, c.RowsUpserted, c.RowsQuarantined, c.AICalls,
		c.AITokensPrompt, c.AITokensComplete, c.AICostUSD, c.BatchDuration)
	return c
}

// AlertKind enumerates the thresholds spec.md §4.10 names.
type AlertKind string

const (
	AlertCostExceeded     AlertKind = "cost_exceeded"
	AlertErrorRateHigh    AlertKind = "error_rate_high"
	AlertCircuitOpen      AlertKind = "circuit_open"
	AlertSLOExceeded      AlertKind = "slo_exceeded"
)

// Alert is one delivery-ready alert payload.
type Alert struct {
	Kind    AlertKind
	Table   string
	Message string
	At      time.Time
}

// Delivery is the pluggable alert backend capability: the core uses it
// as a capability, not a dependency on any specific backend (spec.md
// §4.10).
type Delivery interface {
	Deliver(Alert) error
}

// LogDelivery writes alerts as structured log lines.
type LogDelivery struct{ Log *slog.Logger }

func (d LogDelivery) Deliver(a Alert) error {
	d.Log.Warn("worketl.alert", "kind", a.Kind, "table", a.Table, "message", a.Message)
	return nil
}

// Reporter tracks a rolling error-rate window and dispatches alerts
// when thresholds are crossed (spec.md §4.10: cost, >10% error rate
// over 5 minutes, circuit open, SLO exceeded).
type Reporter struct {
	counters   *Counters
	deliveries []Delivery
	log        *slog.Logger

	mu          sync.Mutex
	windowStart time.Time
	attempts    int
	failures    int
}

func NewReporter(counters *Counters, log *slog.Logger, deliveries ...Delivery) *Reporter {
	return &Reporter{counters: counters, deliveries: deliveries, log: log, windowStart: time.Now()}
}

// RecordBatch updates rolling error-rate stats and fires an
// AlertErrorRateHigh if the 5-minute window exceeds 10% failures.
func (r *Reporter) RecordBatch(table string, ok bool, duration time.Duration) {
	r.counters.BatchDuration.WithLabelValues(table).Observe(duration.Seconds())

	r.mu.Lock()
	if time.Since(r.windowStart) > 5*time.Minute {
		r.windowStart = time.Now()
		r.attempts, r.failures = 0, 0
	}
	r.attempts++
	if !ok {
		r.failures++
	}
	rate := float64(r.failures) / float64(r.attempts)
	r.mu.Unlock()

	if r.attempts >= 5 && rate > 0.10 {
		r.dispatch(Alert{Kind: AlertErrorRateHigh, Table: table, Message: "batch error rate exceeds 10% over the last 5 minutes", At: time.Now()})
	}
}

// ReportCost fires AlertCostExceeded when usageUSD crosses threshold.
func (r *Reporter) ReportCost(table string, usageUSD, thresholdUSD float64) {
	if usageUSD > thresholdUSD {
		r.dispatch(Alert{Kind: AlertCostExceeded, Table: table, Message: "ai cost has exceeded cost_alert_usd", At: time.Now()})
	}
}

// ReportCircuitOpen fires AlertCircuitOpen.
func (r *Reporter) ReportCircuitOpen(dependency string) {
	r.dispatch(Alert{Kind: AlertCircuitOpen, Message: dependency + " circuit breaker opened", At: time.Now()})
}

// ReportSLOExceeded fires AlertSLOExceeded when a run's duration
// exceeds its configured SLO.
func (r *Reporter) ReportSLOExceeded(table string, duration, slo time.Duration) {
	if duration > slo {
		r.dispatch(Alert{Kind: AlertSLOExceeded, Table: table, Message: "run exceeded its SLO duration", At: time.Now()})
	}
}

func (r *Reporter) dispatch(a Alert) {
	for _, d := range r.deliveries {
		if err := d.Deliver(a); err != nil && r.log != nil {
			r.log.Error("worketl.alert.delivery_failed", "kind", a.Kind, "err", err)
		}
	}
}

// Rate computes rows/sec from a counter snapshot and an elapsed
// duration, used for the CLI's progress display.
func Rate(processed int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(processed) / elapsed.Seconds()
}

// ETA estimates remaining seconds given total, processed, and rate.
func ETA(total, processed int64, rowsPerSec float64) time.Duration {
	if rowsPerSec <= 0 {
		return 0
	}
	remaining := total - processed
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(float64(remaining)/rowsPerSec) * time.Second
}
