package progress

import (
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDelivery struct{ alerts []Alert }

func (d *recordingDelivery) Deliver(a Alert) error {
	d.alerts = append(d.alerts, a)
	return nil
}

func TestRecordBatchFiresErrorRateAlert(t *testing.T) {
	reg := prometheus.NewRegistry()
	counters := NewCounters(reg)
	rec := &recordingDelivery{}
	r := NewReporter(counters, slog.Default(), rec)

	for i := 0; i < 4; i++ {
		r.RecordBatch("notification_text", true, time.Millisecond)
	}
	r.RecordBatch("notification_text", false, time.Millisecond)

	require.Len(t, rec.alerts, 1)
	assert.Equal(t, AlertErrorRateHigh, rec.alerts[0].Kind)
}

func TestReportCostFiresOnlyOverThreshold(t *testing.T) {
	reg := prometheus.NewRegistry()
	counters := NewCounters(reg)
	rec := &recordingDelivery{}
	r := NewReporter(counters, slog.Default(), rec)

	r.ReportCost("t", 10, 50)
	assert.Empty(t, rec.alerts)

	r.ReportCost("t", 60, 50)
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, AlertCostExceeded, rec.alerts[0].Kind)
}

func TestRateAndETA(t *testing.T) {
	assert.Equal(t, 10.0, Rate(100, 10*time.Second))
	assert.Equal(t, 9*time.Second, ETA(100, 10, 10))
}
