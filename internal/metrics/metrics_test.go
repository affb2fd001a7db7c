package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRun(nil, time.Second)
	m.ObserveSkippedRun()
	m.AddSnapshots(3)
	m.ObserveAlert("sent")
	m.ObserveChannel("WEBHOOK", errors.New("boom"))
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveRun(nil, 200*time.Millisecond)
	m.ObserveRun(errors.New("ingest"), time.Second)
	m.ObserveSkippedRun()
	m.AddSnapshots(4)
	m.ObserveAlert("sent")
	m.ObserveAlert("throttled")
	m.ObserveChannel("WEBHOOK", nil)
	m.ObserveChannel("WEBHOOK", errors.New("502"))
	m.ObserveChannel("EMAIL", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("skipped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.snapshotsPersisted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsEvaluated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelDeliveries.WithLabelValues("WEBHOOK", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelDeliveries.WithLabelValues("EMAIL", "ok")))
}
