package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// histogramCount returns the number of observations of the named histogram
func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestObserveRunAndSegments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveSegment("completed", 2*time.Second, 40)
	m.ObserveSegment("completed", time.Second, 0)
	m.ObserveSegment("failed", 0, 0)
	m.ObserveRun("succeeded", 360, 30*time.Second)
	m.ObserveRun("cancelled", 0, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SegmentsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsTotal.WithLabelValues("failed")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.TokensUsed))
	assert.Equal(t, 360.0, testutil.ToFloat64(m.AudioSeconds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("cancelled")))
	// the zero-elapsed failure is not observed
	assert.Equal(t, uint64(2), histogramCount(t, reg, "voicer_recognition_duration_seconds"))
	assert.Equal(t, uint64(2), histogramCount(t, reg, "voicer_run_duration_seconds"))
}

func TestGaugesAndCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetActiveJobs(3)
	m.SetQueuedJobs(5)
	m.RecordRecognitionRetry()
	m.RecordFileDetected()
	m.RecordFileDetected()
	m.ObserveStage("vad", 150*time.Millisecond)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.RecordHTTPError("POST", "/jobs", "bad_request")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveJobs))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.QueuedJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecognitionRetries))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FilesDetected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPErrors.WithLabelValues("POST", "/jobs", "bad_request")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestSeparateRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())
	a.RecordFileDetected()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.FilesDetected))
}
