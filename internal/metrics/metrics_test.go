package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveCopy(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New("test", reg)
	require.NoError(t, err)

	m.ObserveCopy("multipart", time.Second, 1024, "", nil)
	m.ObserveCopy("single", time.Second, 10, "complete", errors.New("boom"))
	m.PartCopied()
	m.PartCopied()

	assert.Equal(t, 1024.0, testutil.ToFloat64(m.copiedBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.partsCopied))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.copyErrors.WithLabelValues("complete")))
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1, err := New("test", reg)
	require.NoError(t, err)
	m2, err := New("test", reg)
	require.NoError(t, err)

	m1.UploadTransition("COMPLETE")
	m2.UploadTransition("COMPLETE")
	assert.Equal(t, 2.0, testutil.ToFloat64(m1.uploads.WithLabelValues("COMPLETE")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCopy("single", time.Second, 1, "", nil)
	m.PartCopied()
	m.UploadTransition("x")
	m.BlobRegistered("created")
	assert.NoError(t, m.WatchGauge("g", "h", func() float64 { return 1 }))
}

func TestHandler_ServesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New("test", reg)
	require.NoError(t, err)
	require.NoError(t, m.WatchGauge("copy_workers_in_use", "Busy copy workers.", func() float64 { return 7 }))
	m.BlobRegistered("created")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(body, "test_copy_workers_in_use 7"), body)
	assert.Contains(t, body, `test_blob_registrations_total{outcome="created"} 1`)
}
