// Package metrics exports copy-engine, upload and registry metrics to
// Prometheus. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "blobstore"

type Metrics struct {
	copyDuration *prometheus.HistogramVec
	copyErrors   *prometheus.CounterVec
	copiedBytes  prometheus.Counter
	partsCopied  prometheus.Counter
	uploads      *prometheus.CounterVec
	blobs        *prometheus.CounterVec

	reg prometheus.Registerer
	ns  string
}

// New registers all collectors on reg. Collectors that are already
// registered are reused, so New may be called more than once per registry.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{reg: reg, ns: namespace}
	var err error

	if m.copyDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "copy_duration_seconds",
		Help:      "Duration of server-side object copies.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"mode"})); err != nil {
		return nil, err
	}
	if m.copyErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "copy_errors_total",
		Help:      "Failed server-side copies by stage.",
	}, []string{"stage"})); err != nil {
		return nil, err
	}
	if m.copiedBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "copied_bytes_total",
		Help:      "Bytes moved by successful server-side copies.",
	})); err != nil {
		return nil, err
	}
	if m.partsCopied, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parts_copied_total",
		Help:      "Multipart copy parts completed.",
	})); err != nil {
		return nil, err
	}
	if m.uploads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_transitions_total",
		Help:      "Upload session transitions by resulting state.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if m.blobs, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_registrations_total",
		Help:      "Blob registrations by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// ObserveCopy records one finished copy job. mode is "single" or
// "multipart"; stage names the failing step when err is non-nil.
func (m *Metrics) ObserveCopy(mode string, d time.Duration, size int64, stage string, err error) {
	if m == nil {
		return
	}
	m.copyDuration.WithLabelValues(mode).Observe(d.Seconds())
	if err != nil {
		m.copyErrors.WithLabelValues(stage).Inc()
		return
	}
	m.copiedBytes.Add(float64(size))
}

func (m *Metrics) PartCopied() {
	if m == nil {
		return
	}
	m.partsCopied.Inc()
}

func (m *Metrics) UploadTransition(state string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(state).Inc()
}

// BlobRegistered records "created", "existing" or "conflict".
func (m *Metrics) BlobRegistered(outcome string) {
	if m == nil {
		return
	}
	m.blobs.WithLabelValues(outcome).Inc()
}

// WatchGauge exports a value sampled at scrape time, such as the number of
// busy copy workers.
func (m *Metrics) WatchGauge(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	_, err := register(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.ns,
		Name:      name,
		Help:      help,
	}, fn))
	return err
}

// Handler serves the metrics of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
