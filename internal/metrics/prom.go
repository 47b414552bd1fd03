package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "segvault"

// Prom holds the Prometheus series. It satisfies the consumer's Observer and
// the reader/redactor Recorder.
type Prom struct {
	registry *prometheus.Registry

	flushes       *prometheus.CounterVec
	flushFailures *prometheus.CounterVec
	flushLatency  *prometheus.HistogramVec
	flushBytes    *prometheus.CounterVec
	malformed     prometheus.Counter
	decryptFails  prometheus.Counter
	redactions    *prometheus.CounterVec
}

// NewProm registers all series on a fresh registry together with the Go and
// process collectors.
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Successful flushes by executor.",
		}, []string{"executor"}),
		flushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Failed flushes by executor.",
		}, []string{"executor"}),
		flushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Upload plus metadata insert latency per flush.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"executor"}),
		flushBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_bytes_total",
			Help:      "Ciphertext bytes written by executor.",
		}, []string{"executor"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Stream messages skipped as undecodable.",
		}),
		decryptFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryption_failures_total",
			Help:      "Segment reads that failed authentication.",
		}),
		redactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redactions_total",
			Help:      "Redaction steps applied by stage.",
		}, []string{"stage"}),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.flushes, p.flushFailures, p.flushLatency, p.flushBytes,
		p.malformed, p.decryptFails, p.redactions,
	)
	return p
}

// Handler exposes the registry in the Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry returns the underlying registry.
func (p *Prom) Registry() *prometheus.Registry { return p.registry }

func (p *Prom) Flushed(executor string, _ int, bytes int64, elapsed time.Duration) {
	p.flushes.WithLabelValues(executor).Inc()
	p.flushBytes.WithLabelValues(executor).Add(float64(bytes))
	p.flushLatency.WithLabelValues(executor).Observe(elapsed.Seconds())
}

func (p *Prom) FlushFailed(executor string) { p.flushFailures.WithLabelValues(executor).Inc() }

func (p *Prom) Malformed() { p.malformed.Inc() }

func (p *Prom) DecryptionFailed() { p.decryptFails.Inc() }

func (p *Prom) Redacted(stage string) { p.redactions.WithLabelValues(stage).Inc() }
