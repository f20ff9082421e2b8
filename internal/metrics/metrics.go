// Package metrics exposes the kernel's Prometheus instrumentation: run-queue
// depth, crank latency, garbage collector sweeps, and vat lifecycle counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the counters and histograms the dispatcher, refs accounting,
// and subcluster manager report into.
type Metrics struct {
	RunQueueDepth   prometheus.Gauge
	CrankLatency    *prometheus.HistogramVec
	CranksTotal     *prometheus.CounterVec
	GCSweeps        prometheus.Counter
	GCDropsSent     prometheus.Counter
	GCRetiresSent   prometheus.Counter
	ActiveVats      prometheus.Gauge
	VatRestarts     *prometheus.CounterVec
	SavepointDepth  prometheus.Gauge
	TranscriptBytes prometheus.Counter
}

// New registers the kernel's metrics against reg and returns the handle used
// to record them. Passing prometheus.NewRegistry() keeps metrics isolated
// per daemon instance, which matters for tests that start more than one.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocapkernel",
			Subsystem: "dispatch",
			Name:      "run_queue_depth",
			Help:      "Number of events currently queued for the crank loop.",
		}),
		CrankLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ocapkernel",
			Subsystem: "dispatch",
			Name:      "crank_duration_seconds",
			Help:      "Time spent executing a single crank, by event kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_kind"}),
		CranksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocapkernel",
			Subsystem: "dispatch",
			Name:      "cranks_total",
			Help:      "Cranks executed, partitioned by event kind and outcome.",
		}, []string{"event_kind", "outcome"}),
		GCSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ocapkernel",
			Subsystem: "refs",
			Name:      "gc_sweeps_total",
			Help:      "Garbage collection sweeps performed across all subclusters.",
		}),
		GCDropsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ocapkernel",
			Subsystem: "refs",
			Name:      "gc_drop_exports_total",
			Help:      "dropExports deliveries sent to owning vats.",
		}),
		GCRetiresSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ocapkernel",
			Subsystem: "refs",
			Name:      "gc_retire_exports_total",
			Help:      "retireExports deliveries sent to owning vats.",
		}),
		ActiveVats: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocapkernel",
			Subsystem: "subcluster",
			Name:      "active_vats",
			Help:      "Vats currently running across all subclusters.",
		}),
		VatRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocapkernel",
			Subsystem: "subcluster",
			Name:      "vat_restarts_total",
			Help:      "Vat restarts, partitioned by reason.",
		}, []string{"reason"}),
		SavepointDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocapkernel",
			Subsystem: "kv",
			Name:      "savepoint_depth",
			Help:      "Depth of the nested savepoint stack on the kernel's KV transaction.",
		}),
		TranscriptBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ocapkernel",
			Subsystem: "vat",
			Name:      "transcript_bytes_total",
			Help:      "Bytes appended to vat transcripts, for rehydration cost tracking.",
		}),
	}
}

// Handler returns the HTTP handler serving reg's metrics in the Prometheus
// exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
