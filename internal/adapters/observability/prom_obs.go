package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/citiesair/fidas-uplink/internal/ports"
)

// Metric names understood by PromObs. The pump and runtime reference these.
const (
	MetricUploaded       = "uplink_measurements_uploaded_total"
	MetricReadsSkipped   = "uplink_reads_skipped_total"
	MetricProtocolErrors = "uplink_protocol_errors_total"
	MetricBackoffCycles  = "uplink_backoff_cycles_total"
	MetricBatchesDropped = "uplink_batches_dropped_total"
	MetricStoreFull      = "uplink_store_full_total"
	MetricStorePending   = "uplink_store_pending"
	MetricUploadLatency  = "uplink_upload_latency_seconds"
)

type PromObs struct {
	log      *zap.Logger
	gatherer prometheus.Gatherer
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

func NewPromObs(log *zap.Logger) *PromObs {
	return newPromObs(log, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewPromObsWithRegistry avoids the default registry; used by tests and by
// embedders that manage their own.
func NewPromObsWithRegistry(log *zap.Logger, reg *prometheus.Registry) *PromObs {
	return newPromObs(log, reg, reg)
}

func newPromObs(log *zap.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) *PromObs {
	if log == nil {
		log = zap.NewNop()
	}

	uploaded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricUploaded,
		Help: "Measurements confirmed accepted by the ingestion endpoint.",
	})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricReadsSkipped,
		Help: "Polling ticks skipped because the instrument was unavailable.",
	})
	protoErrs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricProtocolErrors,
		Help: "Malformed instrument responses logged and skipped.",
	})
	backoffs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricBackoffCycles,
		Help: "Backoff waits entered after retryable upload failures.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricBatchesDropped,
		Help: "Batches dropped after a non-retryable rejection.",
	})
	storeFull := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricStoreFull,
		Help: "Appends rejected because the sample store hit its ceiling.",
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: MetricStorePending,
		Help: "Measurements persisted but not yet confirmed delivered.",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricUploadLatency,
		Help:    "Latency of upload attempts.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	reg.MustRegister(uploaded, skipped, protoErrs, backoffs, dropped, storeFull, pending, latency)

	return &PromObs{
		log:      log,
		gatherer: gatherer,
		counters: map[string]prometheus.Counter{
			MetricUploaded:       uploaded,
			MetricReadsSkipped:   skipped,
			MetricProtocolErrors: protoErrs,
			MetricBackoffCycles:  backoffs,
			MetricBatchesDropped: dropped,
			MetricStoreFull:      storeFull,
		},
		gauges: map[string]prometheus.Gauge{
			MetricStorePending: pending,
		},
		histos: map[string]prometheus.Observer{
			MetricUploadLatency: latency,
		},
	}
}

// MetricsHandler serves the registry this adapter's instruments live in, so
// the /metrics endpoint always reflects the pipeline metrics regardless of
// which registry the adapter was built on.
func (p *PromObs) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, zapFields(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(zapFields(fields), zap.Error(err), zap.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func zapFields(fields []ports.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
