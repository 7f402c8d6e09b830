package uplink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/citiesair/fidas-uplink/internal/adapters/citiesair"
	"github.com/citiesair/fidas-uplink/internal/adapters/fidas"
	"github.com/citiesair/fidas-uplink/internal/adapters/observability"
	"github.com/citiesair/fidas-uplink/internal/adapters/state"
	"github.com/citiesair/fidas-uplink/internal/adapters/store"
	"github.com/citiesair/fidas-uplink/internal/app/pump"
	"github.com/citiesair/fidas-uplink/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	reader        InstrumentReader
	store         SampleStore
	uploader      Uploader
	observability Observability
	logger        *zap.Logger
}

// WithReader injects a custom instrument reader (simulators, other
// instruments, test doubles).
func WithReader(r InstrumentReader) RuntimeOption {
	return func(o *runtimeOverrides) { o.reader = r }
}

// WithStore lets callers bring their own durable store implementation.
func WithStore(s SampleStore) RuntimeOption {
	return func(o *runtimeOverrides) { o.store = s }
}

// WithUploader injects a custom uploader so batches can go to any endpoint.
func WithUploader(u Uploader) RuntimeOption {
	return func(o *runtimeOverrides) { o.uploader = u }
}

// WithObservability plugs in a custom metrics/logging backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) { o.observability = obs }
}

// WithLogger overrides the default production zap logger used by the
// default observability backend.
func WithLogger(log *zap.Logger) RuntimeOption {
	return func(o *runtimeOverrides) { o.logger = log }
}

// Runtime wires the reader → store → uploader pump and exposes lifecycle
// hooks for running the agent as a binary or embedding it in another
// service.
type Runtime struct {
	cfg   *Config
	pol   ports.Policy
	obs   ports.Observability
	stor  ports.SampleStore
	rdr   ports.InstrumentReader
	upldr ports.Uploader
	pmp   *pump.Pump

	resume     *state.Store
	metricsSrv *http.Server
	gaugeStop  chan struct{}
	pumpErrCh  chan error
}

// NewRuntime bootstraps the default adapters (Fidas FTP reader with sqlite
// resume state, file-backed sample store, CITIESair uploader, Prometheus +
// zap observability). Options override any of them. A non-nil error here is
// an unrecoverable configuration problem; main should exit non-zero so the
// supervisor's restart policy stays visible to operators.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	obs := overrides.observability
	if obs == nil {
		log := overrides.logger
		if log == nil {
			var err error
			log, err = zap.NewProduction()
			if err != nil {
				return nil, err
			}
		}
		obs = observability.NewPromObs(log)
	}

	stor := overrides.store
	if stor == nil {
		var err error
		stor, err = store.NewFileStore(cfg.Store.Dir, cfg.Store.Capacity)
		if err != nil {
			return nil, fmt.Errorf("open sample store: %w", err)
		}
	}

	var resume *state.Store
	rdr := overrides.reader
	if rdr == nil {
		var err error
		resume, err = state.Open(cfg.State.Path)
		if err != nil {
			stor.Close()
			return nil, fmt.Errorf("open resume state: %w", err)
		}
		rdr, err = fidas.NewReader(cfg.Fidas, resume)
		if err != nil {
			resume.Close()
			stor.Close()
			return nil, err
		}
	}

	upldr := overrides.uploader
	if upldr == nil {
		var err error
		upldr, err = citiesair.NewUploader(cfg.CitiesAir)
		if err != nil {
			if resume != nil {
				resume.Close()
			}
			stor.Close()
			return nil, err
		}
	}

	pol := cfg.Policy()
	return &Runtime{
		cfg:    cfg,
		pol:    pol,
		obs:    obs,
		stor:   stor,
		rdr:    rdr,
		upldr:  upldr,
		pmp:    pump.New(rdr, stor, upldr, pol, obs),
		resume: resume,
	}, nil
}

// Start launches the pump and the metrics stack. It returns immediately;
// call Run to block on a context instead.
func (r *Runtime) Start() error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}

	if pending := r.stor.PendingCount(); pending > 0 {
		r.obs.LogInfo("backlog_recovered", Field{Key: "pending", Value: pending})
	}

	r.pumpErrCh = make(chan error, 1)
	go func() {
		r.pumpErrCh <- r.pmp.Run()
	}()

	r.startMetrics()
	return nil
}

// Run starts the runtime and blocks until the context is cancelled or the
// pump loses durability. Shutdown is bounded by the configured grace
// period; the store has already persisted all unacknowledged work, so a
// forced exit after the grace period loses nothing.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.pol.GracePeriod)
		defer cancel()
		return r.Shutdown(shutdownCtx)
	case err := <-r.pumpErrCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.pol.GracePeriod)
		defer cancel()
		return errors.Join(err, r.Shutdown(shutdownCtx))
	}
}

// Shutdown asks the pump to finish its current atomic step, waits up to the
// context deadline, then releases every resource.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	r.pmp.Stop()
	select {
	case <-r.pmp.Done():
	case <-ctx.Done():
		// Grace period elapsed with a step still in flight. Safe: the
		// store persisted everything unacknowledged.
		r.obs.LogError("shutdown_grace_elapsed", ctx.Err())
	}

	if r.gaugeStop != nil {
		close(r.gaugeStop)
		r.gaugeStop = nil
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if err := r.rdr.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.stor.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.resume != nil {
		if err := r.resume.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// PendingCount reports the current backlog size.
func (r *Runtime) PendingCount() int { return r.stor.PendingCount() }

func (r *Runtime) startMetrics() {
	// Observability backends with their own registry serve it; anything
	// else gets the default registry's handler.
	metricsHandler := http.Handler(promhttp.Handler())
	if h, ok := r.obs.(interface{ MetricsHandler() http.Handler }); ok {
		metricsHandler = h.MetricsHandler()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.metricsSrv = &http.Server{
		Addr:    r.cfg.Metrics.Addr,
		Handler: mux,
	}

	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics_server_exited", err)
		}
	}()

	r.gaugeStop = make(chan struct{})
	go r.recordResourceGauges(r.gaugeStop, time.Second)
}

func (r *Runtime) recordResourceGauges(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.obs.SetGauge(observability.MetricStorePending, float64(r.stor.PendingCount()))
		}
	}
}
