package uplink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/citiesair/fidas-uplink/internal/adapters/observability"
	"github.com/citiesair/fidas-uplink/internal/adapters/store"
	"github.com/citiesair/fidas-uplink/internal/app/pump"
	"github.com/citiesair/fidas-uplink/internal/domain"
	"github.com/citiesair/fidas-uplink/internal/ports"
)

// PublisherConfig configures the durable publisher used by embedders.
type PublisherConfig struct {
	Policy   Policy
	StoreDir string
}

func (c *PublisherConfig) applyDefaults() {
	if c.Policy.PollInterval == 0 {
		c.Policy.PollInterval = 50 * time.Millisecond
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 500
	}
	if c.Policy.GracePeriod == 0 {
		c.Policy.GracePeriod = 5 * time.Second
	}
	if c.Policy.StoreCapacity == 0 {
		c.Policy.StoreCapacity = 100_000
	}
	if c.Policy.BackoffBase == 0 {
		c.Policy.BackoffBase = time.Second
	}
	if c.Policy.BackoffCeiling == 0 {
		c.Policy.BackoffCeiling = 5 * time.Minute
	}
	if c.Policy.BackoffJitter == 0 {
		c.Policy.BackoffJitter = 0.5
	}
	if c.StoreDir == "" {
		c.StoreDir = "./data/uplink-publisher"
	}
}

func (c *PublisherConfig) validate() error {
	if c.Policy.MaxBatchSize <= 0 {
		return fmt.Errorf("policy.max_batch_size must be > 0")
	}
	if c.Policy.StoreCapacity <= 0 {
		return fmt.Errorf("policy.store_capacity must be > 0")
	}
	return nil
}

// Publisher exposes the store → pump → uploader pipeline to external
// producers: callers push measurements, the publisher persists them and
// delivers them through the sink callback with the same retry/backoff and
// crash-recovery guarantees as the agent. Sequence numbers are assigned
// internally and resume after the highest persisted one.
type Publisher struct {
	mu      sync.Mutex
	stor    *store.FileStore
	pmp     *pump.Pump
	nextSeq uint64
}

// NewPublisher opens (or resumes) the durable store under cfg.StoreDir and
// starts delivering pending and future measurements to fn.
func NewPublisher(cfg *PublisherConfig, fn BatchFunc) (*Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("sink callback is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	stor, err := store.NewFileStore(cfg.StoreDir, cfg.Policy.StoreCapacity)
	if err != nil {
		return nil, err
	}

	// Publishers register into a private registry so several can coexist
	// with a Runtime in one process.
	obs := observability.NewPromObsWithRegistry(zap.NewNop(), prometheus.NewRegistry())

	p := &Publisher{
		stor:    stor,
		nextSeq: stor.LastSeq() + 1,
	}
	p.pmp = pump.New(idleReader{}, stor, NewCallbackUploader("publisher", fn), cfg.Policy, obs)

	go func() { _ = p.pmp.Run() }()
	return p, nil
}

// Publish persists the measurement and schedules it for delivery. The
// caller's Seq is ignored; the publisher owns the counter. ErrStoreFull
// signals backpressure.
func (p *Publisher) Publish(m Measurement) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m.Seq = p.nextSeq
	if err := p.stor.Append(m); err != nil {
		return err
	}
	p.nextSeq++
	return nil
}

// PendingCount reports measurements persisted but not yet confirmed.
func (p *Publisher) PendingCount() int { return p.stor.PendingCount() }

// Close stops delivery, waiting for an in-flight batch to finish up to the
// context deadline, then closes the store. Undelivered measurements stay on
// disk and resume on the next NewPublisher with the same StoreDir.
func (p *Publisher) Close(ctx context.Context) error {
	p.pmp.Stop()
	select {
	case <-p.pmp.Done():
	case <-ctx.Done():
	}
	return p.stor.Close()
}

// idleReader is the instrument side of a publisher: there is none, so every
// poll tick is a skipped read and the pump spends its time draining what
// Publish appended.
type idleReader struct{}

func (idleReader) Read(context.Context) (domain.Measurement, error) {
	return domain.Measurement{}, ports.ErrTransientUnavailable
}

func (idleReader) Close() error { return nil }
