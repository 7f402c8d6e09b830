package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/citiesair/fidas-uplink/internal/adapters/observability"
	"github.com/citiesair/fidas-uplink/internal/domain"
	"github.com/citiesair/fidas-uplink/internal/ports"
)

// State of the pump loop, visible for introspection and tests.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateUploading
	StateBackingOff
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateUploading:
		return "uploading"
	case StateBackingOff:
		return "backing_off"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Pump is the single thread of control: read → append → drain-and-upload →
// acknowledge, on a fixed cadence. No two steps run concurrently, so the
// store sees a strictly serialized append/acknowledge sequence. The only
// blocking operations are the instrument read and the upload, both bounded
// by their adapters' timeouts.
type Pump struct {
	reader   ports.InstrumentReader
	store    ports.SampleStore
	uploader ports.Uploader
	pol      ports.Policy
	obs      ports.Observability

	state    atomic.Int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	bo      backoff.BackOff
	retryAt time.Time

	readCtx    context.Context
	readCancel context.CancelFunc
}

func New(reader ports.InstrumentReader, store ports.SampleStore, uploader ports.Uploader, pol ports.Policy, obs ports.Observability) *Pump {
	readCtx, readCancel := context.WithCancel(context.Background())
	p := &Pump{
		reader:     reader,
		store:      store,
		uploader:   uploader,
		pol:        pol,
		obs:        obs,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		readCtx:    readCtx,
		readCancel: readCancel,
	}
	p.bo = p.newBackoff()
	return p
}

// State reports the pump's current state.
func (p *Pump) State() State { return State(p.state.Load()) }

func (p *Pump) setState(s State) { p.state.Store(int32(s)) }

// Stop asks the pump to finish its current atomic step and exit. It returns
// immediately; Done reports completion.
func (p *Pump) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.readCancel()
	})
}

// Done is closed once the loop has fully exited.
func (p *Pump) Done() <-chan struct{} { return p.doneCh }

// Run blocks until Stop is called or durability is lost. A non-nil return
// means the process should exit non-zero so the supervisor restarts it.
func (p *Pump) Run() error {
	defer close(p.doneCh)
	defer p.setState(StateShuttingDown)

	// A restart may find a persisted backlog; drain it before the first
	// tick so recovery does not wait a full poll interval.
	if stop, err := p.drain(); stop || err != nil {
		return err
	}

	ticker := time.NewTicker(p.pol.PollInterval)
	defer ticker.Stop()

	for {
		p.setState(StateIdle)
		select {
		case <-p.stopCh:
			return nil
		case <-ticker.C:
		}

		appended, err := p.poll()
		if err != nil {
			return err
		}
		if !appended && p.store.PendingCount() == 0 {
			continue
		}

		if stop, err := p.drain(); stop || err != nil {
			return err
		}
	}
}

// poll performs the Polling step: one instrument read, one durable append.
// Transient and protocol errors are absorbed; store or state failures are
// fatal.
func (p *Pump) poll() (bool, error) {
	p.setState(StatePolling)

	// Reading consumes the row on the instrument side: the reader
	// advances its resume point when a row leaves it. A full store must
	// therefore push back before the Read, not after, or the row is gone
	// from both sides.
	if pending := p.store.PendingCount(); p.pol.StoreCapacity > 0 && pending >= p.pol.StoreCapacity {
		p.obs.IncCounter(observability.MetricStoreFull, 1)
		p.obs.LogError("store_full", ports.ErrStoreFull,
			ports.Field{Key: "pending", Value: pending})
		return false, nil
	}

	m, err := p.reader.Read(p.readCtx)
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrTransientUnavailable):
			p.obs.IncCounter(observability.MetricReadsSkipped, 1)
			return false, nil
		case isProtocolError(err):
			p.obs.IncCounter(observability.MetricProtocolErrors, 1)
			p.obs.LogError("instrument_protocol_error", err)
			return false, nil
		case errors.Is(err, context.Canceled):
			return false, nil
		default:
			p.obs.LogCritical("instrument_read_failed", err)
			return false, fmt.Errorf("instrument read: %w", err)
		}
	}

	if err := p.store.Append(m); err != nil {
		if errors.Is(err, ports.ErrStoreFull) {
			p.obs.IncCounter(observability.MetricStoreFull, 1)
			p.obs.LogError("store_full", err,
				ports.Field{Key: "seq", Value: m.Seq},
				ports.Field{Key: "pending", Value: p.store.PendingCount()})
			return false, nil
		}
		p.obs.LogCritical("store_append_failed", err)
		return false, fmt.Errorf("store append: %w", err)
	}
	return true, nil
}

// drain performs the Uploading/BackingOff steps until the backlog is empty,
// a shutdown is requested, or durability is lost. The first return value is
// true when a shutdown interrupted the drain.
//
// Backoff waits shorter than the poll interval happen in place; longer waits
// are postponed to a retry deadline so polling keeps filling the store while
// the endpoint stays down.
func (p *Pump) drain() (bool, error) {
	for {
		select {
		case <-p.stopCh:
			return true, nil
		default:
		}

		if !p.retryAt.IsZero() && time.Now().Before(p.retryAt) {
			return false, nil
		}

		p.setState(StateUploading)

		batch, err := p.store.PeekBatch(p.pol.MaxBatchSize)
		if err != nil {
			p.obs.LogCritical("store_peek_failed", err)
			return false, fmt.Errorf("store peek: %w", err)
		}
		if len(batch) == 0 {
			return false, nil
		}

		start := time.Now()
		receipt := p.uploader.Send(context.Background(), batch)
		p.obs.ObserveLatency(observability.MetricUploadLatency, time.Since(start).Seconds())

		if receipt.Accepted() {
			if err := p.store.Acknowledge(receipt.AcceptedUpTo); err != nil {
				p.obs.LogCritical("store_acknowledge_failed", err)
				return false, fmt.Errorf("store acknowledge: %w", err)
			}
			p.obs.IncCounter(observability.MetricUploaded, float64(countAccepted(batch, receipt.AcceptedUpTo)))
		}

		switch {
		case receipt.Err == nil:
			p.bo.Reset()
			p.retryAt = time.Time{}

		case ports.Retryable(receipt.Err):
			p.setState(StateBackingOff)
			p.obs.IncCounter(observability.MetricBackoffCycles, 1)
			wait := p.bo.NextBackOff()
			p.obs.LogError("upload_retryable_failure", receipt.Err,
				ports.Field{Key: "uploader", Value: p.uploader.Name()},
				ports.Field{Key: "retry_in", Value: wait.String()})
			if wait >= p.pol.PollInterval {
				p.retryAt = time.Now().Add(wait)
				return false, nil
			}
			select {
			case <-p.stopCh:
				return true, nil
			case <-time.After(wait):
			}

		default:
			// Non-retryable rejection: drop the batch so one poison
			// row cannot wedge the queue forever, and acknowledge it
			// to trim the store.
			p.obs.IncCounter(observability.MetricBatchesDropped, 1)
			p.obs.LogError("upload_rejected_batch_dropped", receipt.Err,
				ports.Field{Key: "uploader", Value: p.uploader.Name()},
				ports.Field{Key: "batch_size", Value: len(batch)},
				ports.Field{Key: "first_seq", Value: batch[0].Seq},
				ports.Field{Key: "last_seq", Value: batch[len(batch)-1].Seq})
			if err := p.store.Acknowledge(batch[len(batch)-1].Seq); err != nil {
				p.obs.LogCritical("store_acknowledge_failed", err)
				return false, fmt.Errorf("store acknowledge: %w", err)
			}
			p.bo.Reset()
			p.retryAt = time.Time{}
		}
	}
}

func (p *Pump) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.pol.BackoffBase
	b.MaxInterval = p.pol.BackoffCeiling
	b.RandomizationFactor = p.pol.BackoffJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // the pump retries until shutdown
	b.Reset()
	return b
}

func countAccepted(batch []domain.Measurement, upto uint64) int {
	n := 0
	for _, m := range batch {
		if m.Seq <= upto {
			n++
		}
	}
	return n
}

func isProtocolError(err error) bool {
	var perr *ports.ProtocolError
	return errors.As(err, &perr)
}
