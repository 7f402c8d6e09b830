package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/citiesair/fidas-uplink/internal/domain"
)

// ErrChannelUploaderClosed is returned when a channel uploader receives a
// batch after being closed.
var ErrChannelUploaderClosed = errors.New("uplink: channel uploader closed")

// BatchFunc handles one ordered batch. Returning nil confirms the whole
// batch. Returned errors are classified with Retryable; wrap them in the
// exported taxonomy (ErrTimeout, ServerStatusError, ...) to request a retry,
// otherwise the pump drops the batch.
type BatchFunc func([]Measurement) error

// NewCallbackUploader adapts a function into a full Uploader so callers can
// plug arbitrary delivery logic without defining structs.
func NewCallbackUploader(name string, fn BatchFunc) Uploader {
	if name == "" {
		name = "callback"
	}
	return &callbackUploader{name: name, fn: fn}
}

// NewChannelUploader exposes confirmed batches via a channel; it returns the
// uploader, the read-only channel, and a close function the caller should
// invoke during shutdown. A send blocks until the consumer receives, so the
// consumer's pace backpressures the pump.
func NewChannelUploader(name string, buffer int) (Uploader, <-chan []Measurement, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Measurement, buffer)
	u := &channelUploader{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return u, ch, func() { u.close() }
}

type callbackUploader struct {
	name string
	fn   BatchFunc
}

func (u *callbackUploader) Send(_ context.Context, batch []domain.Measurement) DeliveryReceipt {
	if u.fn == nil {
		return DeliveryReceipt{Err: fmt.Errorf("callback uploader %q: nil handler", u.name)}
	}
	if len(batch) == 0 {
		return DeliveryReceipt{}
	}
	if err := u.fn(copyBatch(batch)); err != nil {
		return DeliveryReceipt{Err: err}
	}
	return DeliveryReceipt{AcceptedUpTo: batch[len(batch)-1].Seq}
}

func (u *callbackUploader) Name() string { return u.name }

type channelUploader struct {
	name   string
	ch     chan []Measurement
	closed chan struct{}
	once   sync.Once
}

func (u *channelUploader) Send(ctx context.Context, batch []domain.Measurement) DeliveryReceipt {
	select {
	case <-u.closed:
		return DeliveryReceipt{Err: ErrChannelUploaderClosed}
	default:
	}

	if len(batch) == 0 {
		return DeliveryReceipt{}
	}

	select {
	case <-u.closed:
		return DeliveryReceipt{Err: ErrChannelUploaderClosed}
	case <-ctx.Done():
		return DeliveryReceipt{Err: fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())}
	case u.ch <- copyBatch(batch):
		return DeliveryReceipt{AcceptedUpTo: batch[len(batch)-1].Seq}
	}
}

func (u *channelUploader) Name() string { return u.name }

func (u *channelUploader) close() {
	u.once.Do(func() {
		close(u.closed)
		close(u.ch)
	})
}

func copyBatch(batch []domain.Measurement) []Measurement {
	out := make([]Measurement, len(batch))
	copy(out, batch)
	return out
}
