package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/citiesair/fidas-uplink/internal/domain"
)

// Retryable upload failures.
var (
	ErrNetworkUnreachable = errors.New("upload endpoint unreachable")
	ErrTimeout            = errors.New("upload timed out")
)

// ServerRejectedError is a 4xx-class response: retrying the same batch
// content will not succeed.
type ServerRejectedError struct {
	Status int
	Body   string
}

func (e *ServerRejectedError) Error() string {
	return fmt.Sprintf("server rejected batch: status %d: %s", e.Status, e.Body)
}

// ServerStatusError is a 5xx-class response: the endpoint is struggling and
// the batch should be retried after backoff.
type ServerStatusError struct {
	Status int
}

func (e *ServerStatusError) Error() string {
	return fmt.Sprintf("server error: status %d", e.Status)
}

// Retryable reports whether an upload failure should drive the backoff
// state rather than being dropped.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkUnreachable) || errors.Is(err, ErrTimeout) {
		return true
	}
	var srv *ServerStatusError
	return errors.As(err, &srv)
}

// Uploader transmits an ordered batch and reports the outcome. It never
// mutates the SampleStore; trimming is the pump's job, driven by the
// receipt. The accepted set is always a prefix of the batch.
type Uploader interface {
	Send(ctx context.Context, batch []domain.Measurement) domain.DeliveryReceipt
	Name() string
}
