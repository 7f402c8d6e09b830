package ports

import (
	"errors"

	"github.com/citiesair/fidas-uplink/internal/domain"
)

// ErrStoreFull signals backpressure: the pending backlog reached the
// configured capacity ceiling and the append was rejected.
var ErrStoreFull = errors.New("sample store full")

// SampleStore is the durable buffer between the instrument and the uploader.
// It is the only state that survives a crash. Append is durable before it
// returns; Acknowledge is durable and idempotent. Any error other than
// ErrStoreFull means durability can no longer be guaranteed and the process
// should exit so the supervisor restarts it.
type SampleStore interface {
	Append(m domain.Measurement) error
	PeekBatch(max int) ([]domain.Measurement, error)
	Acknowledge(uptoSeq uint64) error
	PendingCount() int
	Close() error
}
