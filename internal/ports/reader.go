package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/citiesair/fidas-uplink/internal/domain"
)

// ErrTransientUnavailable means the instrument link is momentarily not
// producing data (connection refused, no new rows yet). The pump skips the
// tick and tries again on the next one.
var ErrTransientUnavailable = errors.New("instrument transiently unavailable")

// ProtocolError marks a malformed instrument response. It is logged and
// counted, never fatal.
type ProtocolError struct {
	File string
	Line int
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("protocol error in %s line %d: %v", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("protocol error in %s: %v", e.File, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// InstrumentReader produces one measurement per call. Implementations assign
// Seq from a counter that survives restarts so sequence numbers never repeat
// for a given sensor.
type InstrumentReader interface {
	Read(ctx context.Context) (domain.Measurement, error)
	Close() error
}
