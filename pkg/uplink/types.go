package uplink

import (
	"github.com/citiesair/fidas-uplink/internal/domain"
	"github.com/citiesair/fidas-uplink/internal/ports"
)

// Measurement is one instrument reading flowing through the store → pump →
// uploader pipeline.
type Measurement = domain.Measurement

// DeliveryReceipt reports the outcome of one upload attempt.
type DeliveryReceipt = domain.DeliveryReceipt

// InstrumentReader produces measurements, one per call.
type InstrumentReader = ports.InstrumentReader

// SampleStore is the durable buffer of pending measurements.
type SampleStore = ports.SampleStore

// Uploader transmits ordered batches and reports prefix-acceptance receipts.
type Uploader = ports.Uploader

// Observability emits the structured logs and metrics of the pipeline.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Policy holds the pump and store knobs.
type Policy = ports.Policy

// Re-exported error taxonomy so embedders can classify without importing
// internal packages.
var (
	ErrTransientUnavailable = ports.ErrTransientUnavailable
	ErrStoreFull            = ports.ErrStoreFull
	ErrNetworkUnreachable   = ports.ErrNetworkUnreachable
	ErrTimeout              = ports.ErrTimeout
)

type (
	ProtocolError       = ports.ProtocolError
	ServerRejectedError = ports.ServerRejectedError
	ServerStatusError   = ports.ServerStatusError
)

// Retryable reports whether an upload failure should be retried with
// backoff rather than dropped.
func Retryable(err error) bool { return ports.Retryable(err) }
