package fidasuplink

import (
	base "github.com/citiesair/fidas-uplink/pkg/uplink"
)

// Re-exported errors for convenience.
var (
	ErrTransientUnavailable  = base.ErrTransientUnavailable
	ErrStoreFull             = base.ErrStoreFull
	ErrNetworkUnreachable    = base.ErrNetworkUnreachable
	ErrTimeout               = base.ErrTimeout
	ErrChannelUploaderClosed = base.ErrChannelUploaderClosed
)

// Type aliases so consumers can import github.com/citiesair/fidas-uplink directly.
type (
	Config              = base.Config
	PumpConfig          = base.PumpConfig
	BackoffConfig       = base.BackoffConfig
	StoreConfig         = base.StoreConfig
	StateConfig         = base.StateConfig
	FidasConfig         = base.FidasConfig
	CitiesAirConfig     = base.CitiesAirConfig
	MetricsConfig       = base.MetricsConfig
	Policy              = base.Policy
	Runtime             = base.Runtime
	RuntimeOption       = base.RuntimeOption
	Publisher           = base.Publisher
	PublisherConfig     = base.PublisherConfig
	Measurement         = base.Measurement
	DeliveryReceipt     = base.DeliveryReceipt
	BatchFunc           = base.BatchFunc
	InstrumentReader    = base.InstrumentReader
	SampleStore         = base.SampleStore
	Uploader            = base.Uploader
	Observability       = base.Observability
	Field               = base.Field
	ProtocolError       = base.ProtocolError
	ServerRejectedError = base.ServerRejectedError
	ServerStatusError   = base.ServerStatusError
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Runtime construction and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithReader(r InstrumentReader) RuntimeOption { return base.WithReader(r) }

func WithStore(s SampleStore) RuntimeOption { return base.WithStore(s) }

func WithUploader(u Uploader) RuntimeOption { return base.WithUploader(u) }

func WithObservability(obs Observability) RuntimeOption { return base.WithObservability(obs) }

// Uploader adapters.
func NewCallbackUploader(name string, fn BatchFunc) Uploader {
	return base.NewCallbackUploader(name, fn)
}

func NewChannelUploader(name string, buffer int) (Uploader, <-chan []Measurement, func()) {
	return base.NewChannelUploader(name, buffer)
}

// Durable publisher for embedding.
func NewPublisher(cfg *PublisherConfig, fn BatchFunc) (*Publisher, error) {
	return base.NewPublisher(cfg, fn)
}

// Retryable reports whether an upload failure should be retried with backoff.
func Retryable(err error) bool { return base.Retryable(err) }
