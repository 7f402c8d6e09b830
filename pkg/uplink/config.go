package uplink

import (
	"github.com/citiesair/fidas-uplink/internal/adapters/citiesair"
	"github.com/citiesair/fidas-uplink/internal/adapters/fidas"
	"github.com/citiesair/fidas-uplink/internal/app/config"
)

// Config re-exports the root configuration struct so embedders can construct
// or modify it programmatically.
type Config = config.Config

type (
	// PumpConfig controls the polling cadence and batch size.
	PumpConfig = config.PumpConfig
	// BackoffConfig shapes the retry delays.
	BackoffConfig = config.BackoffConfig
	// StoreConfig configures the on-disk sample store.
	StoreConfig = config.StoreConfig
	// StateConfig locates the reader's resume database.
	StateConfig = config.StateConfig
	// FidasConfig holds the FTP connection details.
	FidasConfig = fidas.Config
	// CitiesAirConfig configures the ingestion endpoint.
	CitiesAirConfig = citiesair.Config
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
