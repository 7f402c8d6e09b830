package citiesair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/citiesair/fidas-uplink/internal/domain"
	"github.com/citiesair/fidas-uplink/internal/ports"
)

// Config configures the CITIESair ingestion endpoint.
type Config struct {
	URL        string        `yaml:"url"`
	AuthHeader string        `yaml:"auth_header"`
	AuthToken  string        `yaml:"auth_token"`
	Timeout    time.Duration `yaml:"timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.AuthHeader == "" {
		c.AuthHeader = "X-API-Key"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	return nil
}

// wireMeasurement is the JSON object the CITIESair API ingests. Metrics the
// instrument did not report are sent as null.
type wireMeasurement struct {
	SensorID    string   `json:"sensor_id"`
	Timestamp   string   `json:"ts"`
	Temperature *float64 `json:"t"`
	Humidity    *float64 `json:"h"`
	Pressure    *int64   `json:"p"` // Pa; the instrument reports hPa
	PM1         *float64 `json:"p1"`
	PM25        *float64 `json:"p25"`
	PM10        *float64 `json:"p10"`
}

// Uploader POSTs measurement batches to CITIESair. Acceptance is
// all-or-nothing: the endpoint either ingests the whole array (200 or 207)
// or the receipt reports nothing accepted with a classified cause.
type Uploader struct {
	cfg    Config
	client *http.Client
}

func NewUploader(cfg Config) (*Uploader, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Uploader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (u *Uploader) Name() string { return "citiesair" }

func (u *Uploader) Send(ctx context.Context, batch []domain.Measurement) domain.DeliveryReceipt {
	if len(batch) == 0 {
		return domain.DeliveryReceipt{}
	}

	payload := make([]wireMeasurement, len(batch))
	for i, m := range batch {
		payload[i] = toWire(m)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryReceipt{Err: fmt.Errorf("encode batch: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryReceipt{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if u.cfg.AuthToken != "" {
		req.Header.Set(u.cfg.AuthHeader, u.cfg.AuthToken)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return domain.DeliveryReceipt{Err: classifyTransport(err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusMultiStatus:
		return domain.DeliveryReceipt{AcceptedUpTo: batch[len(batch)-1].Seq}
	case resp.StatusCode >= 500:
		return domain.DeliveryReceipt{Err: &ports.ServerStatusError{Status: resp.StatusCode}}
	default:
		return domain.DeliveryReceipt{Err: &ports.ServerRejectedError{
			Status: resp.StatusCode,
			Body:   readBodyPrefix(resp.Body),
		}}
	}
}

func toWire(m domain.Measurement) wireMeasurement {
	return wireMeasurement{
		SensorID:    m.SensorID,
		Timestamp:   m.Timestamp.Format(time.RFC3339),
		Temperature: metric(m, domain.MetricTemperature),
		Humidity:    metric(m, domain.MetricHumidity),
		Pressure:    pressurePa(m),
		PM1:         metric(m, domain.MetricPM1),
		PM25:        metric(m, domain.MetricPM25),
		PM10:        metric(m, domain.MetricPM10),
	}
}

func metric(m domain.Measurement, key string) *float64 {
	v, ok := m.Values[key]
	if !ok {
		return nil
	}
	return &v
}

func pressurePa(m domain.Measurement) *int64 {
	v, ok := m.Values[domain.MetricPressure]
	if !ok {
		return nil
	}
	pa := int64(math.Round(v * 100))
	return &pa
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ports.ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ports.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ports.ErrNetworkUnreachable, err)
}

func readBodyPrefix(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}

var _ ports.Uploader = (*Uploader)(nil)
