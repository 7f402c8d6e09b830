package domain

import "time"

// Measurement is one Fidas reading on its way to CITIESair.
type Measurement struct {
	SensorID  string             `json:"sensor_id"`
	Timestamp time.Time          `json:"ts"`
	Seq       uint64             `json:"seq"`
	Values    map[string]float64 `json:"values"`
}

// Canonical keys of Measurement.Values, matching the column names of the
// Fidas text export.
const (
	MetricPM1         = "PM1"
	MetricPM25        = "PM2.5"
	MetricPM10        = "PM10"
	MetricHumidity    = "rH"
	MetricTemperature = "T"
	MetricPressure    = "p"
)

// DeliveryReceipt reports the outcome of one upload attempt. Acceptance is
// always a prefix of the submitted batch: AcceptedUpTo is the highest
// sequence number the endpoint confirmed, or 0 when nothing was accepted.
type DeliveryReceipt struct {
	AcceptedUpTo uint64
	Err          error
}

// Accepted reports whether the receipt confirms at least one measurement.
func (r DeliveryReceipt) Accepted() bool { return r.AcceptedUpTo > 0 }
