// Package model defines the sensor and event records that travel through the
// broker and into the event store. All timestamps are UTC; all internal units
// are the ones the sensors report (speeds in mph, temperatures in degrees C,
// wind in m/s). Unit conversion for display happens at the serialization edge
// in the gateway, never here.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction is the radial direction of travel relative to the radar.
type Direction string

const (
	DirectionApproaching Direction = "approaching"
	DirectionReceding    Direction = "receding"
	DirectionStationary  Direction = "stationary"
	DirectionUnknown     Direction = "unknown"
)

// AlertLevel is the radar-reported alert band for a sample.
type AlertLevel string

const (
	AlertNormal AlertLevel = "normal"
	AlertLow    AlertLevel = "low_alert"
	AlertHigh   AlertLevel = "high_alert"
)

// WeatherSource identifies which sensor produced a WeatherSnapshot.
type WeatherSource string

const (
	WeatherSourceLocal   WeatherSource = "local"
	WeatherSourceAirport WeatherSource = "airport"
)

// RadarSample is one observation from the doppler radar. SpeedMPH is always
// non-negative; the sign of the raw reading is captured in Direction.
type RadarSample struct {
	ObservedAt    time.Time  `json:"observed_at"`
	SpeedMPH      float64    `json:"speed_mph"`
	Magnitude     float64    `json:"magnitude,omitempty"`
	Direction     Direction  `json:"direction"`
	AlertLevel    AlertLevel `json:"alert_level"`
	CorrelationID string     `json:"correlation_id"`
}

// CameraDetection is one vehicle classification published by the camera.
type CameraDetection struct {
	ObservedAt  time.Time `json:"observed_at"`
	VehicleType string    `json:"vehicle_type"`
	Confidence  float64   `json:"confidence"`
	BBox        *[4]int   `json:"bbox,omitempty"`
	ImageRef    *string   `json:"image_ref,omitempty"`
}

// WeatherSnapshot is the latest-known reading from one weather source.
// HumidityPct is only reported by the local sensor; Conditions only by the
// airport METAR feed.
type WeatherSnapshot struct {
	Source       WeatherSource `json:"source"`
	ObservedAt   time.Time     `json:"observed_at"`
	TemperatureC float64       `json:"temperature_c"`
	HumidityPct  *float64      `json:"humidity_pct,omitempty"`
	WindMPS      float64       `json:"wind_mps"`
	VisibilityM  float64       `json:"visibility_m"`
	Conditions   string        `json:"conditions,omitempty"`
}

// ConsolidatedEvent is the unit of persistence and broadcast: one radar
// trigger fused with the best camera detection in its correlation window and
// the freshest weather snapshots.
//
// Invariants: Radar is never zero-valued; ConsolidatedAt >= TriggeredAt;
// EventID sort order matches ConsolidatedAt order for events minted by one
// consolidator (UUIDv7 is time-ordered).
type ConsolidatedEvent struct {
	EventID        string           `json:"event_id"`
	CorrelationID  string           `json:"correlation_id"`
	TriggeredAt    time.Time        `json:"triggered_at"`
	ConsolidatedAt time.Time        `json:"consolidated_at"`
	Radar          RadarSample      `json:"radar"`
	Camera         *CameraDetection `json:"camera"`
	WeatherLocal   *WeatherSnapshot `json:"weather_local"`
	WeatherAirport *WeatherSnapshot `json:"weather_airport"`
}

// NewEventID mints a time-sortable 128-bit event identifier.
func NewEventID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to mint event id: %w", err)
	}
	return id.String(), nil
}

// NewCorrelationID mints the correlation identifier attached to a radar
// sample at ingest. It travels unchanged through the whole pipeline.
func NewCorrelationID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to mint correlation id: %w", err)
	}
	return id.String(), nil
}
