package model

import (
	"encoding/json"
	"fmt"
)

// Schema tags carried by every record on the broker. Consumers ignore extra
// fields inside data; records with a schema they do not recognise are dropped
// and counted, never surfaced as an error to the publisher.
const (
	SchemaRadarSample       = "radar.sample.v1"
	SchemaCameraDetection   = "camera.detection.v1"
	SchemaWeatherSnapshot   = "weather.snapshot.v1"
	SchemaConsolidatedEvent = "event.consolidated.v1"
	SchemaDatabaseFlush     = "db.flush.v1"
	SchemaHello             = "hello"
)

// KnownSchemas is the set of schema tags this build understands.
var KnownSchemas = map[string]bool{
	SchemaRadarSample:       true,
	SchemaCameraDetection:   true,
	SchemaWeatherSnapshot:   true,
	SchemaConsolidatedEvent: true,
	SchemaDatabaseFlush:     true,
	SchemaHello:             true,
}

// Envelope is the self-describing wire shape for every broker record:
// {"schema": "...", "v": 1, "data": {...}}.
type Envelope struct {
	Schema string          `json:"schema"`
	V      int             `json:"v"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Encode wraps rec in an envelope and marshals it.
func Encode(schema string, rec any) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s record: %w", schema, err)
	}
	return json.Marshal(Envelope{Schema: schema, V: 1, Data: data})
}

// DecodeEnvelope parses the outer envelope without touching the payload.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed broker record: %w", err)
	}
	if env.Schema == "" {
		return Envelope{}, fmt.Errorf("broker record missing schema tag")
	}
	return env, nil
}

// DecodeData unmarshals an envelope payload into out.
func DecodeData(env Envelope, out any) error {
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", env.Schema, err)
	}
	return nil
}

// DatabaseFlush is published on the database_events topic after each
// successful batch commit by the persistence writer.
type DatabaseFlush struct {
	Count      int     `json:"count"`
	DurationMS float64 `json:"duration_ms"`
}
