// Package broker implements the message fabric every pipeline component
// couples through: pub/sub topics, bounded append-only streams, and a
// string-keyed last-writer-wins cache, all carried by a single Redis
// connection per component. No component imports another; they only share
// the names and wire shape defined here.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/monitoring"
)

// Topic names (non-durable pub/sub, best effort, multi-subscriber).
const (
	TopicTrafficEvents    = "traffic_events"
	TopicRadarDetections  = "radar_detections"
	TopicCameraDetections = "camera_detections"
	TopicDatabaseEvents   = "database_events"
	TopicWeatherUpdates   = "weather_updates"
)

// Stream names and bounds (append-only rings, trimmed approximately).
const (
	StreamRadarData          = "radar_data"
	StreamConsolidatedEvents = "consolidated_traffic_data"

	RadarStreamMaxLen        = 1000
	ConsolidatedStreamMaxLen = 100
)

// Cache keys.
const (
	KeyWeatherLocal   = "weather:local:latest"
	KeyWeatherAirport = "weather:airport:latest"
)

// KeyConsolidation returns the cache key holding a consolidated event for
// its retention window on the broker.
func KeyConsolidation(eventID string) string {
	return "consolidation:" + eventID
}

// payloadField is the single stream-entry field carrying the JSON envelope.
const payloadField = "payload"

// ErrNoRecord is returned by Latest and GetCache when nothing is stored.
var ErrNoRecord = errors.New("broker: no record")

// Message is a decoded broker record as delivered to a subscriber.
type Message struct {
	Topic    string
	Envelope model.Envelope
	// Raw is the full envelope as it appeared on the wire. The broadcaster
	// forwards it verbatim so each event is serialized exactly once.
	Raw []byte
}

// Broker is one component's handle on the message fabric.
type Broker struct {
	rdb            *redis.Client
	publishTimeout time.Duration
}

// New connects to the broker at addr. The connection is owned by the calling
// component and must be closed by it.
func New(addr string, publishTimeout time.Duration) *Broker {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr}), publishTimeout)
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(rdb *redis.Client, publishTimeout time.Duration) *Broker {
	if publishTimeout <= 0 {
		publishTimeout = 500 * time.Millisecond
	}
	return &Broker{rdb: rdb, publishTimeout: publishTimeout}
}

// Ping verifies the broker connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Publish encodes rec into the wire envelope and publishes it on topic.
// The attempt is bounded by the publish timeout. Callers that do not need
// delivery feedback should prefer PublishLogged.
func (b *Broker) Publish(ctx context.Context, topic, schema string, rec any) error {
	payload, err := model.Encode(schema, rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

// PublishLogged publishes and, on failure, logs, increments the publish
// failure counter, and returns: producers proceed regardless.
func (b *Broker) PublishLogged(ctx context.Context, topic, schema string, rec any) {
	if err := b.Publish(ctx, topic, schema, rec); err != nil {
		monitoring.PublishFailures.WithLabelValues(topic).Inc()
		monitoring.Logf("broker: %v", err)
	}
}

// Append adds rec to the named bounded stream, trimming approximately to
// maxLen.
func (b *Broker) Append(ctx context.Context, stream string, maxLen int64, schema string, rec any) error {
	payload, err := model.Encode(schema, rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("append to stream %s failed: %w", stream, err)
	}
	return nil
}

// Latest returns the newest record on the named stream, or ErrNoRecord.
func (b *Broker) Latest(ctx context.Context, stream string) (*Message, error) {
	entries, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("read of stream %s failed: %w", stream, err)
	}
	if len(entries) == 0 {
		return nil, ErrNoRecord
	}
	raw, ok := entries[0].Values[payloadField].(string)
	if !ok {
		return nil, fmt.Errorf("stream %s entry missing payload field", stream)
	}
	env, err := model.DecodeEnvelope([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &Message{Topic: stream, Envelope: env, Raw: []byte(raw)}, nil
}

// SetCache stores rec under key. A zero ttl means no expiry.
func (b *Broker) SetCache(ctx context.Context, key, schema string, rec any, ttl time.Duration) error {
	payload, err := model.Encode(schema, rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache write of %s failed: %w", key, err)
	}
	return nil
}

// GetCache returns the record stored under key, or ErrNoRecord.
func (b *Broker) GetCache(ctx context.Context, key string) (*Message, error) {
	raw, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("cache read of %s failed: %w", key, err)
	}
	env, err := model.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return &Message{Topic: key, Envelope: env, Raw: raw}, nil
}
