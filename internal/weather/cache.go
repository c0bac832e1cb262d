// Package weather maintains the latest-known weather snapshots under the
// fixed broker cache keys and publishes an update notification whenever
// either key is written. Freshness policy lives with the consumers; the
// cache only records observed_at.
package weather

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/model"
)

// Cache is the read/write surface over the two weather cache keys.
type Cache struct {
	b *broker.Broker
}

// NewCache wraps the broker handle.
func NewCache(b *broker.Broker) *Cache {
	return &Cache{b: b}
}

// Write stores snap under its source's key (last writer wins, no TTL) and
// publishes on the weather_updates topic.
func (c *Cache) Write(ctx context.Context, snap model.WeatherSnapshot) error {
	key, err := keyFor(snap.Source)
	if err != nil {
		return err
	}
	if err := c.b.SetCache(ctx, key, model.SchemaWeatherSnapshot, snap, 0); err != nil {
		return err
	}
	c.b.PublishLogged(ctx, broker.TopicWeatherUpdates, model.SchemaWeatherSnapshot, snap)
	return nil
}

// Read returns the latest snapshot for source, or nil when none has been
// written yet.
func (c *Cache) Read(ctx context.Context, source model.WeatherSource) (*model.WeatherSnapshot, error) {
	key, err := keyFor(source)
	if err != nil {
		return nil, err
	}
	msg, err := c.b.GetCache(ctx, key)
	if errors.Is(err, broker.ErrNoRecord) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.WeatherSnapshot
	if err := model.DecodeData(msg.Envelope, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func keyFor(source model.WeatherSource) (string, error) {
	switch source {
	case model.WeatherSourceLocal:
		return broker.KeyWeatherLocal, nil
	case model.WeatherSourceAirport:
		return broker.KeyWeatherAirport, nil
	default:
		return "", fmt.Errorf("unknown weather source %q", source)
	}
}
