package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

func TestTopicWatcherTracksLastEventAge(t *testing.T) {
	mr := miniredis.RunT(t)
	b := broker.New(mr.Addr(), 500*time.Millisecond)
	t.Cleanup(func() { b.Close() })

	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	w := NewTopicWatcher(b, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop(context.Background()) })

	assert.Empty(t, w.Ages(), "no topics seen yet")

	id, err := model.NewCorrelationID()
	require.NoError(t, err)
	sample := model.RadarSample{
		ObservedAt:    clock.Now(),
		SpeedMPH:      28.0,
		Direction:     model.DirectionApproaching,
		AlertLevel:    model.AlertNormal,
		CorrelationID: id,
	}
	require.NoError(t, b.Publish(ctx, broker.TopicRadarDetections, model.SchemaRadarSample, sample))

	require.Eventually(t, func() bool {
		_, ok := w.Ages()[broker.TopicRadarDetections]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	clock.Advance(5 * time.Second)

	ages := w.Ages()
	assert.Equal(t, 5.0, ages[broker.TopicRadarDetections])
	_, seen := ages[broker.TopicTrafficEvents]
	assert.False(t, seen, "quiet topics should not report an age")
}

func TestTopicWatcherStopClosesCleanly(t *testing.T) {
	mr := miniredis.RunT(t)
	b := broker.New(mr.Addr(), 500*time.Millisecond)
	t.Cleanup(func() { b.Close() })

	w := NewTopicWatcher(b, nil)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
}
