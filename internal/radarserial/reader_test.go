package radarserial

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/config"
	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// scriptPort replays a fixed byte stream, then blocks until closed.
type scriptPort struct {
	mu     sync.Mutex
	r      *strings.Reader
	closed chan struct{}
	once   sync.Once
	writes []string
}

func newScriptPort(data string) *scriptPort {
	return &scriptPort{r: strings.NewReader(data), closed: make(chan struct{})}
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	n, err := p.r.Read(b)
	p.mu.Unlock()
	if err == io.EOF {
		<-p.closed
		return 0, io.EOF
	}
	return n, err
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *scriptPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func radarConfig() config.RadarConfig {
	return config.RadarConfig{
		Port:                "/dev/null",
		BaudRate:            19200,
		DirectionEpsilonMPH: 0.2,
		ReadTimeout:         config.Duration(time.Second),
		ReconnectMin:        config.Duration(5 * time.Millisecond),
		ReconnectMax:        config.Duration(50 * time.Millisecond),
		DegradedAfter:       config.Duration(time.Minute),
	}
}

func testReader(t *testing.T, cfg config.RadarConfig, open Opener) (*Reader, *broker.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	bus := broker.New(mr.Addr(), 500*time.Millisecond)
	t.Cleanup(func() { bus.Close() })
	return New(cfg, bus, timeutil.RealClock{}, open), bus
}

func collect(t *testing.T, sub *broker.Subscription, n int) []model.RadarSample {
	t.Helper()
	var samples []model.RadarSample
	deadline := time.After(5 * time.Second)
	for len(samples) < n {
		select {
		case msg := <-sub.C:
			var s model.RadarSample
			require.NoError(t, model.DecodeData(msg.Envelope, &s))
			samples = append(samples, s)
		case <-deadline:
			t.Fatalf("got %d samples, want %d", len(samples), n)
		}
	}
	return samples
}

func TestReaderPublishesSamples(t *testing.T) {
	port := newScriptPort("speed_mph=31.5,magnitude=1800\nspeed_mph=-12.0\nalert=high_alert\n")
	r, bus := testReader(t, radarConfig(), func() (Porter, error) { return port, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx, broker.TopicRadarDetections)
	defer sub.Close()

	require.NoError(t, r.Start(ctx))
	defer r.Stop(context.Background())

	samples := collect(t, sub, 3)

	assert.Equal(t, 31.5, samples[0].SpeedMPH)
	assert.Equal(t, model.DirectionApproaching, samples[0].Direction)
	assert.Equal(t, 1800.0, samples[0].Magnitude)
	assert.NotEmpty(t, samples[0].CorrelationID)

	// negative readings are receding; the published speed is unsigned
	assert.Equal(t, 12.0, samples[1].SpeedMPH)
	assert.Equal(t, model.DirectionReceding, samples[1].Direction)

	// alert-only frames come through with no speed or direction
	assert.Zero(t, samples[2].SpeedMPH)
	assert.Equal(t, model.DirectionUnknown, samples[2].Direction)
	assert.Equal(t, model.AlertHigh, samples[2].AlertLevel)

	assert.NotEqual(t, samples[0].CorrelationID, samples[1].CorrelationID)
}

func TestReaderAppendsSpeedFramesToStream(t *testing.T) {
	port := newScriptPort("speed_mph=20\nalert=low_alert\n")
	r, bus := testReader(t, radarConfig(), func() (Porter, error) { return port, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx, broker.TopicRadarDetections)
	defer sub.Close()

	require.NoError(t, r.Start(ctx))
	defer r.Stop(context.Background())
	collect(t, sub, 2)

	// only the speed frame lands on the bounded stream
	msg, err := bus.Latest(ctx, broker.StreamRadarData)
	require.NoError(t, err)
	var s model.RadarSample
	require.NoError(t, model.DecodeData(msg.Envelope, &s))
	assert.Equal(t, 20.0, s.SpeedMPH)
}

func TestReaderDropsMalformedFrames(t *testing.T) {
	port := newScriptPort("garbage with no fields\nspeed_mph=18\n")
	r, bus := testReader(t, radarConfig(), func() (Porter, error) { return port, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx, broker.TopicRadarDetections)
	defer sub.Close()

	require.NoError(t, r.Start(ctx))
	defer r.Stop(context.Background())

	samples := collect(t, sub, 1)
	assert.Equal(t, 18.0, samples[0].SpeedMPH)
}

func TestReaderReconnectsAfterOpenFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	port := newScriptPort("speed_mph=25\n")
	open := func() (Porter, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("device busy")
		}
		return port, nil
	}
	r, bus := testReader(t, radarConfig(), open)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx, broker.TopicRadarDetections)
	defer sub.Close()

	require.NoError(t, r.Start(ctx))
	defer r.Stop(context.Background())

	samples := collect(t, sub, 1)
	assert.Equal(t, 25.0, samples[0].SpeedMPH)
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestReaderSendsInitCommands(t *testing.T) {
	cfg := radarConfig()
	cfg.InitCommands = true
	port := newScriptPort("speed_mph=25\n")
	r, bus := testReader(t, cfg, func() (Porter, error) { return port, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx, broker.TopicRadarDetections)
	defer sub.Close()

	require.NoError(t, r.Start(ctx))
	defer r.Stop(context.Background())
	collect(t, sub, 1)

	port.mu.Lock()
	defer port.mu.Unlock()
	require.Len(t, port.writes, 4)
	assert.True(t, strings.HasPrefix(port.writes[0], "C="))
	assert.Equal(t, "OS\n", port.writes[1])
	assert.Equal(t, "OM\n", port.writes[2])
	assert.Equal(t, "US\n", port.writes[3])
}

func TestReaderHealthDegradesWhileDisconnected(t *testing.T) {
	cfg := radarConfig()
	cfg.DegradedAfter = config.Duration(time.Minute)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	mr := miniredis.RunT(t)
	bus := broker.New(mr.Addr(), 500*time.Millisecond)
	defer bus.Close()
	r := New(cfg, bus, clock, func() (Porter, error) { return nil, errors.New("no device") })

	r.setPort(nil, false)
	assert.Equal(t, "reconnecting", r.Health().Detail)

	clock.Advance(2 * time.Minute)
	status := r.Health()
	assert.NotEmpty(t, status.Detail)
	assert.Contains(t, status.Detail, "unreachable")
}
