// Package consolidator converts qualifying radar samples into consolidated
// traffic events. For each trigger it gathers the best camera detection
// inside a bounded correlation window and the freshest weather snapshots,
// then publishes exactly one event per retained trigger.
//
// The consolidator is single-instance by construction: one event loop owns
// all pending-trigger state, so consolidated events are totally ordered by
// their consolidation time and event IDs sort identically.
package consolidator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/config"
	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/supervisor"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// cameraSlack extends the camera buffer eviction horizon so detections that
// arrive out of order are still matchable for in-window triggers.
const cameraSlack = time.Second

// publishRetryDelay is the pause before the single in-line publish retry.
const publishRetryDelay = 100 * time.Millisecond

// spillRetryInterval throttles flush attempts while the broker is down.
const spillRetryInterval = time.Second

// triggerState tracks a pending trigger through its lifecycle.
type triggerState int

const (
	stateOpen triggerState = iota
	stateMatched
	stateExpired
	stateDropped
	stateResolved
)

// pendingTrigger is one radar trigger awaiting resolution. Dedup merges
// update the embedded sample's rolling max speed; the correlation ID and
// trigger time always remain those of the first sample.
type pendingTrigger struct {
	sample   model.RadarSample
	deadline time.Time
	state    triggerState
}

// Bus is the slice of the broker contract the consolidator exercises.
// *broker.Broker satisfies it; tests substitute a fake to exercise the
// publish-failure and spill paths.
type Bus interface {
	Publish(ctx context.Context, topic, schema string, rec any) error
	Append(ctx context.Context, stream string, maxLen int64, schema string, rec any) error
	SetCache(ctx context.Context, key, schema string, rec any, ttl time.Duration) error
	GetCache(ctx context.Context, key string) (*broker.Message, error)
}

// Subscriber opens the two inbound subscriptions. Split from Bus so tests
// can drive the loop methods directly without a live broker.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) *broker.Subscription
}

// Consolidator is the event-fusion state machine. All state is owned by one
// goroutine; the exported methods only manage lifecycle and health.
type Consolidator struct {
	cfg   config.ConsolidatorConfig
	bus   Bus
	sub   Subscriber
	clock timeutil.Clock

	cancel context.CancelFunc
	done   chan struct{}

	// loop-owned state, untouched outside run() except in direct-drive tests
	pending   []*pendingTrigger
	cameraBuf []model.CameraDetection
	spill     []model.ConsolidatedEvent
	nextFlush time.Time

	mu       sync.Mutex
	spilling bool
}

// New builds the consolidator. bus and sub are normally the same
// *broker.Broker.
func New(cfg config.ConsolidatorConfig, bus Bus, sub Subscriber, clock timeutil.Clock) *Consolidator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Consolidator{cfg: cfg, bus: bus, sub: sub, clock: clock}
}

func (c *Consolidator) Name() string { return "consolidator" }

// Start subscribes to the radar and camera topics and spawns the event loop.
func (c *Consolidator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	radarSub := c.sub.Subscribe(ctx, broker.TopicRadarDetections)
	cameraSub := c.sub.Subscribe(ctx, broker.TopicCameraDetections)
	go c.run(ctx, radarSub, cameraSub)
	return nil
}

// Stop cancels the loop and waits for it to drain. Pending triggers are
// resolved with whatever they have, as if their deadlines had passed.
func (c *Consolidator) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports degraded while events are sitting in the spill buffer.
func (c *Consolidator) Health() supervisor.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spilling {
		return supervisor.Status{State: supervisor.StateDegraded, Detail: "broker publish failing; events spilled"}
	}
	return supervisor.Status{State: supervisor.StateHealthy}
}

func (c *Consolidator) run(ctx context.Context, radarSub, cameraSub *broker.Subscription) {
	defer close(c.done)
	defer radarSub.Close()
	defer cameraSub.Close()

	for {
		// sleep until the earliest pending deadline or the next arrival
		var timerC <-chan time.Time
		var timer timeutil.Timer
		if deadline, ok := c.nextDeadline(); ok {
			wait := deadline.Sub(c.clock.Now())
			if wait < 0 {
				wait = 0
			}
			timer = c.clock.NewTimer(wait)
			timerC = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			c.drain()
			return
		case msg, ok := <-radarSub.C:
			if !ok {
				if timer != nil {
					timer.Stop()
				}
				c.drain()
				return
			}
			if msg.Envelope.Schema == model.SchemaRadarSample {
				var sample model.RadarSample
				if err := model.DecodeData(msg.Envelope, &sample); err != nil {
					monitoring.Logf("consolidator: %v", err)
				} else {
					c.handleRadar(sample)
				}
			}
		case msg, ok := <-cameraSub.C:
			if !ok {
				if timer != nil {
					timer.Stop()
				}
				c.drain()
				return
			}
			if msg.Envelope.Schema == model.SchemaCameraDetection {
				var det model.CameraDetection
				if err := model.DecodeData(msg.Envelope, &det); err != nil {
					monitoring.Logf("consolidator: %v", err)
				} else {
					c.handleCamera(det)
				}
			}
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}

		c.evictCameras()
		c.resolveDue(ctx)
		c.tryFlushSpill(ctx)
	}
}

// handleRadar classifies one radar sample: non-triggers are consumed
// silently, duplicates are merged, and the rest open a pending trigger.
func (c *Consolidator) handleRadar(sample model.RadarSample) {
	if !c.isTrigger(sample) {
		return
	}

	// duplicate suppression: a same-direction trigger inside the dedup
	// window contributes its speed to the retained trigger and is discarded
	for i := len(c.pending) - 1; i >= 0; i-- {
		p := c.pending[i]
		if sample.Direction == p.sample.Direction &&
			sample.ObservedAt.Sub(p.sample.ObservedAt) <= c.cfg.DedupWindow.D() {
			if sample.SpeedMPH > p.sample.SpeedMPH {
				p.sample.SpeedMPH = sample.SpeedMPH
			}
			monitoring.DroppedDedup.Inc()
			return
		}
	}

	c.pending = append(c.pending, &pendingTrigger{
		sample:   sample,
		deadline: sample.ObservedAt.Add(c.cfg.WindowPost.D()),
		state:    stateOpen,
	})
}

// isTrigger applies the trigger policy: at or above the speed threshold and
// moving in a known direction.
func (c *Consolidator) isTrigger(sample model.RadarSample) bool {
	if sample.Direction != model.DirectionApproaching && sample.Direction != model.DirectionReceding {
		return false
	}
	return sample.SpeedMPH >= c.cfg.MinTriggerSpeedMPH
}

// handleCamera inserts a detection into the time-ordered sliding buffer.
// Out-of-order arrivals inside the window are tolerated.
func (c *Consolidator) handleCamera(det model.CameraDetection) {
	i := len(c.cameraBuf)
	for i > 0 && c.cameraBuf[i-1].ObservedAt.After(det.ObservedAt) {
		i--
	}
	c.cameraBuf = append(c.cameraBuf, model.CameraDetection{})
	copy(c.cameraBuf[i+1:], c.cameraBuf[i:])
	c.cameraBuf[i] = det
}

// evictCameras drops buffered detections too old to match any future
// trigger.
func (c *Consolidator) evictCameras() {
	horizon := c.clock.Now().Add(-c.cfg.WindowPre.D() - cameraSlack)
	keep := 0
	for keep < len(c.cameraBuf) && c.cameraBuf[keep].ObservedAt.Before(horizon) {
		keep++
	}
	if keep > 0 {
		c.cameraBuf = append(c.cameraBuf[:0], c.cameraBuf[keep:]...)
	}
}

// nextDeadline returns the earliest pending deadline.
func (c *Consolidator) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	for _, p := range c.pending {
		if earliest.IsZero() || p.deadline.Before(earliest) {
			earliest = p.deadline
		}
	}
	return earliest, !earliest.IsZero()
}

// resolveDue resolves every pending trigger whose deadline has passed or
// that already has a sufficiently confident camera match.
func (c *Consolidator) resolveDue(ctx context.Context) {
	now := c.clock.Now()
	remaining := c.pending[:0]
	for _, p := range c.pending {
		best, found := c.bestMatch(p)
		switch {
		case found && best.Confidence >= c.cfg.EarlyMatchConfidence:
			p.state = stateMatched
			c.resolve(ctx, p, &best)
		case !now.Before(p.deadline):
			if found {
				p.state = stateMatched
				c.resolve(ctx, p, &best)
			} else if c.cfg.CameraStrictMode {
				p.state = stateDropped
				monitoring.DroppedStrict.Inc()
			} else {
				p.state = stateExpired
				c.resolve(ctx, p, nil)
			}
		default:
			remaining = append(remaining, p)
		}
	}
	c.pending = remaining
}

// bestMatch finds the camera detection in the trigger's correlation window
// with the highest confidence; ties break toward the smaller time offset
// from the trigger. Both window edges are inclusive.
func (c *Consolidator) bestMatch(p *pendingTrigger) (model.CameraDetection, bool) {
	windowStart := p.sample.ObservedAt.Add(-c.cfg.WindowPre.D())
	windowEnd := p.sample.ObservedAt.Add(c.cfg.WindowPost.D())

	var best model.CameraDetection
	var bestOffset time.Duration
	found := false
	for _, det := range c.cameraBuf {
		if det.ObservedAt.Before(windowStart) || det.ObservedAt.After(windowEnd) {
			continue
		}
		offset := det.ObservedAt.Sub(p.sample.ObservedAt)
		if offset < 0 {
			offset = -offset
		}
		if !found || det.Confidence > best.Confidence ||
			(det.Confidence == best.Confidence && offset < bestOffset) {
			best = det
			bestOffset = offset
			found = true
		}
	}
	return best, found
}

// resolve assembles and publishes the consolidated event for p.
func (c *Consolidator) resolve(ctx context.Context, p *pendingTrigger, camera *model.CameraDetection) {
	eventID, err := model.NewEventID()
	if err != nil {
		monitoring.Logf("consolidator: [%s] %v", p.sample.CorrelationID, err)
		return
	}

	ev := model.ConsolidatedEvent{
		EventID:        eventID,
		CorrelationID:  p.sample.CorrelationID,
		TriggeredAt:    p.sample.ObservedAt,
		ConsolidatedAt: c.clock.Now().UTC(),
		Radar:          p.sample,
		Camera:         camera,
		WeatherLocal:   c.freshWeather(ctx, model.WeatherSourceLocal, c.cfg.WeatherMaxAgeLocal.D()),
		WeatherAirport: c.freshWeather(ctx, model.WeatherSourceAirport, c.cfg.WeatherMaxAgeAirport.D()),
	}

	c.publish(ctx, ev)
	p.state = stateResolved
}

// freshWeather reads one weather cache key, attaching the snapshot only if
// it is within the configured maximum age.
func (c *Consolidator) freshWeather(ctx context.Context, source model.WeatherSource, maxAge time.Duration) *model.WeatherSnapshot {
	key := broker.KeyWeatherLocal
	if source == model.WeatherSourceAirport {
		key = broker.KeyWeatherAirport
	}
	msg, err := c.bus.GetCache(ctx, key)
	if errors.Is(err, broker.ErrNoRecord) {
		return nil
	}
	if err != nil {
		monitoring.Logf("consolidator: weather read failed: %v", err)
		return nil
	}
	var snap model.WeatherSnapshot
	if err := model.DecodeData(msg.Envelope, &snap); err != nil {
		monitoring.Logf("consolidator: %v", err)
		return nil
	}
	if c.clock.Since(snap.ObservedAt) > maxAge {
		return nil
	}
	return &snap
}

// publish sends ev to the stream, topic, and cache. A failing topic publish
// is retried once, then the event goes to the spill buffer; the trigger is
// RESOLVED either way.
func (c *Consolidator) publish(ctx context.Context, ev model.ConsolidatedEvent) {
	// older spilled events go first so broker ordering matches emission order
	if len(c.spill) > 0 {
		c.flushSpill(ctx)
		if len(c.spill) > 0 {
			c.addToSpill(ev)
			return
		}
	}

	if err := c.publishOnce(ctx, ev); err != nil {
		monitoring.PublishFailures.WithLabelValues(broker.TopicTrafficEvents).Inc()
		monitoring.Logf("consolidator: [%s] publish failed, retrying: %v", ev.CorrelationID, err)
		c.clock.Sleep(publishRetryDelay)
		if err := c.publishOnce(ctx, ev); err != nil {
			monitoring.PublishFailures.WithLabelValues(broker.TopicTrafficEvents).Inc()
			monitoring.Logf("consolidator: [%s] publish retry failed, spilling: %v", ev.CorrelationID, err)
			c.addToSpill(ev)
		}
	}
}

func (c *Consolidator) publishOnce(ctx context.Context, ev model.ConsolidatedEvent) error {
	if err := c.bus.Append(ctx, broker.StreamConsolidatedEvents, broker.ConsolidatedStreamMaxLen, model.SchemaConsolidatedEvent, ev); err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, broker.TopicTrafficEvents, model.SchemaConsolidatedEvent, ev); err != nil {
		return err
	}
	if err := c.bus.SetCache(ctx, broker.KeyConsolidation(ev.EventID), model.SchemaConsolidatedEvent, ev, c.cfg.CacheTTL.D()); err != nil {
		// the cache entry is a convenience copy; the event is already out
		monitoring.Logf("consolidator: [%s] cache write failed: %v", ev.CorrelationID, err)
	}
	return nil
}

// addToSpill appends ev, evicting the oldest entry at capacity.
func (c *Consolidator) addToSpill(ev model.ConsolidatedEvent) {
	if len(c.spill) >= c.cfg.SpillCapacity {
		c.spill = c.spill[1:]
		monitoring.SpillDrops.Inc()
	}
	c.spill = append(c.spill, ev)
	c.setSpilling(true)
}

// tryFlushSpill attempts a spill flush, throttled while the broker stays
// down.
func (c *Consolidator) tryFlushSpill(ctx context.Context) {
	if len(c.spill) == 0 {
		return
	}
	now := c.clock.Now()
	if now.Before(c.nextFlush) {
		return
	}
	c.flushSpill(ctx)
	if len(c.spill) > 0 {
		c.nextFlush = now.Add(spillRetryInterval)
	}
}

// flushSpill republishes spilled events in order, stopping at the first
// failure.
func (c *Consolidator) flushSpill(ctx context.Context) {
	for len(c.spill) > 0 {
		if err := c.publishOnce(ctx, c.spill[0]); err != nil {
			return
		}
		monitoring.Logf("consolidator: [%s] flushed spilled event", c.spill[0].CorrelationID)
		c.spill = c.spill[1:]
	}
	c.setSpilling(false)
}

// drain resolves every pending trigger as if its deadline had passed, then
// makes a final spill flush attempt.
func (c *Consolidator) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), supervisor.StopTimeout)
	defer cancel()
	for _, p := range c.pending {
		p.deadline = c.clock.Now()
	}
	c.resolveDue(ctx)
	if len(c.spill) > 0 {
		c.flushSpill(ctx)
	}
}

func (c *Consolidator) setSpilling(v bool) {
	c.mu.Lock()
	c.spilling = v
	c.mu.Unlock()
}
