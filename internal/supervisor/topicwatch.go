package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// TopicWatcher observes every pipeline topic and records when the last
// record arrived, feeding the per-topic age figures in the health snapshot.
type TopicWatcher struct {
	b      *broker.Broker
	clock  timeutil.Clock
	topics []string

	mu     sync.Mutex
	last   map[string]time.Time
	sub    *broker.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTopicWatcher watches the standard pipeline topics.
func NewTopicWatcher(b *broker.Broker, clock timeutil.Clock) *TopicWatcher {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &TopicWatcher{
		b:     b,
		clock: clock,
		topics: []string{
			broker.TopicTrafficEvents,
			broker.TopicRadarDetections,
			broker.TopicCameraDetections,
			broker.TopicDatabaseEvents,
			broker.TopicWeatherUpdates,
		},
		last: make(map[string]time.Time),
	}
}

func (w *TopicWatcher) Name() string { return "topic_watcher" }

func (w *TopicWatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.sub = w.b.Subscribe(ctx, w.topics...)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		for msg := range w.sub.C {
			w.mu.Lock()
			w.last[msg.Topic] = w.clock.Now()
			w.mu.Unlock()
		}
	}()
	return nil
}

func (w *TopicWatcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.sub != nil {
		w.sub.Close()
	}
	if w.done != nil {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *TopicWatcher) Health() Status {
	return Status{State: StateHealthy}
}

// Ages returns seconds since the last record per topic, for topics that have
// seen at least one record.
func (w *TopicWatcher) Ages() map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]float64, len(w.last))
	for topic, t := range w.last {
		out[topic] = w.clock.Since(t).Seconds()
	}
	return out
}
