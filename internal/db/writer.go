package db

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/config"
	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/supervisor"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// flushPoll is how often the writer loop re-checks the age-based flush
// condition and retry deadline.
const flushPoll = 250 * time.Millisecond

// degradedAfter marks the writer degraded once flushes have been failing
// this long.
const degradedAfter = 30 * time.Second

// Publisher is the outbound slice of the broker the writer uses to announce
// committed batches on the database_events topic.
type Publisher interface {
	Publish(ctx context.Context, topic, schema string, rec any) error
}

// Subscriber opens the writer's traffic_events subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) *broker.Subscription
}

// Writer consumes consolidated events from the broker and is their sole
// durable owner: it batches them into the store, retries failed flushes
// with capped backoff, and enforces the retention horizon.
type Writer struct {
	db    *DB
	cfg   config.StoreConfig
	pub   Publisher
	sub   Subscriber
	clock timeutil.Clock

	cancel context.CancelFunc
	done   chan struct{}

	// loop-owned batching state
	buf          []model.ConsolidatedEvent
	oldestAt     time.Time // arrival time of the oldest buffered event
	retryBackoff time.Duration
	nextRetry    time.Time

	mu           sync.Mutex
	failingSince time.Time
}

// NewWriter builds the persistence writer over an open read-write DB.
func NewWriter(db *DB, cfg config.StoreConfig, pub Publisher, sub Subscriber, clock timeutil.Clock) *Writer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Writer{db: db, cfg: cfg, pub: pub, sub: sub, clock: clock}
}

func (w *Writer) Name() string { return "persistence_writer" }

// Start subscribes to the traffic_events topic and spawns the write loop
// and the retention scan.
func (w *Writer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	sub := w.sub.Subscribe(ctx, broker.TopicTrafficEvents)
	go w.run(ctx, sub)
	return nil
}

// Stop drains the loop; the final flush happens inside run before it exits.
func (w *Writer) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports degraded after a sustained run of failed flushes.
func (w *Writer) Health() supervisor.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.failingSince.IsZero() && w.clock.Since(w.failingSince) > degradedAfter {
		return supervisor.Status{State: supervisor.StateDegraded, Detail: "batch flushes failing"}
	}
	return supervisor.Status{State: supervisor.StateHealthy}
}

func (w *Writer) run(ctx context.Context, sub *broker.Subscription) {
	defer close(w.done)
	defer sub.Close()

	ticker := w.clock.NewTicker(flushPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush()
			return
		case msg, ok := <-sub.C:
			if !ok {
				w.finalFlush()
				return
			}
			if msg.Envelope.Schema != model.SchemaConsolidatedEvent {
				continue
			}
			var ev model.ConsolidatedEvent
			if err := model.DecodeData(msg.Envelope, &ev); err != nil {
				monitoring.Logf("writer: %v", err)
				continue
			}
			w.enqueue(ev)
			if len(w.buf) >= w.cfg.BatchMax {
				w.flush(ctx)
			}
		case <-ticker.C():
			if len(w.buf) > 0 && w.clock.Since(w.oldestAt) >= w.cfg.BatchMaxAge.D() {
				w.flush(ctx)
			}
		}
	}
}

// enqueue buffers one event, shedding the oldest at the hard cap.
func (w *Writer) enqueue(ev model.ConsolidatedEvent) {
	if len(w.buf) == 0 {
		w.oldestAt = w.clock.Now()
	}
	if len(w.buf) >= w.cfg.BatchMax*8 {
		monitoring.WriterOverflowDrops.Inc()
		monitoring.Logf("writer: [%s] buffer full, dropping oldest event %s",
			w.buf[0].CorrelationID, w.buf[0].EventID)
		w.buf = w.buf[1:]
	}
	w.buf = append(w.buf, ev)
}

// flush commits buffered events, one transaction per batch of at most
// BatchMax so flushes never span batches. On failure the events stay
// buffered and the retry is scheduled with capped exponential backoff.
func (w *Writer) flush(ctx context.Context) {
	now := w.clock.Now()
	if now.Before(w.nextRetry) {
		return
	}

	for len(w.buf) > 0 {
		n := min(len(w.buf), w.cfg.BatchMax)
		batch := w.buf[:n]

		txCtx, cancel := context.WithTimeout(ctx, w.cfg.TxTimeout.D())
		start := w.clock.Now()
		err := w.db.WriteBatch(txCtx, batch)
		cancel()

		if err != nil {
			monitoring.WriterRetries.Inc()
			if w.retryBackoff == 0 {
				w.retryBackoff = w.cfg.RetryMin.D()
			} else {
				w.retryBackoff = min(w.retryBackoff*2, w.cfg.RetryMax.D())
			}
			w.nextRetry = w.clock.Now().Add(w.retryBackoff)
			w.mu.Lock()
			if w.failingSince.IsZero() {
				w.failingSince = w.clock.Now()
			}
			w.mu.Unlock()
			monitoring.Logf("writer: batch flush failed (retry in %s): %v", w.retryBackoff, err)
			return
		}

		for _, ev := range batch {
			monitoring.Logf("writer: [%s] persisted event %s", ev.CorrelationID, ev.EventID)
		}
		w.buf = w.buf[n:]
		if len(w.buf) > 0 {
			w.oldestAt = w.clock.Now()
		}
		w.retryBackoff = 0
		w.nextRetry = time.Time{}
		w.mu.Lock()
		w.failingSince = time.Time{}
		w.mu.Unlock()

		if w.pub != nil {
			flushRec := model.DatabaseFlush{
				Count:      n,
				DurationMS: float64(w.clock.Since(start).Nanoseconds()) / 1e6,
			}
			if err := w.pub.Publish(ctx, broker.TopicDatabaseEvents, model.SchemaDatabaseFlush, flushRec); err != nil {
				monitoring.PublishFailures.WithLabelValues(broker.TopicDatabaseEvents).Inc()
				monitoring.Logf("writer: %v", err)
			}
		}
	}
}

// finalFlush makes one last attempt to persist whatever is buffered during
// shutdown, ignoring any scheduled retry delay.
func (w *Writer) finalFlush() {
	if len(w.buf) == 0 {
		return
	}
	w.nextRetry = time.Time{}
	ctx, cancel := context.WithTimeout(context.Background(), supervisor.StopTimeout)
	defer cancel()
	w.flush(ctx)
	if len(w.buf) > 0 {
		monitoring.Logf("writer: %d events unpersisted at shutdown", len(w.buf))
	}
}
