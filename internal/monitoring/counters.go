package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters. Every drop policy in the pipeline increments one of
// these instead of failing its component: malformed input and unknown
// schemas are consumed silently, resource exhaustion sheds oldest-first.
var (
	// UnknownSchemaDrops counts broker records dropped because their schema
	// tag is not understood by this build.
	UnknownSchemaDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_broker_unknown_schema_drops_total",
		Help: "Broker records dropped due to an unrecognised schema tag.",
	}, []string{"topic"})

	// PublishFailures counts broker publish attempts that errored. The
	// producer logs, counts, and proceeds.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_broker_publish_failures_total",
		Help: "Broker publish attempts that returned an error.",
	}, []string{"topic"})

	// RadarFrameDrops counts serial frames discarded because they failed
	// schema validation.
	RadarFrameDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_radar_frame_drops_total",
		Help: "Radar serial frames dropped by the parser.",
	})

	// RadarReconnects counts serial device reopen attempts after an I/O error.
	RadarReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_radar_reconnects_total",
		Help: "Radar serial device reconnect attempts.",
	})

	// DroppedStrict counts triggers discarded because strict camera mode was
	// on and no detection arrived inside the correlation window.
	DroppedStrict = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_consolidator_dropped_strict_total",
		Help: "Triggers dropped by camera strict mode expiry.",
	})

	// DroppedDedup counts triggers merged into an earlier same-direction
	// trigger inside the dedup window.
	DroppedDedup = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_consolidator_dropped_dedup_total",
		Help: "Triggers merged by duplicate suppression.",
	})

	// SpillDrops counts consolidated events evicted from the spill buffer.
	SpillDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_consolidator_spill_drops_total",
		Help: "Consolidated events evicted from the full spill buffer.",
	})

	// WriterOverflowDrops counts events shed from the persistence writer's
	// buffer at its hard cap.
	WriterOverflowDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_writer_overflow_drops_total",
		Help: "Events dropped from the persistence buffer at the hard cap.",
	})

	// WriterRetries counts failed batch flushes that were rescheduled.
	WriterRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_writer_flush_retries_total",
		Help: "Batch flush attempts that failed and were retried.",
	})

	// RetentionDeletes counts rows removed by the retention scan.
	RetentionDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_writer_retention_deletes_total",
		Help: "Rows deleted by the retention scan.",
	})

	// BroadcastClientDrops counts messages dropped for slow WebSocket clients.
	BroadcastClientDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_broadcast_client_drops_total",
		Help: "Messages dropped for slow WebSocket clients.",
	})

	// BroadcastKicks counts WebSocket clients disconnected for falling too
	// far behind.
	BroadcastKicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusion_broadcast_client_kicks_total",
		Help: "WebSocket clients disconnected as too slow.",
	})
)
