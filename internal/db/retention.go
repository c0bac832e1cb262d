package db

import (
	"context"
	"time"

	"github.com/banshee-data/fusion.report/internal/config"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/supervisor"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// Retention periodically deletes events older than the configured horizon.
// Deletes run in bounded batches so a large backlog never holds a long
// write transaction open against the writer.
type Retention struct {
	db    *DB
	cfg   config.StoreConfig
	clock timeutil.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRetention(db *DB, cfg config.StoreConfig, clock timeutil.Clock) *Retention {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Retention{db: db, cfg: cfg, clock: clock}
}

func (r *Retention) Name() string { return "retention" }

func (r *Retention) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	return nil
}

func (r *Retention) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Retention) Health() supervisor.Status {
	return supervisor.Status{State: supervisor.StateHealthy}
}

func (r *Retention) run(ctx context.Context) {
	defer close(r.done)
	ticker := r.clock.NewTicker(r.cfg.RetentionScanInterval.D())
	defer ticker.Stop()

	// one scan at startup so a long-stopped deployment catches up promptly
	r.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.ScanOnce(ctx)
		}
	}
}

// ScanOnce deletes expired events in batches of DeleteBatch until none
// remain, and reports the total removed.
func (r *Retention) ScanOnce(ctx context.Context) int64 {
	cutoff := r.clock.Now().Add(-r.cfg.Retention.D())
	var total int64
	for {
		txCtx, cancel := context.WithTimeout(ctx, r.cfg.TxTimeout.D())
		n, err := r.db.DeleteOlderThan(txCtx, cutoff, r.cfg.DeleteBatch)
		cancel()
		if err != nil {
			monitoring.Logf("retention: %v", err)
			return total
		}
		if n == 0 {
			break
		}
		total += n
		monitoring.RetentionDeletes.Add(float64(n))
		if ctx.Err() != nil {
			return total
		}
	}
	if total > 0 {
		monitoring.Logf("retention: removed %d events older than %s", total, cutoff.UTC().Format(time.RFC3339))
	}
	return total
}
