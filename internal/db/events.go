package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/monitoring"
)

const eventColumns = `
	event_id, correlation_id, triggered_at, consolidated_at,
	radar_observed_at, speed_mph, magnitude, direction, alert_level,
	camera_observed_at, vehicle_type, confidence, bbox, image_ref,
	local_observed_at, local_temperature_c, local_humidity_pct,
	local_wind_mps, local_visibility_m,
	airport_observed_at, airport_temperature_c, airport_wind_mps,
	airport_visibility_m, airport_conditions`

const insertEventSQL = `
	INSERT INTO traffic_events (` + eventColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (event_id) DO NOTHING`

// insertEvent writes one event inside tx. The upsert is idempotent: a replay
// of an already-persisted event is a no-op, so a retry after a partial batch
// success cannot duplicate rows.
func insertEvent(ctx context.Context, tx *sql.Tx, ev model.ConsolidatedEvent) error {
	var bboxJSON sql.NullString
	var camObserved sql.NullInt64
	var vehicleType, imageRef sql.NullString
	var confidence sql.NullFloat64
	if cam := ev.Camera; cam != nil {
		camObserved = sql.NullInt64{Int64: cam.ObservedAt.UnixNano(), Valid: true}
		vehicleType = sql.NullString{String: cam.VehicleType, Valid: true}
		confidence = sql.NullFloat64{Float64: cam.Confidence, Valid: true}
		if cam.BBox != nil {
			b, err := json.Marshal(cam.BBox)
			if err != nil {
				return fmt.Errorf("failed to encode bbox: %w", err)
			}
			bboxJSON = sql.NullString{String: string(b), Valid: true}
		}
		if cam.ImageRef != nil {
			imageRef = sql.NullString{String: *cam.ImageRef, Valid: true}
		}
	}

	var localObserved sql.NullInt64
	var localTemp, localHumidity, localWind, localVisibility sql.NullFloat64
	if w := ev.WeatherLocal; w != nil {
		localObserved = sql.NullInt64{Int64: w.ObservedAt.UnixNano(), Valid: true}
		localTemp = sql.NullFloat64{Float64: w.TemperatureC, Valid: true}
		if w.HumidityPct != nil {
			localHumidity = sql.NullFloat64{Float64: *w.HumidityPct, Valid: true}
		}
		localWind = sql.NullFloat64{Float64: w.WindMPS, Valid: true}
		localVisibility = sql.NullFloat64{Float64: w.VisibilityM, Valid: true}
	}

	var airportObserved sql.NullInt64
	var airportTemp, airportWind, airportVisibility sql.NullFloat64
	var airportConditions sql.NullString
	if w := ev.WeatherAirport; w != nil {
		airportObserved = sql.NullInt64{Int64: w.ObservedAt.UnixNano(), Valid: true}
		airportTemp = sql.NullFloat64{Float64: w.TemperatureC, Valid: true}
		airportWind = sql.NullFloat64{Float64: w.WindMPS, Valid: true}
		airportVisibility = sql.NullFloat64{Float64: w.VisibilityM, Valid: true}
		airportConditions = sql.NullString{String: w.Conditions, Valid: true}
	}

	_, err := tx.ExecContext(ctx, insertEventSQL,
		ev.EventID, ev.CorrelationID,
		ev.TriggeredAt.UnixNano(), ev.ConsolidatedAt.UnixNano(),
		ev.Radar.ObservedAt.UnixNano(), ev.Radar.SpeedMPH, ev.Radar.Magnitude,
		string(ev.Radar.Direction), string(ev.Radar.AlertLevel),
		camObserved, vehicleType, confidence, bboxJSON, imageRef,
		localObserved, localTemp, localHumidity, localWind, localVisibility,
		airportObserved, airportTemp, airportWind, airportVisibility, airportConditions,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// scanEvent reads one row back into the model.
func scanEvent(rows *sql.Rows) (model.ConsolidatedEvent, error) {
	var ev model.ConsolidatedEvent
	var triggeredAt, consolidatedAt, radarObserved int64
	var direction, alertLevel string
	var camObserved, localObserved, airportObserved sql.NullInt64
	var vehicleType, bboxJSON, imageRef, airportConditions sql.NullString
	var confidence, localTemp, localHumidity, localWind, localVisibility sql.NullFloat64
	var airportTemp, airportWind, airportVisibility sql.NullFloat64

	err := rows.Scan(
		&ev.EventID, &ev.CorrelationID, &triggeredAt, &consolidatedAt,
		&radarObserved, &ev.Radar.SpeedMPH, &ev.Radar.Magnitude, &direction, &alertLevel,
		&camObserved, &vehicleType, &confidence, &bboxJSON, &imageRef,
		&localObserved, &localTemp, &localHumidity, &localWind, &localVisibility,
		&airportObserved, &airportTemp, &airportWind, &airportVisibility, &airportConditions,
	)
	if err != nil {
		return ev, fmt.Errorf("failed to scan event row: %w", err)
	}

	ev.TriggeredAt = time.Unix(0, triggeredAt).UTC()
	ev.ConsolidatedAt = time.Unix(0, consolidatedAt).UTC()
	ev.Radar.ObservedAt = time.Unix(0, radarObserved).UTC()
	ev.Radar.Direction = model.Direction(direction)
	ev.Radar.AlertLevel = model.AlertLevel(alertLevel)
	ev.Radar.CorrelationID = ev.CorrelationID

	if camObserved.Valid {
		cam := &model.CameraDetection{
			ObservedAt:  time.Unix(0, camObserved.Int64).UTC(),
			VehicleType: vehicleType.String,
			Confidence:  confidence.Float64,
		}
		if bboxJSON.Valid {
			var bbox [4]int
			if err := json.Unmarshal([]byte(bboxJSON.String), &bbox); err != nil {
				return ev, fmt.Errorf("failed to decode bbox for %s: %w", ev.EventID, err)
			}
			cam.BBox = &bbox
		}
		if imageRef.Valid {
			ref := imageRef.String
			cam.ImageRef = &ref
		}
		ev.Camera = cam
	}

	if localObserved.Valid {
		w := &model.WeatherSnapshot{
			Source:       model.WeatherSourceLocal,
			ObservedAt:   time.Unix(0, localObserved.Int64).UTC(),
			TemperatureC: localTemp.Float64,
			WindMPS:      localWind.Float64,
			VisibilityM:  localVisibility.Float64,
		}
		if localHumidity.Valid {
			h := localHumidity.Float64
			w.HumidityPct = &h
		}
		ev.WeatherLocal = w
	}

	if airportObserved.Valid {
		ev.WeatherAirport = &model.WeatherSnapshot{
			Source:       model.WeatherSourceAirport,
			ObservedAt:   time.Unix(0, airportObserved.Int64).UTC(),
			TemperatureC: airportTemp.Float64,
			WindMPS:      airportWind.Float64,
			VisibilityM:  airportVisibility.Float64,
			Conditions:   airportConditions.String,
		}
	}

	return ev, nil
}

// WriteBatch persists a batch of events in one transaction. Either the whole
// batch commits or none of it does.
func (db *DB) WriteBatch(ctx context.Context, events []model.ConsolidatedEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			// ErrTxDone means the transaction already committed
			monitoring.Logf("db: rollback failed: %v", err)
		}
	}()

	for _, ev := range events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch of %d events: %w", len(events), err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]model.ConsolidatedEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM traffic_events ORDER BY consolidated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	return collectEvents(rows)
}

// EventsRange returns events with consolidated_at in [start, end), newest
// first, up to limit.
func (db *DB) EventsRange(ctx context.Context, start, end time.Time, limit int) ([]model.ConsolidatedEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM traffic_events
		 WHERE consolidated_at >= ? AND consolidated_at < ?
		 ORDER BY consolidated_at DESC LIMIT ?`,
		start.UnixNano(), end.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event range: %w", err)
	}
	return collectEvents(rows)
}

// Event returns the event with the given id, or nil when absent.
func (db *DB) Event(ctx context.Context, eventID string) (*model.ConsolidatedEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM traffic_events WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event %s: %w", eventID, err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func collectEvents(rows *sql.Rows) ([]model.ConsolidatedEvent, error) {
	defer rows.Close()
	var events []model.ConsolidatedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event row iteration failed: %w", err)
	}
	return events, nil
}

// Stats summarises events whose consolidated_at falls within the trailing
// window ending at now.
type Stats struct {
	Count       int64          `json:"count"`
	AvgSpeedMPH float64        `json:"avg_speed_mph"`
	P95SpeedMPH float64        `json:"p95_speed_mph"`
	ByType      map[string]int `json:"by_type"`
}

// EventStats computes count, mean and p95 speed, and per-vehicle-type counts
// over [now-window, now]. Events without a camera classification are counted
// under "unknown".
func (db *DB) EventStats(ctx context.Context, now time.Time, window time.Duration) (*Stats, error) {
	cutoff := now.Add(-window).UnixNano()
	stats := &Stats{ByType: make(map[string]int)}

	var avg sql.NullFloat64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(speed_mph) FROM traffic_events
		 WHERE consolidated_at >= ? AND consolidated_at <= ?`,
		cutoff, now.UnixNano()).Scan(&stats.Count, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute event stats: %w", err)
	}
	stats.AvgSpeedMPH = avg.Float64

	if stats.Count > 0 {
		offset := (stats.Count - 1) * 95 / 100
		err = db.QueryRowContext(ctx,
			`SELECT speed_mph FROM traffic_events
			 WHERE consolidated_at >= ? AND consolidated_at <= ?
			 ORDER BY speed_mph LIMIT 1 OFFSET ?`,
			cutoff, now.UnixNano(), offset).Scan(&stats.P95SpeedMPH)
		if err != nil {
			return nil, fmt.Errorf("failed to compute p95 speed: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx,
		`SELECT COALESCE(vehicle_type, 'unknown'), COUNT(*) FROM traffic_events
		 WHERE consolidated_at >= ? AND consolidated_at <= ?
		 GROUP BY 1`,
		cutoff, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to compute type counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var vehicleType string
		var n int
		if err := rows.Scan(&vehicleType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		stats.ByType[vehicleType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("type count iteration failed: %w", err)
	}
	return stats, nil
}

// DeleteOlderThan removes up to limit rows consolidated before cutoff,
// returning the number deleted. Retention runs this in batches to avoid
// holding the write lock for long.
func (db *DB) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM traffic_events WHERE rowid IN (
			SELECT rowid FROM traffic_events WHERE consolidated_at < ? LIMIT ?)`,
		cutoff.UnixNano(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	return n, nil
}
