// Package api serves the read-only HTTP gateway over consolidated events,
// radar readings, and weather snapshots. All writes flow through the
// pipeline; the gateway only queries the store and the broker.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/db"
	"github.com/banshee-data/fusion.report/internal/httputil"
	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/supervisor"
	"github.com/banshee-data/fusion.report/internal/timeutil"
	"github.com/banshee-data/fusion.report/internal/units"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ANSI escape codes for request log colouring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// EventStore is the slice of the persistence layer the gateway reads from.
type EventStore interface {
	RecentEvents(ctx context.Context, limit int) ([]model.ConsolidatedEvent, error)
	EventsRange(ctx context.Context, start, end time.Time, limit int) ([]model.ConsolidatedEvent, error)
	Event(ctx context.Context, eventID string) (*model.ConsolidatedEvent, error)
	EventStats(ctx context.Context, now time.Time, window time.Duration) (*db.Stats, error)
}

// BrokerReader reads the latest stream entries and cache records.
type BrokerReader interface {
	Latest(ctx context.Context, stream string) (*broker.Message, error)
	GetCache(ctx context.Context, key string) (*broker.Message, error)
}

// HealthSource exposes the supervisor's aggregate view.
type HealthSource interface {
	Health(topicAges map[string]float64) supervisor.Snapshot
	Unhealthy() bool
}

// TopicAger reports seconds since the last message on each watched topic.
type TopicAger interface {
	Ages() map[string]float64
}

type Server struct {
	store  EventStore
	broker BrokerReader
	health HealthSource
	topics TopicAger
	ws     http.Handler
	clock  timeutil.Clock
	units  string
}

func NewServer(store EventStore, br BrokerReader, health HealthSource, topics TopicAger, ws http.Handler, clock timeutil.Clock, speedUnits string) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if !units.IsValid(speedUnits) {
		speedUnits = units.MPH
	}
	return &Server{
		store:  store,
		broker: br,
		health: health,
		topics: topics,
		ws:     ws,
		clock:  clock,
		units:  speedUnits,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.showHealth)
	mux.HandleFunc("/api/events/recent", s.listRecentEvents)
	mux.HandleFunc("/api/events/stats", s.showEventStats)
	mux.HandleFunc("/api/events/", s.showEvent)
	mux.HandleFunc("/api/events", s.listEventsRange)
	mux.HandleFunc("/api/radar/latest", s.showLatestRadar)
	mux.HandleFunc("/api/weather/latest", s.showLatestWeather)
	mux.Handle("/debug/metrics", promhttp.Handler())
	if s.ws != nil {
		mux.Handle("/ws/events", s.ws)
	}
	return mux
}

// gate rejects data reads while the pipeline is unhealthy so consumers do
// not mistake a dead pipeline for an empty road.
func (s *Server) gate(w http.ResponseWriter) bool {
	if s.health != nil && s.health.Unhealthy() {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "pipeline unhealthy")
		return false
	}
	return true
}

func (s *Server) requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return false
	}
	return true
}

// convertEvent returns a copy with the radar speed rendered in the
// configured units. Stored speeds are always mph.
func (s *Server) convertEvent(ev model.ConsolidatedEvent) model.ConsolidatedEvent {
	ev.Radar.SpeedMPH = units.ConvertSpeed(ev.Radar.SpeedMPH, s.units)
	return ev
}

// speedUnitsHeader names the units of every speed field in the body.
// Bodies stay bare records so clients can decode them directly.
const speedUnitsHeader = "X-Speed-Units"

func (s *Server) writeEventList(w http.ResponseWriter, events []model.ConsolidatedEvent) {
	out := make([]model.ConsolidatedEvent, len(events))
	for i, ev := range events {
		out[i] = s.convertEvent(ev)
	}
	w.Header().Set(speedUnitsHeader, s.units)
	httputil.WriteJSONOK(w, out)
}

func parseLimit(r *http.Request) (int, error) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("invalid 'limit' parameter")
		}
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	var ages map[string]float64
	if s.topics != nil {
		ages = s.topics.Ages()
	}
	snap := s.health.Health(ages)
	status := http.StatusOK
	if snap.Status == supervisor.StateUnhealthy {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, snap)
}

func (s *Server) listRecentEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) || !s.gate(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve events: %v", err))
		return
	}
	s.writeEventList(w, events)
}

func (s *Server) listEventsRange(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) || !s.gate(w) {
		return
	}
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		httputil.BadRequest(w, "invalid 'start' parameter, want RFC 3339")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		httputil.BadRequest(w, "invalid 'end' parameter, want RFC 3339")
		return
	}
	if !end.After(start) {
		httputil.BadRequest(w, "'end' must be after 'start'")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.store.EventsRange(r.Context(), start, end, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve events: %v", err))
		return
	}
	s.writeEventList(w, events)
}

func (s *Server) showEvent(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) || !s.gate(w) {
		return
	}
	id := r.URL.Path[len("/api/events/"):]
	if id == "" {
		httputil.BadRequest(w, "missing event id")
		return
	}

	// recent events are still in the broker cache; fall back to the store
	if s.broker != nil {
		if msg, err := s.broker.GetCache(r.Context(), broker.KeyConsolidation(id)); err == nil {
			var ev model.ConsolidatedEvent
			if err := model.DecodeData(msg.Envelope, &ev); err == nil {
				w.Header().Set(speedUnitsHeader, s.units)
				httputil.WriteJSONOK(w, s.convertEvent(ev))
				return
			}
		}
	}

	ev, err := s.store.Event(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve event: %v", err))
		return
	}
	if ev == nil {
		httputil.NotFound(w, "no such event")
		return
	}
	w.Header().Set(speedUnitsHeader, s.units)
	httputil.WriteJSONOK(w, s.convertEvent(*ev))
}

func (s *Server) showEventStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) || !s.gate(w) {
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := ParseISO8601Duration(v)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid 'window' parameter: %v", err))
			return
		}
		window = d
	}
	if window <= 0 {
		httputil.WriteJSONOK(w, db.Stats{ByType: map[string]int{}})
		return
	}
	stats, err := s.store.EventStats(r.Context(), s.clock.Now(), window)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to compute stats: %v", err))
		return
	}
	stats.AvgSpeedMPH = units.ConvertSpeed(stats.AvgSpeedMPH, s.units)
	stats.P95SpeedMPH = units.ConvertSpeed(stats.P95SpeedMPH, s.units)
	w.Header().Set(speedUnitsHeader, s.units)
	httputil.WriteJSONOK(w, stats)
}

func (s *Server) showLatestRadar(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) || !s.gate(w) {
		return
	}
	msg, err := s.broker.Latest(r.Context(), broker.StreamRadarData)
	if errors.Is(err, broker.ErrNoRecord) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read radar stream: %v", err))
		return
	}
	var sample model.RadarSample
	if err := model.DecodeData(msg.Envelope, &sample); err != nil {
		httputil.InternalServerError(w, "malformed radar record")
		return
	}
	sample.SpeedMPH = units.ConvertSpeed(sample.SpeedMPH, s.units)
	w.Header().Set(speedUnitsHeader, s.units)
	httputil.WriteJSONOK(w, sample)
}

func (s *Server) showLatestWeather(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) || !s.gate(w) {
		return
	}
	out := map[string]*model.WeatherSnapshot{"local": nil, "airport": nil}
	for name, key := range map[string]string{
		"local":   broker.KeyWeatherLocal,
		"airport": broker.KeyWeatherAirport,
	} {
		msg, err := s.broker.GetCache(r.Context(), key)
		if errors.Is(err, broker.ErrNoRecord) {
			continue
		}
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to read weather cache: %v", err))
			return
		}
		var snap model.WeatherSnapshot
		if err := model.DecodeData(msg.Envelope, &snap); err != nil {
			httputil.InternalServerError(w, "malformed weather record")
			return
		}
		out[name] = &snap
	}
	if out["local"] == nil && out["airport"] == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.WriteJSONOK(w, out)
}
