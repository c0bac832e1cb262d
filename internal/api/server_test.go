package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/db"
	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/supervisor"
	"github.com/banshee-data/fusion.report/internal/timeutil"
	"github.com/banshee-data/fusion.report/internal/units"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeStore struct {
	events    []model.ConsolidatedEvent
	stats     *db.Stats
	lastStart time.Time
	lastEnd   time.Time
	lastLimit int
}

func (f *fakeStore) RecentEvents(ctx context.Context, limit int) ([]model.ConsolidatedEvent, error) {
	f.lastLimit = limit
	if limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeStore) EventsRange(ctx context.Context, start, end time.Time, limit int) ([]model.ConsolidatedEvent, error) {
	f.lastStart, f.lastEnd, f.lastLimit = start, end, limit
	return f.events, nil
}

func (f *fakeStore) Event(ctx context.Context, eventID string) (*model.ConsolidatedEvent, error) {
	for _, ev := range f.events {
		if ev.EventID == eventID {
			return &ev, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) EventStats(ctx context.Context, now time.Time, window time.Duration) (*db.Stats, error) {
	return f.stats, nil
}

type fakeBrokerReader struct {
	latest map[string]*broker.Message
	cache  map[string]*broker.Message
}

func (f *fakeBrokerReader) Latest(ctx context.Context, stream string) (*broker.Message, error) {
	if m, ok := f.latest[stream]; ok {
		return m, nil
	}
	return nil, broker.ErrNoRecord
}

func (f *fakeBrokerReader) GetCache(ctx context.Context, key string) (*broker.Message, error) {
	if m, ok := f.cache[key]; ok {
		return m, nil
	}
	return nil, broker.ErrNoRecord
}

type fakeHealth struct {
	unhealthy bool
}

func (f *fakeHealth) Health(topicAges map[string]float64) supervisor.Snapshot {
	state := supervisor.StateHealthy
	if f.unhealthy {
		state = supervisor.StateUnhealthy
	}
	return supervisor.Snapshot{
		Status:    state,
		TopicAges: topicAges,
	}
}

func (f *fakeHealth) Unhealthy() bool { return f.unhealthy }

type fakeAges map[string]float64

func (f fakeAges) Ages() map[string]float64 { return f }

func envelopeMessage(t *testing.T, schema string, rec any) *broker.Message {
	t.Helper()
	raw, err := model.Encode(schema, rec)
	require.NoError(t, err)
	env, err := model.DecodeEnvelope(raw)
	require.NoError(t, err)
	return &broker.Message{Envelope: env, Raw: raw}
}

func storedEvent(t *testing.T, speed float64) model.ConsolidatedEvent {
	t.Helper()
	eventID, err := model.NewEventID()
	require.NoError(t, err)
	return model.ConsolidatedEvent{
		EventID:        eventID,
		CorrelationID:  "corr-1",
		TriggeredAt:    baseTime,
		ConsolidatedAt: baseTime.Add(2 * time.Second),
		Radar:          model.RadarSample{ObservedAt: baseTime, SpeedMPH: speed, Direction: model.DirectionApproaching},
	}
}

func newTestServer(store *fakeStore, br *fakeBrokerReader, health *fakeHealth, speedUnits string) *Server {
	clock := timeutil.NewMockClock(baseTime)
	return NewServer(store, br, health, fakeAges{"traffic_events": 1.5}, nil, clock, speedUnits)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeBrokerReader{}, &fakeHealth{}, units.MPH)
	rec := get(t, s, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap supervisor.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, supervisor.StateHealthy, snap.Status)
	assert.Equal(t, 1.5, snap.TopicAges["traffic_events"])
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeBrokerReader{}, &fakeHealth{unhealthy: true}, units.MPH)
	rec := get(t, s, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDataEndpointsGatedWhenUnhealthy(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeBrokerReader{}, &fakeHealth{unhealthy: true}, units.MPH)
	for _, path := range []string{
		"/api/events/recent",
		"/api/events?start=2026-03-14T00:00:00Z&end=2026-03-15T00:00:00Z",
		"/api/events/stats",
		"/api/radar/latest",
		"/api/weather/latest",
	} {
		rec := get(t, s, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "path %s", path)
	}
}

func TestRecentEventsDefaultsAndCaps(t *testing.T) {
	store := &fakeStore{}
	s := newTestServer(store, &fakeBrokerReader{}, &fakeHealth{}, units.MPH)

	rec := get(t, s, "/api/events/recent")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, store.lastLimit)

	get(t, s, "/api/events/recent?limit=5000")
	assert.Equal(t, 1000, store.lastLimit)

	rec = get(t, s, "/api/events/recent?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get(t, s, "/api/events/recent?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecentEventsConvertsUnits(t *testing.T) {
	store := &fakeStore{events: []model.ConsolidatedEvent{storedEvent(t, 30)}}
	s := newTestServer(store, &fakeBrokerReader{}, &fakeHealth{}, units.KPH)

	rec := get(t, s, "/api/events/recent")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, units.KPH, rec.Header().Get("X-Speed-Units"))

	var events []model.ConsolidatedEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.InDelta(t, 48.28, events[0].Radar.SpeedMPH, 0.01)
}

// Event list bodies are bare arrays, not wrapper objects, so clients can
// decode them straight into []ConsolidatedEvent.
func TestEventListBodiesAreBareArrays(t *testing.T) {
	store := &fakeStore{events: []model.ConsolidatedEvent{storedEvent(t, 30), storedEvent(t, 25)}}
	s := newTestServer(store, &fakeBrokerReader{}, &fakeHealth{}, units.MPH)

	for _, path := range []string{
		"/api/events/recent",
		"/api/events?start=2026-03-14T00:00:00Z&end=2026-03-15T00:00:00Z",
	} {
		rec := get(t, s, path)
		require.Equal(t, http.StatusOK, rec.Code, "path %s", path)

		var raw []json.RawMessage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw), "path %s", path)
		assert.Len(t, raw, 2, "path %s", path)
	}

	// empty result is still an array
	store.events = nil
	rec := get(t, s, "/api/events/recent")
	require.Equal(t, http.StatusOK, rec.Code)
	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Empty(t, raw)
}

func TestEventsRangeValidation(t *testing.T) {
	store := &fakeStore{}
	s := newTestServer(store, &fakeBrokerReader{}, &fakeHealth{}, units.MPH)

	rec := get(t, s, "/api/events?start=bogus&end=2026-03-15T00:00:00Z")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, s, "/api/events?start=2026-03-15T00:00:00Z&end=2026-03-14T00:00:00Z")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, s, "/api/events?start=2026-03-14T00:00:00Z&end=2026-03-15T00:00:00Z")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), store.lastStart)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), store.lastEnd)
}

func TestEventLookupPrefersCacheThenStore(t *testing.T) {
	cached := storedEvent(t, 40)
	stored := storedEvent(t, 20)
	br := &fakeBrokerReader{cache: map[string]*broker.Message{
		broker.KeyConsolidation(cached.EventID): envelopeMessage(t, model.SchemaConsolidatedEvent, cached),
	}}
	store := &fakeStore{events: []model.ConsolidatedEvent{stored}}
	s := newTestServer(store, br, &fakeHealth{}, units.MPH)

	rec := get(t, s, "/api/events/"+cached.EventID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.ConsolidatedEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, cached.EventID, got.EventID)

	rec = get(t, s, "/api/events/"+stored.EventID)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, stored.EventID, got.EventID)

	rec = get(t, s, "/api/events/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventStatsWindow(t *testing.T) {
	store := &fakeStore{stats: &db.Stats{Count: 3, AvgSpeedMPH: 30, P95SpeedMPH: 45, ByType: map[string]int{"car": 3}}}
	s := newTestServer(store, &fakeBrokerReader{}, &fakeHealth{}, units.MPH)

	rec := get(t, s, "/api/events/stats?window=PT1H")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats db.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, 30.0, stats.AvgSpeedMPH)

	rec = get(t, s, "/api/events/stats?window=nonsense")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// a zero-length window is a valid request with an empty result
	rec = get(t, s, "/api/events/stats?window=PT0S")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(0), stats.Count)
}

func TestLatestRadar(t *testing.T) {
	sample := model.RadarSample{ObservedAt: baseTime, SpeedMPH: 30, Direction: model.DirectionApproaching, CorrelationID: "corr-9"}
	br := &fakeBrokerReader{latest: map[string]*broker.Message{
		broker.StreamRadarData: envelopeMessage(t, model.SchemaRadarSample, sample),
	}}
	s := newTestServer(&fakeStore{}, br, &fakeHealth{}, units.MPS)

	rec := get(t, s, "/api/radar/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, units.MPS, rec.Header().Get("X-Speed-Units"))

	// body is the bare sample, no wrapper
	var got model.RadarSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.InDelta(t, 13.41, got.SpeedMPH, 0.01)
	assert.Equal(t, "corr-9", got.CorrelationID)
}

func TestLatestRadarEmptyStream(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeBrokerReader{}, &fakeHealth{}, units.MPH)
	rec := get(t, s, "/api/radar/latest")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLatestWeather(t *testing.T) {
	local := model.WeatherSnapshot{Source: model.WeatherSourceLocal, ObservedAt: baseTime, TemperatureC: 18}
	br := &fakeBrokerReader{cache: map[string]*broker.Message{
		broker.KeyWeatherLocal: envelopeMessage(t, model.SchemaWeatherSnapshot, local),
	}}
	s := newTestServer(&fakeStore{}, br, &fakeHealth{}, units.MPH)

	rec := get(t, s, "/api/weather/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]*model.WeatherSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body["local"])
	assert.Equal(t, 18.0, body["local"].TemperatureC)
	assert.Nil(t, body["airport"])
}

func TestLatestWeatherEmpty(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeBrokerReader{}, &fakeHealth{}, units.MPH)
	rec := get(t, s, "/api/weather/latest")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeBrokerReader{}, &fakeHealth{}, units.MPH)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events/recent", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeBrokerReader{}, &fakeHealth{}, units.MPH)
	rec := get(t, s, "/debug/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
