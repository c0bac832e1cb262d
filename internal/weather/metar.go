package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/fusion.report/internal/config"
	"github.com/banshee-data/fusion.report/internal/httputil"
	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/supervisor"
	"github.com/banshee-data/fusion.report/internal/timeutil"
	"github.com/banshee-data/fusion.report/internal/units"
)

// maxMetarBody bounds the response read from the METAR endpoint.
const maxMetarBody = 1 << 20

// metarReport is the subset of the aviationweather.gov JSON report the
// pipeline consumes. Wind and visibility arrive in aviation units and are
// converted to SI on ingest.
type metarReport struct {
	ObsTime      int64    `json:"obsTime"` // unix seconds
	TempC        float64  `json:"temp"`
	WindSpeedKts float64  `json:"wspd"`
	VisibilitySM *float64 `json:"visib"` // statute miles
	WxString     string   `json:"wxString"`
	Cover        string   `json:"cover"`
}

// MetarFetcher periodically fetches the airport METAR report and writes it
// into the weather cache. It is the sole writer of the airport key in this
// process; the local GPIO sensor feeds its key from outside.
type MetarFetcher struct {
	cfg    config.WeatherConfig
	cache  *Cache
	client httputil.HTTPClient
	clock  timeutil.Clock

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	lastSuccess time.Time
	lastErr     error
}

// NewMetarFetcher builds the fetch loop. A nil client selects the default
// HTTP client.
func NewMetarFetcher(cfg config.WeatherConfig, cache *Cache, client httputil.HTTPClient, clock timeutil.Clock) *MetarFetcher {
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{Timeout: 15 * time.Second})
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MetarFetcher{cfg: cfg, cache: cache, client: client, clock: clock}
}

func (f *MetarFetcher) Name() string { return "metar_fetcher" }

func (f *MetarFetcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx)
	return nil
}

func (f *MetarFetcher) Stop(ctx context.Context) error {
	if f.cancel == nil {
		return nil
	}
	f.cancel()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports degraded when the last two fetch intervals produced no
// successful report.
func (f *MetarFetcher) Health() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastSuccess.IsZero() {
		return supervisor.Status{State: supervisor.StateHealthy, Detail: "no fetch yet"}
	}
	if f.clock.Since(f.lastSuccess) > 2*f.cfg.FetchInterval.D() {
		detail := "metar fetch failing"
		if f.lastErr != nil {
			detail = f.lastErr.Error()
		}
		return supervisor.Status{State: supervisor.StateDegraded, Detail: detail}
	}
	return supervisor.Status{State: supervisor.StateHealthy}
}

func (f *MetarFetcher) run(ctx context.Context) {
	defer close(f.done)

	// fetch once at startup so the cache warms without waiting a full interval
	f.fetchOnce(ctx)

	ticker := f.clock.NewTicker(f.cfg.FetchInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			f.fetchOnce(ctx)
		}
	}
}

func (f *MetarFetcher) fetchOnce(ctx context.Context) {
	snap, err := f.Fetch(ctx)
	f.mu.Lock()
	f.lastErr = err
	if err == nil {
		f.lastSuccess = f.clock.Now()
	}
	f.mu.Unlock()
	if err != nil {
		monitoring.Logf("weather: metar fetch failed: %v", err)
		return
	}
	if err := f.cache.Write(ctx, *snap); err != nil {
		monitoring.Logf("weather: failed to cache airport snapshot: %v", err)
	}
}

// Fetch retrieves and decodes the latest METAR report for the configured
// station.
func (f *MetarFetcher) Fetch(ctx context.Context) (*model.WeatherSnapshot, error) {
	url := fmt.Sprintf("%s?ids=%s&format=json", f.cfg.MetarURL, f.cfg.Station)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metar request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metar request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metar endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetarBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read metar response: %w", err)
	}
	var reports []metarReport
	if err := json.Unmarshal(body, &reports); err != nil {
		return nil, fmt.Errorf("failed to decode metar response: %w", err)
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("metar response contained no reports")
	}
	return snapshotFromReport(reports[0]), nil
}

func snapshotFromReport(r metarReport) *model.WeatherSnapshot {
	conditions := r.WxString
	if conditions == "" {
		conditions = r.Cover
	}
	visibility := 0.0
	if r.VisibilitySM != nil {
		visibility = units.StatuteMilesToMeters(*r.VisibilitySM)
	}
	return &model.WeatherSnapshot{
		Source:       model.WeatherSourceAirport,
		ObservedAt:   time.Unix(r.ObsTime, 0).UTC(),
		TemperatureC: r.TempC,
		WindMPS:      units.KnotsToMPS(r.WindSpeedKts),
		VisibilityM:  visibility,
		Conditions:   conditions,
	}
}
