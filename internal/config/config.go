// Package config defines the validated runtime configuration for the fusion
// pipeline. Components receive the struct fully populated; they never read
// files or environment variables themselves.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MaxConfigFileSize bounds the config file read to protect against
// accidentally pointing the loader at a huge file.
const MaxConfigFileSize = 1 << 20

// Duration wraps time.Duration so config files can write "500ms" or "2s".
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// RadarConfig tunes the serial reader.
type RadarConfig struct {
	Port                string   `json:"port"`
	BaudRate            int      `json:"baud_rate"`
	DirectionEpsilonMPH float64  `json:"direction_epsilon_mph"`
	ReadTimeout         Duration `json:"read_timeout"`
	ReconnectMin        Duration `json:"reconnect_min"`
	ReconnectMax        Duration `json:"reconnect_max"`
	DegradedAfter       Duration `json:"degraded_after"`
	InitCommands        bool     `json:"init_commands"`
}

// ConsolidatorConfig tunes the trigger/window state machine.
type ConsolidatorConfig struct {
	MinTriggerSpeedMPH   float64  `json:"min_trigger_speed_mph"`
	WindowPre            Duration `json:"window_pre"`
	WindowPost           Duration `json:"window_post"`
	CameraStrictMode     bool     `json:"camera_strict_mode"`
	EarlyMatchConfidence float64  `json:"early_match_confidence"`
	DedupWindow          Duration `json:"dedup_window"`
	WeatherMaxAgeLocal   Duration `json:"weather_max_age_local"`
	WeatherMaxAgeAirport Duration `json:"weather_max_age_airport"`
	SpillCapacity        int      `json:"spill_capacity"`
	CacheTTL             Duration `json:"cache_ttl"`
}

// StoreConfig tunes the persistence writer and retention.
type StoreConfig struct {
	Path                  string   `json:"path"`
	BatchMax              int      `json:"batch_max"`
	BatchMaxAge           Duration `json:"batch_max_age"`
	RetryMin              Duration `json:"retry_min"`
	RetryMax              Duration `json:"retry_max"`
	Retention             Duration `json:"retention"`
	RetentionScanInterval Duration `json:"retention_scan_interval"`
	DeleteBatch           int      `json:"delete_batch"`
	TxTimeout             Duration `json:"tx_timeout"`
}

// BroadcastConfig tunes the WebSocket fanout.
type BroadcastConfig struct {
	SlowClientThreshold int `json:"slow_client_threshold"`
	SlowClientKick      int `json:"slow_client_kick"`
}

// WeatherConfig tunes the airport METAR fetch loop. An empty MetarURL
// disables the fetcher; the cache keys are then fed externally.
type WeatherConfig struct {
	MetarURL      string   `json:"metar_url"`
	Station       string   `json:"station"`
	FetchInterval Duration `json:"fetch_interval"`
}

// Config is the process-wide configuration, immutable after startup.
type Config struct {
	ListenAddr     string   `json:"listen_addr"`
	RedisAddr      string   `json:"redis_addr"`
	PublishTimeout Duration `json:"publish_timeout"`
	Units          string   `json:"units"`

	Radar        RadarConfig        `json:"radar"`
	Consolidator ConsolidatorConfig `json:"consolidator"`
	Store        StoreConfig        `json:"store"`
	Broadcast    BroadcastConfig    `json:"broadcast"`
	Weather      WeatherConfig      `json:"weather"`
}

// Default returns the canonical defaults for every tunable.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8080",
		RedisAddr:      "localhost:6379",
		PublishTimeout: Duration(500 * time.Millisecond),
		Units:          "mph",
		Radar: RadarConfig{
			Port:                "/dev/ttySC1",
			BaudRate:            19200,
			DirectionEpsilonMPH: 0.2,
			ReadTimeout:         Duration(time.Second),
			ReconnectMin:        Duration(100 * time.Millisecond),
			ReconnectMax:        Duration(30 * time.Second),
			DegradedAfter:       Duration(60 * time.Second),
			InitCommands:        true,
		},
		Consolidator: ConsolidatorConfig{
			MinTriggerSpeedMPH:   2.0,
			WindowPre:            Duration(500 * time.Millisecond),
			WindowPost:           Duration(2 * time.Second),
			CameraStrictMode:     false,
			EarlyMatchConfidence: 0.85,
			DedupWindow:          Duration(800 * time.Millisecond),
			WeatherMaxAgeLocal:   Duration(2 * time.Minute),
			WeatherMaxAgeAirport: Duration(15 * time.Minute),
			SpillCapacity:        256,
			CacheTTL:             Duration(time.Hour),
		},
		Store: StoreConfig{
			Path:                  "traffic_events.db",
			BatchMax:              100,
			BatchMaxAge:           Duration(5 * time.Second),
			RetryMin:              Duration(100 * time.Millisecond),
			RetryMax:              Duration(10 * time.Second),
			Retention:             Duration(90 * 24 * time.Hour),
			RetentionScanInterval: Duration(time.Hour),
			DeleteBatch:           1000,
			TxTimeout:             Duration(10 * time.Second),
		},
		Broadcast: BroadcastConfig{
			SlowClientThreshold: 32,
			SlowClientKick:      128,
		},
		Weather: WeatherConfig{
			FetchInterval: Duration(10 * time.Minute),
		},
	}
}

// Validate reports the first configuration error found. A validation failure
// at startup is fatal.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required")
	}
	if c.Radar.Port == "" {
		return fmt.Errorf("radar.port is required")
	}
	if c.Radar.BaudRate <= 0 {
		return fmt.Errorf("radar.baud_rate must be positive, got %d", c.Radar.BaudRate)
	}
	if c.Radar.DirectionEpsilonMPH < 0 {
		return fmt.Errorf("radar.direction_epsilon_mph must be non-negative, got %v", c.Radar.DirectionEpsilonMPH)
	}
	if c.Consolidator.MinTriggerSpeedMPH < 0 {
		return fmt.Errorf("consolidator.min_trigger_speed_mph must be non-negative, got %v", c.Consolidator.MinTriggerSpeedMPH)
	}
	if c.Consolidator.WindowPre.D() < 0 || c.Consolidator.WindowPost.D() <= 0 {
		return fmt.Errorf("consolidator correlation window must be positive")
	}
	if c.Consolidator.EarlyMatchConfidence < 0 || c.Consolidator.EarlyMatchConfidence > 1 {
		return fmt.Errorf("consolidator.early_match_confidence must be in [0,1], got %v", c.Consolidator.EarlyMatchConfidence)
	}
	if c.Consolidator.SpillCapacity <= 0 {
		return fmt.Errorf("consolidator.spill_capacity must be positive, got %d", c.Consolidator.SpillCapacity)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.BatchMax <= 0 {
		return fmt.Errorf("store.batch_max must be positive, got %d", c.Store.BatchMax)
	}
	if c.Store.Retention.D() <= 0 {
		return fmt.Errorf("store.retention must be positive")
	}
	if c.Store.DeleteBatch <= 0 {
		return fmt.Errorf("store.delete_batch must be positive, got %d", c.Store.DeleteBatch)
	}
	if c.Broadcast.SlowClientThreshold <= 0 {
		return fmt.Errorf("broadcast.slow_client_threshold must be positive, got %d", c.Broadcast.SlowClientThreshold)
	}
	if c.Broadcast.SlowClientKick < c.Broadcast.SlowClientThreshold {
		return fmt.Errorf("broadcast.slow_client_kick must be >= slow_client_threshold")
	}
	if c.Weather.MetarURL != "" && c.Weather.FetchInterval.D() <= 0 {
		return fmt.Errorf("weather.fetch_interval must be positive when metar_url is set")
	}
	return nil
}

// Load reads a JSON config file and overlays it on the defaults. Fields
// omitted from the file keep their default values, so partial configs are
// safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", cleanPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", cleanPath, err)
	}
	return cfg, nil
}
