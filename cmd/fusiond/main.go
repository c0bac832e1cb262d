package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/fusion.report/internal/api"
	"github.com/banshee-data/fusion.report/internal/broadcast"
	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/config"
	"github.com/banshee-data/fusion.report/internal/consolidator"
	"github.com/banshee-data/fusion.report/internal/db"
	"github.com/banshee-data/fusion.report/internal/radarserial"
	"github.com/banshee-data/fusion.report/internal/supervisor"
	"github.com/banshee-data/fusion.report/internal/timeutil"
	"github.com/banshee-data/fusion.report/internal/version"
	"github.com/banshee-data/fusion.report/internal/weather"
)

var (
	devMode    = flag.Bool("dev", false, "Run with a synthetic radar instead of hardware")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	configPath = flag.String("config", "", "Path to JSON config overlay")
	redisAddr  = flag.String("redis", "", "Redis address (overrides config)")
	serialPort = flag.String("serial", "", "Serial port (overrides config)")
	dbPath     = flag.String("db", "", "Sqlite database path (overrides config)")
)

func main() {
	flag.Parse()
	log.Printf("fusiond %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *serialPort != "" {
		cfg.Radar.Port = *serialPort
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := timeutil.RealClock{}

	bus := broker.New(cfg.RedisAddr, cfg.PublishTimeout.D())
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		log.Fatalf("failed to reach broker at %s: %v", cfg.RedisAddr, err)
	}

	store, err := db.NewDB(cfg.Store.Path)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	// the gateway reads through its own read-only pool so queries never
	// contend with the writer's transactions
	readStore, err := db.NewReadDB(cfg.Store.Path)
	if err != nil {
		log.Fatalf("failed to open read pool: %v", err)
	}
	defer readStore.Close()

	var opener radarserial.Opener
	if *devMode {
		log.Print("dev mode: using synthetic radar frames")
		opener = radarserial.MockOpener(500 * time.Millisecond)
	} else {
		opener = radarserial.DeviceOpener(cfg.Radar)
	}

	radar := radarserial.New(cfg.Radar, bus, clock, opener)
	weatherCache := weather.NewCache(bus)
	var metar *weather.MetarFetcher
	if cfg.Weather.Station != "" {
		metar = weather.NewMetarFetcher(cfg.Weather, weatherCache, nil, clock)
	}
	cons := consolidator.New(cfg.Consolidator, bus, bus, clock)
	writer := db.NewWriter(store, cfg.Store, bus, bus, clock)
	retention := db.NewRetention(store, cfg.Store, clock)
	hub := broadcast.NewHub(cfg.Broadcast, bus)
	watcher := supervisor.NewTopicWatcher(bus, clock)

	// start order is consumers first so nothing published at startup is lost
	components := []supervisor.Component{watcher, writer, retention, hub, cons, radar}
	if metar != nil {
		components = append(components, metar)
	}
	sup := supervisor.New(clock, components...)
	if err := sup.Start(ctx); err != nil {
		log.Fatalf("failed to start pipeline: %v", err)
	}

	gateway := api.NewServer(readStore, bus, sup, watcher, hub, clock, cfg.Units)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.LoggingMiddleware(gateway.ServeMux()),
	}
	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	sup.Stop()
	log.Print("pipeline stopped")
}
