package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kerbside-data/traffic.watch/internal/api"
	"github.com/kerbside-data/traffic.watch/internal/broadcast"
	"github.com/kerbside-data/traffic.watch/internal/config"
	"github.com/kerbside-data/traffic.watch/internal/counterdb"
	"github.com/kerbside-data/traffic.watch/internal/detect"
	"github.com/kerbside-data/traffic.watch/internal/engine"
	"github.com/kerbside-data/traffic.watch/internal/render"
	"github.com/kerbside-data/traffic.watch/internal/stream"
	"github.com/kerbside-data/traffic.watch/internal/units"
)

var (
	devMode       = flag.Bool("dev", false, "Run with a mock detector instead of an inference server")
	listen        = flag.String("listen", ":8080", "Listen address")
	dbFile        = flag.String("db", "counters.db", "Counter database path")
	migrationsDir = flag.String("migrations", "migrations", "Migrations directory")
	detectorURL   = flag.String("detector", "http://127.0.0.1:9090/detect", "Inference server endpoint")
	configFile    = flag.String("config", "", "Optional tuning config (JSON)")
	speedUnits    = flag.String("units", "kmph", "Speed units for /api/stats responses")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !units.IsValid(*speedUnits) {
		log.Fatalf("invalid units %q, valid values: %s", *speedUnits, units.ValidUnitsString())
	}

	cfg := config.EmptyTuningConfig()
	if *configFile != "" {
		loaded, err := config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	// Counting survives without persistence; a broken database only costs
	// count resume across restarts.
	var store *counterdb.Store
	if s, err := counterdb.Open(*dbFile); err != nil {
		log.Printf("counter store unavailable, counts will not persist: %v", err)
	} else {
		store = s
		defer store.Close()
		if err := store.MigrateUp(*migrationsDir); err != nil {
			log.Printf("counter store migrations failed, using built-in schema: %v", err)
		}
	}

	var detector detect.Detector
	if *devMode {
		detector = detect.NewMockDetector()
		log.Print("dev mode: using mock detector")
	} else {
		detector = detect.NewRemoteDetector(*detectorURL, nil)
	}

	annotator := render.NewAnnotator(cfg.GetJPEGQuality(), cfg.GetFrameResizeWidth())

	var eng *engine.Engine
	if store != nil {
		eng = engine.New(stream.NewManager(), detector, annotator, store, cfg)
	} else {
		eng = engine.New(stream.NewManager(), detector, annotator, nil, cfg)
	}

	registry := broadcast.NewRegistry()
	hub := broadcast.NewHub(eng, registry, cfg.GetBroadcastFPS())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		var lister api.CounterLister
		if store != nil {
			lister = store
		}
		apiMux := api.NewServer(eng, lister, registry, *speedUnits).ServeMux()
		mux.Handle("/api/", apiMux)
		mux.Handle("/ws/", apiMux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	eng.Stop()
	log.Print("pipeline stopped")
}
