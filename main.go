package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"

	"screenlink/api"
	"screenlink/capture"
	"screenlink/config"
	"screenlink/input"
	"screenlink/metrics"
	"screenlink/network"
	"screenlink/storage"
)

var (
	apiAddr    = kingpin.Flag("api-addr", "Control API bind address (overrides config).").String()
	listenAddr = kingpin.Flag("listen-addr", "Hosting listener bind address (overrides config).").String()
	dataDir    = kingpin.Flag("data-dir", "Application data directory (overrides the OS default).").String()
	quality    = kingpin.Flag("frame-quality", "JPEG quality of pushed frames, 1..100 (overrides config).").Int()
	display    = kingpin.Flag("display", "Display index to capture while hosting.").Default("0").Int()
)

func main() {
	kingpin.Version("screenlink 1.0.0")
	kingpin.Parse()

	if *dataDir != "" {
		os.Setenv("SCREENLINK_DATA_DIR", *dataDir)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Loaded config from %s (device %s)", cfgPath, cfg.DeviceName)

	if *apiAddr != "" {
		cfg.APIAddress = *apiAddr
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}
	if *quality != 0 {
		cfg.FrameQuality = *quality
	}

	storeDir, err := config.ResolveDataDir()
	if err != nil {
		log.Fatalf("Failed to resolve data dir: %v", err)
	}
	store, dbPath, err := storage.Open(storeDir)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()
	log.Printf("Opened storage at %s", dbPath)

	manager, err := network.NewManager(network.ManagerOptions{
		Source:        capture.New(*display),
		Sink:          input.New(),
		FrameQuality:  cfg.FrameQuality,
		FrameInterval: time.Duration(cfg.FrameIntervalMillis) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to create connection manager: %v", err)
	}
	defer manager.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(manager.Stats, manager.ActiveSessions, manager.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logManagerErrors(ctx, manager, store)

	server := api.NewServer(api.Options{
		Manager:        manager,
		Store:          store,
		DeviceName:     cfg.DeviceName,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	defer server.StopAnnouncing()

	log.Printf("Control API listening on %s", cfg.APIAddress)
	if err := api.Serve(ctx, cfg.APIAddress, server.Handler()); err != nil {
		log.Fatalf("Control API failed: %v", err)
	}
	log.Println("Shutting down")
}

// logManagerErrors drains asynchronous session and server errors to the
// process log and records admission failures in the security event log.
func logManagerErrors(ctx context.Context, manager *network.Manager, store *storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-manager.Errors():
			log.Printf("Network error: %v", err)

			severity := storage.SeverityWarning
			eventType := "session_error"
			if errors.Is(err, network.ErrProtocol) {
				eventType = "protocol_error"
			}
			logErr := store.LogSecurityEvent(storage.SecurityEvent{
				EventType: eventType,
				Details:   err.Error(),
				Severity:  severity,
			})
			if logErr != nil {
				log.Printf("Failed to record security event: %v", logErr)
			}
		}
	}
}
