// Package main implements the FleetStream entry point: it loads the
// configuration, wires the telematics service, vendors, event
// publisher, and MQTT transport together, and runs until a shutdown
// signal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/fleetstream/config"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/telematics/asset"
	"github.com/c360/fleetstream/telematics/message"
	"github.com/c360/fleetstream/telematics/protocol"
	"github.com/c360/fleetstream/telematics/protocol/teltrak"
	"github.com/c360/fleetstream/telematics/service"
	"github.com/c360/fleetstream/telematics/vendor"
	"github.com/c360/fleetstream/transport/mqtt"
)

const (
	// Version is the application version, overridden at build time.
	Version = "0.1.0"

	appName         = "fleetstream"
	shutdownTimeout = 10 * time.Second
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if cli.Version {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	cfg, err := config.NewLoader("").Load(cli.ConfigPath)
	if err != nil {
		return err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	if cli.Validate {
		logger.Info("configuration is valid", "path", cli.ConfigPath)
		return nil
	}

	logger.Info("starting", "app", appName, "version", Version)

	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	var publisher asset.EventPublisher = asset.NoopPublisher{}
	if cfg.EventsEnabled {
		natsPublisher, err := asset.NewNATSPublisher(cfg.Events, logger.With("component", "event-publisher"))
		if err != nil {
			return err
		}
		publisher = natsPublisher
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("event publisher close failed", "error", err)
		}
	}()

	svc, err := service.NewService(service.Deps{
		Config:  cfg.Service,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	store := asset.NewMemoryStore()
	if err := registerVendors(svc, store, publisher, logger, metrics); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(shutdownTimeout); err != nil {
			logger.Warn("service stop incomplete", "error", err)
		}
	}()

	transport, err := mqtt.NewHandler(cfg.MQTT, mqtt.HandlerDeps{
		Service: svc,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	if err := transport.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := transport.Stop(shutdownTimeout); err != nil {
			logger.Warn("transport stop incomplete", "error", err)
		}
	}()

	go serveObservability(logger, registry, svc)

	logger.Info("running", "vendors", svc.VendorIDs(), "broker", cfg.MQTT.BrokerURL)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// registerVendors wires the built-in vendors into the service.
func registerVendors(
	svc *service.Service,
	store asset.Store,
	publisher asset.EventPublisher,
	logger *slog.Logger,
	metrics *metric.Metrics,
) error {
	codec := teltrak.NewCodec()
	handler, err := vendor.NewTrackerHandler(teltrak.VendorID, vendor.TrackerHandlerDeps{
		Store:       store,
		Publisher:   publisher,
		Sessions:    svc.Sessions(),
		Connections: svc.Connections(),
		Logger:      logger.With("component", "tracker-handler"),
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	return svc.RegisterVendor(&vendor.Vendor{
		ID:         teltrak.VendorID,
		Name:       "Teltrak GPS trackers",
		Transports: []message.Transport{message.TransportMQTT},
		Codecs:     []protocol.Codec{codec},
		Registry:   codec.Registry(),
		Mapper:     codec.Mapper(),
		Handler:    handler,
	})
}

// serveObservability exposes Prometheus metrics and a health endpoint.
func serveObservability(logger *slog.Logger, registry *metric.MetricsRegistry, svc *service.Service) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.Health())
	})

	server := &http.Server{
		Addr:              ":9090",
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("observability server stopped", "error", err)
	}
}
