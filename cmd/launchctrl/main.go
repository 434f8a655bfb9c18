// Package main — cmd/launchctrl/main.go
//
// launch-ctrl entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/launch-ctrl/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open the diagnostics exporter's export directory.
//  4. Construct the tower client, Incident Bus, Policy Store, and all
//     three agents.
//  5. Construct and start the Tower Bridge.
//  6. Construct the Supervisor and start its event loop.
//  7. Start the control surface HTTP server.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to bridge and supervisor loops).
//  2. Shut down the control surface HTTP server (bounded timeout).
//  3. Flush the logger.
//  4. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drak0niii/launch-ctrl/internal/agents/correlation"
	"github.com/drak0niii/launch-ctrl/internal/agents/rca"
	"github.com/drak0niii/launch-ctrl/internal/agents/troubleshooting"
	"github.com/drak0niii/launch-ctrl/internal/bus"
	"github.com/drak0niii/launch-ctrl/internal/config"
	"github.com/drak0niii/launch-ctrl/internal/controlsurface"
	"github.com/drak0niii/launch-ctrl/internal/diagnostics"
	"github.com/drak0niii/launch-ctrl/internal/mailer"
	"github.com/drak0niii/launch-ctrl/internal/metrics"
	"github.com/drak0niii/launch-ctrl/internal/policy"
	"github.com/drak0niii/launch-ctrl/internal/supervisor"
	"github.com/drak0niii/launch-ctrl/internal/towerbridge"
	"github.com/drak0niii/launch-ctrl/internal/towerclient"
)

func main() {
	configPath := flag.String("config", "/etc/launch-ctrl/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("launch-ctrl %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("launch-ctrl starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Diagnostics exporter ──────────────────────────────────────
	exporter, err := diagnostics.New(cfg.Diagnostics.ExportDir)
	if err != nil {
		log.Fatal("diagnostics exporter init failed", zap.Error(err),
			zap.String("dir", cfg.Diagnostics.ExportDir))
	}
	log.Info("diagnostics exporter ready", zap.String("dir", cfg.Diagnostics.ExportDir))

	// ── Step 4: Collaborators ─────────────────────────────────────────────
	towerClient := towerclient.New(cfg.Tower.BaseURL, towerclient.ClientConfig{
		Timeout:    cfg.Tower.RequestTimeout,
		MaxRetries: cfg.Tower.MaxRetries,
	})

	incidentBus := bus.New(log)
	policyStore := policy.NewStore()
	correlator := correlation.New(
		correlation.WithWindow(cfg.Correlation.Window),
		correlation.WithPolicySource(func() policy.AlarmPrioritization { return policyStore.Get().AlarmPrioritization }),
	)
	mitigator := troubleshooting.New(towerClient, log)
	rcaBook := rca.New()

	var mailerImpl mailer.Mailer
	if cfg.RCA.SMTP.Host == "" {
		mailerImpl = mailer.NewLogMailer(log)
	} else {
		mailerImpl = &mailer.SMTPMailer{
			Host: cfg.RCA.SMTP.Host, Port: fmt.Sprint(cfg.RCA.SMTP.Port),
			Username: cfg.RCA.SMTP.Username, Password: cfg.RCA.SMTP.Password,
		}
	}

	m := metrics.New()

	// ── Step 5: Tower Bridge ──────────────────────────────────────────────
	var opener towerbridge.StreamOpener
	if cfg.Tower.StreamPath != "" {
		httpClient := &http.Client{Timeout: cfg.Tower.RequestTimeout}
		opener = towerbridge.HTTPStreamOpener(httpClient, cfg.Tower.BaseURL+cfg.Tower.StreamPath)
	}
	bridge := towerbridge.New(towerClient, incidentBus, opener, log)
	go bridge.Run(ctx)
	log.Info("tower bridge started", zap.String("base_url", cfg.Tower.BaseURL))

	// ── Step 6: Supervisor ─────────────────────────────────────────────────
	sup := supervisor.New(log, towerClient, incidentBus, policyStore, correlator, mitigator, rcaBook, mailerImpl)
	go sup.Run(ctx)
	sup.Start()
	log.Info("supervisor started")

	// ── Step 7: Control surface ────────────────────────────────────────────
	handler := controlsurface.New(sup, policyStore, incidentBus, towerClient, rcaBook, exporter, m, log)
	srv := &http.Server{
		Addr:         cfg.ControlSurface.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold the connection open
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("control surface listening", zap.String("addr", cfg.ControlSurface.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control surface server error", zap.Error(err))
		}
	}()

	// ── Step 8: Wait for shutdown signal ──────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("control surface shutdown did not complete cleanly", zap.Error(err))
	}

	sup.Stop()
	log.Info("launch-ctrl shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
