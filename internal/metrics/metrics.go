// Package metrics exposes Prometheus instrumentation for launch-ctrl on a
// dedicated registry (never the global one), grounded on the teacher
// agent's internal/observability/metrics.go.
//
// Endpoint: GET /metrics, mounted by cmd/launchctrl on the control surface;
// Serve can run it on a separate address but is not called there. No
// component updates these metrics, so they report their initial values.
// Metric naming: launchctrl_<subsystem>_<name>_<unit>.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor for launch-ctrl.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Bus / event throughput ──────────────────────────────────────────
	EventsPublishedTotal *prometheus.CounterVec
	BusSubscribers       prometheus.Gauge

	// ─── Supervisor orchestration ────────────────────────────────────────
	IncidentsClosedTotal    *prometheus.CounterVec
	MitigationsTotal        *prometheus.CounterVec
	ApprovalQueueDepth      prometheus.Gauge
	SupervisorUptimeSeconds prometheus.Gauge

	// ─── Tower client ─────────────────────────────────────────────────────
	TowerRequestLatency *prometheus.HistogramVec
	TowerRequestsFailed *prometheus.CounterVec

	startTime time.Time
}

// New creates and registers every metric on a fresh, dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchctrl",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total events published to the Incident Bus, by event type.",
		}, []string{"type"}),

		BusSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "launchctrl",
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Current number of active Incident Bus subscribers.",
		}),

		IncidentsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchctrl",
			Subsystem: "supervisor",
			Name:      "incidents_closed_total",
			Help:      "Total incidents closed by Agent A, by closure reason.",
		}, []string{"reason"}),

		MitigationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchctrl",
			Subsystem: "supervisor",
			Name:      "mitigations_total",
			Help:      "Total mitigations completed, by resolution (restored, stabilized).",
		}, []string{"resolution"}),

		ApprovalQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "launchctrl",
			Subsystem: "supervisor",
			Name:      "approval_queue_depth",
			Help:      "Current number of approvals awaiting operator action.",
		}),

		SupervisorUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "launchctrl",
			Subsystem: "supervisor",
			Name:      "uptime_seconds",
			Help:      "Accumulated Supervisor running time in seconds.",
		}),

		TowerRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "launchctrl",
			Subsystem: "towerclient",
			Name:      "request_latency_seconds",
			Help:      "Tower simulator request latency in seconds, by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		TowerRequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchctrl",
			Subsystem: "towerclient",
			Name:      "requests_failed_total",
			Help:      "Total tower simulator requests that failed after retries, by operation.",
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.EventsPublishedTotal,
		m.BusSubscribers,
		m.IncidentsClosedTotal,
		m.MitigationsTotal,
		m.ApprovalQueueDepth,
		m.SupervisorUptimeSeconds,
		m.TowerRequestLatency,
		m.TowerRequestsFailed,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the promhttp handler bound to this Metrics' registry,
// for mounting into the control surface's own mux instead of running a
// second HTTP server (launch-ctrl already runs one server for the control
// surface, unlike the teacher agent which keeps metrics on its own port).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Serve runs a standalone metrics HTTP server on addr until ctx is
// cancelled, matching the teacher's ServeMetrics shape for deployments
// that want metrics on a separate port from the control surface.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
