package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics - счетчики движка оценки, отдаются на /metrics.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal      prometheus.Counter
	CycleDuration    prometheus.Histogram
	UpdatesSent      prometheus.Counter
	AlertsFired      prometheus.Counter
	Rearms           prometheus.Counter
	PairsFailed      prometheus.Counter
	DeliveryFailures prometheus.Counter
	PersistFailures  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_cycles_total",
			Help: "Completed evaluation cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinwatch_cycle_duration_seconds",
			Help:    "Wall time of one evaluation cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		UpdatesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_updates_sent_total",
			Help: "Scheduled subscription updates delivered.",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_alerts_fired_total",
			Help: "Threshold alerts delivered.",
		}),
		Rearms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_alerts_rearmed_total",
			Help: "Alert rules re-armed after returning to the opposite side.",
		}),
		PairsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_pairs_failed_total",
			Help: "Price lookups that failed, one per (coin, currency) pair per cycle.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_delivery_failures_total",
			Help: "Notification sends that failed and will be retried.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_persist_failures_total",
			Help: "State writes that failed after a delivered notification (duplicate risk).",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal, m.CycleDuration, m.UpdatesSent, m.AlertsFired,
		m.Rearms, m.PairsFailed, m.DeliveryFailures, m.PersistFailures,
	)
	return m
}

// Serve держит /metrics и /healthz, пока ctx не отменен.
func Serve(ctx context.Context, addr string, m *Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}
