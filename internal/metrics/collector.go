// Package metrics 通过 Prometheus 暴露动作、通知和循环的计数
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hara602/usbShare/internal/action"
	"github.com/Hara602/usbShare/internal/model"
)

const namespace = "usbshare"

type Collector struct {
	registry *prometheus.Registry

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	notifications  *prometheus.CounterVec
	cycles         prometheus.Counter
	refreshes      prometheus.Counter
	dirty          prometheus.Gauge
	exposed        prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "External actions by action and outcome.",
		}, []string{"action", "outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Wall time spent in external actions.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"action"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Filesystem notifications by kind and classification.",
		}, []string{"kind", "actionable"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed withdraw-flush-expose cycles.",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "periodic_refresh_total",
			Help:      "Periodic share remounts attempted.",
		}),
		dirty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dirty",
			Help:      "1 while local writes are waiting to be flushed.",
		}),
		exposed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gadget_exposed",
			Help:      "1 while the gadget is believed exposed to the USB host.",
		}),
	}
	c.registry.MustRegister(
		c.actions, c.actionDuration, c.notifications,
		c.cycles, c.refreshes, c.dirty, c.exposed,
	)
	return c
}

// ObserveAction 实现 action.Observer
func (c *Collector) ObserveAction(r action.Result) {
	c.actions.WithLabelValues(r.Action.String(), r.Outcome.String()).Inc()
	c.actionDuration.WithLabelValues(r.Action.String()).Observe(r.Duration.Seconds())
}

// SetExposure 实现 action.Observer
func (c *Collector) SetExposure(e model.Exposure) {
	c.exposed.Set(boolFloat(e == model.Exposed))
}

func (c *Collector) ObserveNotification(n model.Notification, actionable bool) {
	label := "false"
	if actionable {
		label = "true"
	}
	c.notifications.WithLabelValues(n.Tag(), label).Inc()
}

func (c *Collector) SetDirty(dirty bool) { c.dirty.Set(boolFloat(dirty)) }
func (c *Collector) CycleCompleted()     { c.cycles.Inc() }
func (c *Collector) RefreshAttempted()   { c.refreshes.Inc() }

// Serve 阻塞直到 ctx 结束
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
