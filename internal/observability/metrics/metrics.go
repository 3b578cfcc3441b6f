// Package metrics exposes worker and delivery counters to Prometheus. The
// collector is fed from the event bus, so producers never import it.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arvcare/internal/eventbus"
)

const namespace = "arvcare"

// Collector owns a private registry.
type Collector struct {
	reg *prometheus.Registry

	Ticks         *prometheus.CounterVec
	TickDuration  *prometheus.HistogramVec
	Subtasks      *prometheus.CounterVec
	SubtaskItems  *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	ConfigReloads prometheus.Counter
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Worker ticks by outcome (ok, error, panic, skipped).",
		}, []string{"worker", "result"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of completed worker ticks.",
			Buckets:   []float64{.005, .025, .1, .25, 1, 2.5, 10, 30, 60, 300},
		}, []string{"worker"}),
		Subtasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subtasks_total",
			Help:      "Clinical reminder sub-task runs by final state.",
		}, []string{"subtask", "state"}),
		SubtaskItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subtask_items_total",
			Help:      "Items handled by clinical reminder sub-tasks.",
		}, []string{"subtask"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Reminder notifications by event (sent, failed, dropped) and kind.",
		}, []string{"event", "kind"}),
		ConfigReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Applied configuration reloads.",
		}),
	}
	c.reg.MustRegister(
		c.Ticks,
		c.TickDuration,
		c.Subtasks,
		c.SubtaskItems,
		c.Notifications,
		c.ConfigReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe updates the counters for one event. Unknown events are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTickFinished, eventbus.TypeTickSkipped:
		d, ok := e.Data.(eventbus.TickData)
		if !ok {
			return
		}
		c.Ticks.WithLabelValues(d.Worker, d.Result).Inc()
		if e.Type == eventbus.TypeTickFinished {
			c.TickDuration.WithLabelValues(d.Worker).Observe(d.Duration.Seconds())
		}
	case eventbus.TypeSubtaskFinished:
		d, ok := e.Data.(eventbus.SubtaskData)
		if !ok {
			return
		}
		c.Subtasks.WithLabelValues(d.Subtask, d.State).Inc()
		if d.Items > 0 {
			c.SubtaskItems.WithLabelValues(d.Subtask).Add(float64(d.Items))
		}
	case eventbus.TypeNotificationSent, eventbus.TypeNotificationFail, eventbus.TypeNotificationDrop:
		d, ok := e.Data.(eventbus.NotificationData)
		if !ok {
			return
		}
		c.Notifications.WithLabelValues(notificationEvent(e.Type), d.Kind).Inc()
	case eventbus.TypeConfigReloaded:
		c.ConfigReloads.Inc()
	}
}

func notificationEvent(typ string) string {
	switch typ {
	case eventbus.TypeNotificationSent:
		return "sent"
	case eventbus.TypeNotificationFail:
		return "failed"
	default:
		return "dropped"
	}
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}
