// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every prometheus series the service exports.
type Collector struct {
	// HTTP surface
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Real-time surface
	wsConnections  prometheus.Gauge
	wsEvictions    prometheus.Counter
	broadcastsSent prometheus.Counter
	broadcastFan   prometheus.Histogram

	// Commands and callbacks
	commandsTotal     *prometheus.CounterVec
	callbacksRejected prometheus.Counter

	// Tasks
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers all series on the default registerer.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWith registers all series on reg. Tests pass a private
// registry so repeated construction does not collide.
func NewCollectorWith(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.wsConnections = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Currently registered real-time connections",
	})
	c.wsEvictions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_evictions_total",
		Help:      "Connections evicted for falling behind the broadcast queue",
	})
	c.broadcastsSent = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "State broadcasts fanned out",
	})
	c.broadcastFan = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_fanout",
		Help:      "Connections reached per broadcast",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	c.commandsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Client commands received by type",
		},
		[]string{"command"},
	)
	c.callbacksRejected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_callbacks_rejected_total",
		Help:      "Task callbacks rejected by the stale-instance guard",
	})

	c.tasksStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_started_total",
		Help:      "Task instances launched",
	})
	c.tasksFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Task instances finished by outcome",
		},
		[]string{"outcome"},
	)
	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task duration from start to terminal outcome",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"outcome"},
	)

	return c
}

// HTTPRequest records one served request.
func (c *Collector) HTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ConnOpened increments the live connection gauge.
func (c *Collector) ConnOpened() { c.wsConnections.Inc() }

// ConnClosed decrements the live connection gauge.
func (c *Collector) ConnClosed() { c.wsConnections.Dec() }

// ConnEvicted counts a slow-consumer eviction.
func (c *Collector) ConnEvicted() { c.wsEvictions.Inc() }

// BroadcastSent records one fan-out reaching n connections.
func (c *Collector) BroadcastSent(n int) {
	c.broadcastsSent.Inc()
	c.broadcastFan.Observe(float64(n))
}

// CommandReceived counts one client command.
func (c *Collector) CommandReceived(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// CallbackRejected counts a stale-callback rejection.
func (c *Collector) CallbackRejected() { c.callbacksRejected.Inc() }

// TaskStarted counts one task launch.
func (c *Collector) TaskStarted() { c.tasksStarted.Inc() }

// TaskFinished records a terminal outcome and its duration.
func (c *Collector) TaskFinished(outcome string, duration time.Duration) {
	c.tasksFinished.WithLabelValues(outcome).Inc()
	c.taskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
