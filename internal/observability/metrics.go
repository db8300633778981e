package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pnclient"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// ClientMetrics instruments one connection manager. Metrics built with a nil
// registerer still count but are not exported.
type ClientMetrics struct {
	PendingTasks      prometheus.Gauge
	Tasks             *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	Notifications     prometheus.Counter
	AckFailures       prometheus.Counter
	State             prometheus.Gauge
}

func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		PendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "pending",
			Help:      "Lifecycle tasks submitted and not yet completed.",
		}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "completed_total",
			Help:      "Lifecycle task runs by task and outcome.",
		}, []string{"task", "outcome"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconnect",
			Name:      "attempts_total",
			Help:      "Reconnection supervisor runs started.",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "received_total",
			Help:      "Notifications delivered to the sink.",
		}),
		AckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "ack_failures_total",
			Help:      "Notification acknowledgements that could not be sent.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (0 disconnected .. 4 connected, 5 failed).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PendingTasks, m.Tasks, m.ReconnectAttempts, m.Notifications, m.AckFailures, m.State)
	}
	return m
}

func (m *ClientMetrics) RecordTask(task, outcome string) {
	m.Tasks.WithLabelValues(task, outcome).Inc()
}
