package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "collabd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabd",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Collaboration sessions created.",
		},
		[]string{"direction"},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabd",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Collaboration sessions removed, by final result code.",
		},
		[]string{"direction", "code"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "collabd",
			Subsystem: "session",
			Name:      "active",
			Help:      "Collaboration sessions currently registered.",
		},
		[]string{"direction"},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "collabd",
			Subsystem: "session",
			Name:      "lifetime_seconds",
			Help:      "Time from session creation to removal.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 20, 60, 300, 1800},
		},
		[]string{"direction"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabd",
			Subsystem: "command",
			Name:      "sent_total",
			Help:      "Wire commands handed to the transport.",
		},
		[]string{"kind", "success"},
	)
	inboundDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabd",
			Subsystem: "command",
			Name:      "inbound_dropped_total",
			Help:      "Inbound wire data discarded before reaching a session.",
		},
		[]string{"reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionsOpened,
			sessionsClosed,
			sessionsActive,
			sessionDuration,
			commandsSent,
			inboundDropped,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionOpened(direction string) {
	RegisterMetrics()
	sessionsOpened.WithLabelValues(direction).Inc()
	sessionsActive.WithLabelValues(direction).Inc()
}

// RecordSessionClosed pairs with RecordSessionOpened; call it once per session.
func RecordSessionClosed(direction, code string, lifetime time.Duration) {
	RegisterMetrics()
	sessionsClosed.WithLabelValues(direction, code).Inc()
	sessionsActive.WithLabelValues(direction).Dec()
	sessionDuration.WithLabelValues(direction).Observe(lifetime.Seconds())
}

func RecordCommandSent(kind string, success bool) {
	RegisterMetrics()
	commandsSent.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}

func RecordInboundDropped(reason string) {
	RegisterMetrics()
	inboundDropped.WithLabelValues(reason).Inc()
}
