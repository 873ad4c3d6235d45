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
			Namespace: "chamctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total diagnostics HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chamctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Diagnostics HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chamctl",
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Frames sent and received, by command and outcome.",
		},
		[]string{"direction", "command", "result"},
	)
	rxAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chamctl",
			Subsystem: "protocol",
			Name:      "rx_discarded_bytes_total",
			Help:      "Bytes discarded by the RX reassembler, by reason.",
		},
		[]string{"reason"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chamctl",
			Subsystem: "link",
			Name:      "state_transitions_total",
			Help:      "Connection state machine transitions.",
		},
		[]string{"from", "to"},
	)
	subscribeTiers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chamctl",
			Subsystem: "link",
			Name:      "subscribe_attempts_total",
			Help:      "Notification negotiation outcomes by tier.",
		},
		[]string{"tier", "success"},
	)
	connectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chamctl",
			Subsystem: "link",
			Name:      "connect_duration_seconds",
			Help:      "Time from connect attempt to READY.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40},
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration, frames, rxAnomalies,
			transitions, subscribeTiers, connectDuration,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(direction, command, result string) {
	RegisterMetrics()
	frames.WithLabelValues(direction, command, result).Inc()
}

func RecordRXDiscard(reason string, dropped int) {
	RegisterMetrics()
	rxAnomalies.WithLabelValues(reason).Add(float64(dropped))
}

func RecordTransition(from, to string) {
	RegisterMetrics()
	transitions.WithLabelValues(from, to).Inc()
}

func RecordSubscribeTier(tier string, success bool) {
	RegisterMetrics()
	subscribeTiers.WithLabelValues(tier, strconv.FormatBool(success)).Inc()
}

func RecordConnectDuration(d time.Duration) {
	RegisterMetrics()
	connectDuration.Observe(d.Seconds())
}
