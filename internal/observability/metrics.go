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
			Namespace: "sissybot",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sissybot",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sissybot",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames moved over the drive link.",
		},
		[]string{"direction", "kind", "outcome"},
	)
	linkBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sissybot",
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Raw bytes moved over the drive link.",
		},
		[]string{"direction"},
	)
	linkSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sissybot",
			Subsystem: "link",
			Name:      "sessions_active",
			Help:      "Open drive link connections.",
		},
	)
	streamCorruptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sissybot",
			Subsystem: "link",
			Name:      "stream_corruptions_total",
			Help:      "Connections dropped after a zero length header.",
		},
	)
	taskFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sissybot",
			Subsystem: "reactor",
			Name:      "task_failures_total",
			Help:      "Background tasks that finished with an error.",
		},
		[]string{"loop"},
	)
	busMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sissybot",
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Bus messages published or delivered through the proxy.",
		},
		[]string{"direction"},
	)
	actuations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sissybot",
			Subsystem: "chassis",
			Name:      "actuations_total",
			Help:      "Motion commands applied to the chassis.",
		},
		[]string{"kind", "source"},
	)
	busState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sissybot",
			Subsystem: "bus",
			Name:      "up",
			Help:      "1 while the bus proxy reports a live session.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			linkFrames,
			linkBytes,
			linkSessions,
			streamCorruptions,
			taskFailures,
			busMessages,
			actuations,
			busState,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame; direction is "rx" or "tx".
func RecordFrame(direction, kind, outcome string) {
	RegisterMetrics()
	linkFrames.WithLabelValues(direction, kind, outcome).Inc()
}

func RecordBytes(direction string, n int) {
	RegisterMetrics()
	linkBytes.WithLabelValues(direction).Add(float64(n))
}

func SessionOpened() {
	RegisterMetrics()
	linkSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	linkSessions.Dec()
}

func RecordStreamCorruption() {
	RegisterMetrics()
	streamCorruptions.Inc()
}

func RecordTaskFailure(loop string) {
	RegisterMetrics()
	taskFailures.WithLabelValues(loop).Inc()
}

func RecordBusMessage(direction string) {
	RegisterMetrics()
	busMessages.WithLabelValues(direction).Inc()
}

func SetBusUp(up bool) {
	RegisterMetrics()
	if up {
		busState.Set(1)
		return
	}
	busState.Set(0)
}

// RecordActuation counts one applied command; source is "link" or "bus".
func RecordActuation(kind, source string) {
	RegisterMetrics()
	actuations.WithLabelValues(kind, source).Inc()
}
