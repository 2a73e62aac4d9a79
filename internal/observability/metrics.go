package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nyxrpc",
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Frames encoded or decoded by rpc channels.",
		},
		[]string{"node", "direction"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nyxrpc",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Socket bytes read or written.",
		},
		[]string{"node", "direction"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nyxrpc",
			Subsystem: "channel",
			Name:      "protocol_errors_total",
			Help:      "Connections dropped for an invalid frame length.",
		},
		[]string{"node"},
	)
	dispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nyxrpc",
			Subsystem: "channel",
			Name:      "dispatch_errors_total",
			Help:      "Calls dropped because the method was unknown or the handler failed.",
		},
		[]string{"node", "reason"},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nyxrpc",
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Connections that reached the disconnected state.",
		},
		[]string{"node", "cause"},
	)
	connectResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nyxrpc",
			Subsystem: "client",
			Name:      "connect_total",
			Help:      "Outbound connect attempts by outcome.",
		},
		[]string{"node", "outcome"},
	)
	connectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nyxrpc",
			Subsystem: "client",
			Name:      "connect_duration_seconds",
			Help:      "Outbound connect duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "outcome"},
	)
	liveChannels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nyxrpc",
			Subsystem: "channel",
			Name:      "live",
			Help:      "Channels currently tracked by the channel manager.",
		},
		[]string{"node"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nyxrpc",
			Subsystem: "admin_http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nyxrpc",
			Subsystem: "admin_http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			bytesTotal,
			protocolErrors,
			dispatchErrors,
			disconnects,
			connectResults,
			connectDuration,
			liveChannels,
			httpRequests,
			httpDuration,
		)
	})
}

// Recorder binds metric updates to one node label.
// The zero value records under an empty node label.
type Recorder struct {
	Node string
}

func NewRecorder(node string) Recorder {
	RegisterMetrics()
	return Recorder{Node: node}
}

func (r Recorder) FrameIn()  { framesTotal.WithLabelValues(r.Node, "in").Inc() }
func (r Recorder) FrameOut() { framesTotal.WithLabelValues(r.Node, "out").Inc() }

func (r Recorder) BytesIn(n int) {
	bytesTotal.WithLabelValues(r.Node, "in").Add(float64(n))
}

func (r Recorder) BytesOut(n int) {
	bytesTotal.WithLabelValues(r.Node, "out").Add(float64(n))
}

func (r Recorder) ProtocolError() {
	protocolErrors.WithLabelValues(r.Node).Inc()
}

func (r Recorder) DispatchError(reason string) {
	dispatchErrors.WithLabelValues(r.Node, reason).Inc()
}

func (r Recorder) Disconnect(cause string) {
	disconnects.WithLabelValues(r.Node, cause).Inc()
}

func (r Recorder) Connect(outcome string, duration time.Duration) {
	connectResults.WithLabelValues(r.Node, outcome).Inc()
	connectDuration.WithLabelValues(r.Node, outcome).Observe(duration.Seconds())
}

func (r Recorder) LiveChannels(n int) {
	liveChannels.WithLabelValues(r.Node).Set(float64(n))
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
