package observ

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyhub_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studyhub_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "studyhub_ws_active_connections",
			Help: "Number of attached websocket connections.",
		},
		[]string{"kind"},
	)
	wsFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyhub_ws_frames_total",
			Help: "Websocket frames by direction and type.",
		},
		[]string{"direction", "type"},
	)
	wsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studyhub_ws_slow_consumer_detach_total",
			Help: "Sockets detached because their send buffer was full.",
		},
	)
	relayPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studyhub_relay_publish_errors_total",
			Help: "Broker publishes that failed or timed out.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studyhub_amqp_publish_errors_total",
			Help: "Domain events that could not be exported.",
		},
	)
	matchingPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studyhub_matching_pass_duration_seconds",
			Help:    "Wall-clock time of one matching pass.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5},
		},
	)
	proposalsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studyhub_matching_proposals_created_total",
			Help: "Proposals emitted by the matching engine.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsFramesTotal,
		wsDroppedTotal,
		relayPublishErrorsTotal,
		amqpPublishErrorsTotal,
		matchingPassDuration,
		proposalsCreatedTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(kind string) { wsActiveConnections.WithLabelValues(kind).Inc() }

func DecWSActive(kind string) { wsActiveConnections.WithLabelValues(kind).Dec() }

func IncWSFrame(direction, frameType string) {
	wsFramesTotal.WithLabelValues(direction, frameType).Inc()
}

func IncWSSlowConsumer() { wsDroppedTotal.Inc() }

func IncRelayPublishError() { relayPublishErrorsTotal.Inc() }

func IncAMQPPublishError() { amqpPublishErrorsTotal.Inc() }

func ObserveMatchingPass(d time.Duration) { matchingPassDuration.Observe(d.Seconds()) }

func AddProposalsCreated(n int) { proposalsCreatedTotal.Add(float64(n)) }
