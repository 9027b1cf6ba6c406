// Package obs holds the server's own Prometheus instrumentation: HTTP
// request metrics plus counters for the poller, the MQTT bridge and the
// upstream circuit breaker.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts API requests by route, method and status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttscope_http_requests_total",
		Help: "API requests served, by route, method and status code.",
	}, []string{"route", "method", "status"})

	// HTTPDuration observes API request latency by route
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mqttscope_http_request_duration_seconds",
		Help:    "API request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// PollCycles counts completed upstream poll cycles
	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttscope_poll_cycles_total",
		Help: "Completed upstream poll cycles.",
	})

	// PollErrors counts failed upstream poll cycles
	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttscope_poll_errors_total",
		Help: "Upstream poll cycles that ended in an error.",
	})

	// RowsFetched counts telemetry rows pulled from the upstream API
	RowsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttscope_rows_fetched_total",
		Help: "Telemetry rows fetched from the upstream API, by table.",
	}, []string{"table"})

	// BridgeMessages counts events received over the live MQTT bridge
	BridgeMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttscope_bridge_messages_total",
		Help: "Event envelopes received over the MQTT bridge.",
	})

	// BridgeErrors counts undecodable or unwritable bridge messages
	BridgeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttscope_bridge_errors_total",
		Help: "MQTT bridge messages that could not be decoded or stored.",
	})

	// BreakerOpen is 1 while the upstream circuit breaker is open
	BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqttscope_upstream_breaker_open",
		Help: "1 while the upstream circuit breaker is open, else 0.",
	})

	// TopicActions counts topic admin RPCs by action and dry-run flag
	TopicActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttscope_topic_actions_total",
		Help: "Topic archive/unarchive/delete invocations, by action and dry_run.",
	}, []string{"action", "dry_run"})
)

// Handler exposes the default Prometheus registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status for the request counter
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware instruments every request. The mux route template is used as
// the route label so path variables don't explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
