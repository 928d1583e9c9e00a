package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tphummel/node_heartbeat/internal/models"
)

// Result label values for HeartbeatsTotal.
const (
	ResultOK           = "ok"
	ResultInvalid      = "invalid"
	ResultStoreFailure = "store_error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_heartbeat_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_heartbeat_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "node_heartbeat_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_heartbeat_heartbeats_total",
			Help: "Heartbeat reports received, by result.",
		},
		[]string{"result"},
	)
)

// ObserveHeartbeat counts one heartbeat report with the given result.
func ObserveHeartbeat(result string) {
	heartbeatsTotal.WithLabelValues(result).Inc()
}

// NodeLister is the subset of db.Store needed to collect node metrics.
type NodeLister interface {
	List(ctx context.Context) ([]*models.Node, error)
}

// nodeCollector queries the store on each scrape and reports the latest
// capacity figures of every node.
type nodeCollector struct {
	store NodeLister

	nodesDesc         *prometheus.Desc
	totalSpaceDesc    *prometheus.Desc
	availableDesc     *prometheus.Desc
	lastHeartbeatDesc *prometheus.Desc
}

func newNodeCollector(store NodeLister) *nodeCollector {
	return &nodeCollector{
		store: store,
		nodesDesc: prometheus.NewDesc(
			"node_heartbeat_nodes",
			"Number of nodes that have reported at least once.",
			nil, nil,
		),
		totalSpaceDesc: prometheus.NewDesc(
			"node_heartbeat_node_total_space_bytes",
			"Total pool capacity from the node's latest heartbeat.",
			[]string{"node", "zpool"}, nil,
		),
		availableDesc: prometheus.NewDesc(
			"node_heartbeat_node_available_space_bytes",
			"Available pool capacity from the node's latest heartbeat.",
			[]string{"node", "zpool"}, nil,
		),
		lastHeartbeatDesc: prometheus.NewDesc(
			"node_heartbeat_node_last_heartbeat_timestamp_seconds",
			"Unix time of the node's latest heartbeat.",
			[]string{"node"}, nil,
		),
	}
}

func (c *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodesDesc
	ch <- c.totalSpaceDesc
	ch <- c.availableDesc
	ch <- c.lastHeartbeatDesc
}

func (c *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nodes, err := c.store.List(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.nodesDesc, err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.nodesDesc, prometheus.GaugeValue, float64(len(nodes)))
	for _, n := range nodes {
		zpool := ""
		if n.ZpoolName != nil {
			zpool = *n.ZpoolName
		}
		if n.TotalSpace != nil {
			ch <- prometheus.MustNewConstMetric(c.totalSpaceDesc, prometheus.GaugeValue,
				float64(*n.TotalSpace), n.NodeName, zpool)
		}
		if n.AvailableSpace != nil {
			ch <- prometheus.MustNewConstMetric(c.availableDesc, prometheus.GaugeValue,
				float64(*n.AvailableSpace), n.NodeName, zpool)
		}
		ch <- prometheus.MustNewConstMetric(c.lastHeartbeatDesc, prometheus.GaugeValue,
			float64(n.LastHeartbeat.UnixNano())/1e9, n.NodeName)
	}
}

// Register registers all metrics with reg. Call once per registry at
// startup after the store is opened.
func Register(reg prometheus.Registerer, store NodeLister) {
	reg.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		// Application metrics
		heartbeatsTotal,
		newNodeCollector(store),
	)
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/api/v1/nodes/{name}")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}
