// Package metrics exposes the platform's Prometheus instrumentation.
//
// Every collector registers on the default registry at package load, so
// importing any package that records a metric is enough to surface it on
// /metrics.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nestbid"

var auto = promauto.With(prometheus.DefaultRegisterer)

// HTTP surface.
var (
	// HTTPRequestsTotal counts requests by method, route pattern and status class.
	HTTPRequestsTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Requests served, labelled by method, route pattern and status class.",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks latency per route pattern.
	HTTPRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Wall-clock request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// RateLimitedTotal counts requests the limiter turned away.
	RateLimitedTotal = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_requests_total",
		Help:      "Requests rejected with 429.",
	})
)

// Delivery and streaming surface.
var (
	// WebhookDeliveriesTotal counts outbound webhook attempts by result.
	WebhookDeliveriesTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Outbound webhook deliveries by result.",
	}, []string{"result"})

	// ActiveWebSocketClients is the number of live event stream connections.
	ActiveWebSocketClients = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Currently connected WebSocket clients.",
	})
)

// Connection pool and runtime health, sampled by StartDBStatsCollector.
var (
	DBOpenConnections  = poolGauge("db_open_connections", "Open database connections.")
	DBIdleConnections  = poolGauge("db_idle_connections", "Idle database connections.")
	DBInUseConnections = poolGauge("db_in_use_connections", "Database connections currently in use.")
	DBWaitCount        = poolGauge("db_wait_count_total", "Connections waited for since start.")
	DBWaitDuration     = poolGauge("db_wait_duration_seconds_total", "Cumulative time spent waiting for a connection.")
	GoroutineCount     = poolGauge("goroutines", "Live goroutines.")
)

func poolGauge(name, help string) prometheus.Gauge {
	return auto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// StartDBStatsCollector samples the connection pool and goroutine count every
// interval until ctx is done. Run it in its own goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samplePool(db.Stats())
		}
	}
}

func samplePool(stats sql.DBStats) {
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBIdleConnections.Set(float64(stats.Idle))
	DBInUseConnections.Set(float64(stats.InUse))
	DBWaitCount.Set(float64(stats.WaitCount))
	DBWaitDuration.Set(stats.WaitDuration.Seconds())
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Middleware records a latency sample and a status-class count per request.
// Labels use the route pattern, never the raw URL, to keep cardinality flat.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		method := c.Request.Method
		route := c.FullPath()
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the Prometheus exposition endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass collapses a status code to its class ("2xx", "4xx", ...).
func statusClass(code int) string {
	class := code / 100
	if class < 1 {
		class = 1
	} else if class > 5 {
		class = 5
	}
	return strconv.Itoa(class) + "xx"
}
