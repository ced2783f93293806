package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/casa/internal/controller/service"
	"github.com/jmerrifield20/casa/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	casaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casa_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	casaRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "casa_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	casaCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casa_commands_total",
		Help: "Device commands by authorization reason.",
	}, []string{"reason"})

	casaActuationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casa_actuations_total",
		Help: "Authorized commands by actuation result.",
	}, []string{"result"})

	casaBlocksSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "casa_blocks_sealed_total",
		Help: "Total ledger blocks sealed.",
	})

	casaLedgerHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "casa_ledger_height",
		Help: "Index of the most recently sealed block.",
	})

	casaArchiveWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casa_archive_writes_total",
		Help: "Sealed block archive writes by result.",
	}, []string{"result"})

	casaRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casa_rate_limited_total",
		Help: "Requests refused by the rate limiter, by route.",
	}, []string{"path"})

	casaProfilesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "casa_profiles_loaded",
		Help: "Number of installed permission profiles.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		casaRequestsTotal.WithLabelValues(method, path, status).Inc()
		casaRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCommand records the outcome of a device command.
// Register it with CommandService.OnResult.
func RecordCommand(res service.Result) {
	casaCommandsTotal.WithLabelValues(string(res.Decision.Reason)).Inc()
	if !res.Decision.Allowed {
		return
	}
	if res.Actuated {
		casaActuationsTotal.WithLabelValues("success").Inc()
	} else {
		casaActuationsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordBlockSealed records a sealed block. Register it with Ledger.OnSeal.
func RecordBlockSealed(b *ledger.Block) {
	casaBlocksSealedTotal.Inc()
	casaLedgerHeight.Set(float64(b.Index()))
}

// RecordArchiveWrite records an archive write. Register it with
// Archiver.OnWrite.
func RecordArchiveWrite(err error) {
	if err != nil {
		casaArchiveWritesTotal.WithLabelValues("failure").Inc()
	} else {
		casaArchiveWritesTotal.WithLabelValues("success").Inc()
	}
}

// SetProfilesGauge sets the installed profile count.
func SetProfilesGauge(n int) {
	casaProfilesLoaded.Set(float64(n))
}
