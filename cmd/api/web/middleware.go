package web

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

const requestIDHeader = "X-Request-ID"

var (
	apiRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "online_judge",
		Subsystem: "api",
		Name:      "request_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	apiRequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "online_judge",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"method", "path"})
)

func init() {
	prometheus.MustRegister(
		apiRequestTotal,
		apiRequestDurationSeconds,
	)
}

// RequestLogger tags the request context with a request id and logs one line per request.
func RequestLogger(log loggerv2.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)
		ctx := loggerv2.ContextWithFields(c.Request.Context(), logger.String("requestID", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		apiRequestTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		apiRequestDurationSeconds.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		log.InfoContext(ctx, "http request",
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Any("status", status),
			logger.Any("latency", time.Since(start).String()),
			logger.String("clientIP", c.ClientIP()))
	}
}
