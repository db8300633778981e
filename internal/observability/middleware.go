package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// quietPaths are polled by health checks and scrapers and only log at debug.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Instrument logs each admin request and records its count and latency.
func Instrument(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(c.Request.Method, path, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quietPaths[path]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("admin.http request")
	}
}
