package server

import (
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"github.com/gin-gonic/gin"
)

// requestMetrics counts every response under its actual status and records
// the duration of successful ones. The endpoint label is the route template
// so product names never become label values.
func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.cfg.Metrics.RecordRequest(c.Request.Context(), c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}

// chaosHook applies the enabled faults before the handler runs. When the
// injector decides to fail, onFail writes the response and the handler is
// skipped.
func (s *Server) chaosHook(policy chaos.Policy, onFail gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := s.cfg.Injector.Apply(policy)
		if out.Failed {
			onFail(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// accessLog writes one debug record per request.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.cfg.Logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
