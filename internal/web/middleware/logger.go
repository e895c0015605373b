package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs each request through zerolog
func (m *MiddlewareManager) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := m.log.Debug()
		if c.Writer.Status() >= 500 {
			ev = m.log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("user", c.GetString("user_id")).
			Msg("request")
	}
}
