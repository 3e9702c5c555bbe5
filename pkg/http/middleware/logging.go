package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	applogger "FinAgent/pkg/logger"
)

// RequestLogging logs every request at debug level and slow ones as warnings.
func RequestLogging(l *applogger.Logger, slow time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			latency := time.Since(start)

			fields := []applogger.Field{
				applogger.String("method", c.Request().Method),
				applogger.String("uri", c.Request().RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", c.Response().Status),
				applogger.Duration("latency", latency),
			}
			if slow > 0 && latency >= slow {
				l.Warn("http request slow", fields...)
			} else {
				l.Debug("http request", fields...)
			}
			return err
		}
	}
}
