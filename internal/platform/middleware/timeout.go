package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. Storage calls made
// with that context give up once it passes, and a handler error caused by
// the deadline is reported as 504. Paths ending in /ws are long lived and
// are left alone.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || strings.HasSuffix(c.Request().URL.Path, "/ws") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && timedOut(err) {
				return echo.NewHTTPError(http.StatusGatewayTimeout, map[string]string{
					"error":   "timeout",
					"message": "request processing exceeded the allowed time",
				}).SetInternal(err)
			}
			return err
		}
	}
}

func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Internal != nil {
		return errors.Is(he.Internal, context.DeadlineExceeded)
	}
	return false
}
