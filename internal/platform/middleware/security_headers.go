package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets hardening headers on every response. Responses under
// one of the cacheable path prefixes (rendered thumbnails) may be cached by
// clients; everything else is marked no-store.
func SecurityHeaders(cacheable ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; img-src 'self'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")

			cache := "no-store"
			path := c.Request().URL.Path
			for _, prefix := range cacheable {
				if strings.HasPrefix(path, prefix) {
					cache = "private, max-age=3600"
					break
				}
			}
			h.Set("Cache-Control", cache)

			return next(c)
		}
	}
}
