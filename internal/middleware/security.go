package middleware

import (
	"github.com/labstack/echo/v4"
)

// inboundHopHeaders are dropped from client requests before any handler runs.
var inboundHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and pins the proxy's own security headers on every response.
// The headers are applied just before the status line is written so relayed
// origin values cannot override them.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range inboundHopHeaders {
				c.Request().Header.Del(h)
			}

			res := c.Response()
			res.Before(func() {
				h := res.Header()
				h.Set("X-Content-Type-Options", "nosniff")
				h.Set("X-Frame-Options", "SAMEORIGIN")
				// Keeps the /proxy?url= query in same-origin referers.
				h.Set("Referrer-Policy", "same-origin")
			})

			return next(c)
		}
	}
}
