package middleware

import (
	"github.com/labstack/echo/v4"

	"pathproxy-go/internal/relay"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from the inbound request, including those nominated by Connection, so
// they never reach the rebuilt outbound request. Responses are untouched.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			req.Header = relay.StripHopByHop(req.Header)
			return next(c)
		}
	}
}
