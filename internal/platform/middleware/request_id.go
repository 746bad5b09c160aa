package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header used to propagate request ids, both inbound
// from facility gateways and outbound on every response.
const RequestIDHeader = "X-Request-ID"

// RequestID attaches a request id to the echo context and echoes it back in
// the response. An id supplied by the caller is preserved so submissions can
// be traced across the facility's own systems.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
