package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Lucas-Emanoel/video-proxy/internal/relay"
)

// CORS returns an Echo middleware that puts the permissive cross-origin
// headers on every response, including 404s and errors, and answers any
// OPTIONS preflight with 200 without reaching a handler.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			relay.SetCORS(c.Response().Header())

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}
