// Package middleware provides Echo middleware for CORS, logging,
// security headers, and metrics.
package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const allowMethods = "GET, POST, PUT, OPTIONS"

// cacheSuppressionHeaders keep browsers and intermediate proxies from
// caching relayed exchange data.
var cacheSuppressionHeaders = map[string]string{
	"Cache-Control": "no-store, no-cache, must-revalidate, proxy-revalidate",
	"Pragma":        "no-cache",
	"Expires":       "0",
}

// CORS returns an Echo middleware that attaches cross-origin and
// cache-suppression headers to every response, including errors, and
// answers OPTIONS preflights with an empty 204.
//
// The Allow-Origin header echoes the caller's Origin ("*" when absent) and
// Allow-Headers echoes the preflight's requested headers, falling back to
// defaultAllowHeaders. Headers are set before the handler runs so that
// responses written by the central error handler carry them too.
func CORS(defaultAllowHeaders string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			h := c.Response().Header()

			origin := req.Header.Get(echo.HeaderOrigin)
			if origin == "" {
				origin = "*"
			}
			h.Set(echo.HeaderAccessControlAllowOrigin, origin)
			h.Set(echo.HeaderAccessControlAllowMethods, allowMethods)

			allowHeaders := req.Header.Get(echo.HeaderAccessControlRequestHeaders)
			if allowHeaders == "" {
				allowHeaders = defaultAllowHeaders
			}
			h.Set(echo.HeaderAccessControlAllowHeaders, allowHeaders)

			for k, v := range cacheSuppressionHeaders {
				h.Set(k, v)
			}
			h.Set(echo.HeaderVary, "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")

			if req.Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}
