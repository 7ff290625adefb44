package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"binance-relay/internal/model"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// OPTIONS preflights are answered by the CORS middleware before routing,
// so no OPTIONS routes are registered here.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler, health *HealthHandler) {
	e.GET("/__health", health.Health)

	e.GET("/proxyPublic", relay.Public)
	e.POST("/proxySigned", relay.Signed)
	e.POST("/proxyOpenOrders", relay.OpenOrders)
	e.POST("/proxyFiatOrders", relay.FiatOrders)
	e.POST("/proxyFiatPayments", relay.FiatPayments)
	e.POST("/listenKey", relay.CreateListenKey)
	e.PUT("/listenKey", relay.KeepAliveListenKey)
}

// NewHTTPErrorHandler returns the central Echo error handler. Anything that
// misses the route table (path or method) gets a plain-text 404; other
// escaped errors get the relay's JSON envelope. CORS headers are already on
// the response because the CORS middleware sets them before routing.
func NewHTTPErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}

		switch code {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			if werr := c.String(http.StatusNotFound, "not found"); werr != nil {
				logger.Error("writing 404 response", "err", werr)
			}
		default:
			msg := http.StatusText(code)
			if he != nil {
				if s, ok := he.Message.(string); ok {
					msg = s
				}
			}
			if werr := c.JSON(code, model.Result{OK: false, Message: msg}); werr != nil {
				logger.Error("writing error response", "err", werr)
			}
		}
	}
}
