package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"binance-relay/internal/model"
	"binance-relay/internal/service"
)

// secretParamPattern matches signed query-string secrets embedded in URLs
// that transport errors may carry.
var secretParamPattern = regexp.MustCompile(`(?i)((?:signature|listenKey)=)[^&\s"]+`)

// RelayHandler forwards browser requests to the upstream Binance API.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Public handles GET /proxyPublic. The target endpoint comes from the
// "endpoint" query parameter; all remaining query parameters are forwarded.
func (h *RelayHandler) Public(c echo.Context) error {
	req := c.Request()

	resp, err := h.service.Public(req.Context(), c.QueryParam("endpoint"), req.URL.Query())
	if err != nil {
		return h.mapError(c, err)
	}
	return h.writeUpstream(c, resp)
}

// Signed handles POST /proxySigned: a keyed GET to a caller-chosen endpoint
// with a caller-built, pre-signed query string.
func (h *RelayHandler) Signed(c echo.Context) error {
	body, err := decodeBody(c)
	if err != nil {
		return badRequest(c, "invalid JSON body")
	}

	resp, err := h.service.Signed(c.Request().Context(), body.APIKey, body.Endpoint, body.QueryString)
	if err != nil {
		return h.mapError(c, err)
	}
	return h.writeUpstream(c, resp)
}

// OpenOrders handles POST /proxyOpenOrders.
func (h *RelayHandler) OpenOrders(c echo.Context) error {
	return h.fixedSigned(c, service.EndpointOpenOrders)
}

// FiatOrders handles POST /proxyFiatOrders.
func (h *RelayHandler) FiatOrders(c echo.Context) error {
	return h.fixedSigned(c, service.EndpointFiatOrders)
}

// FiatPayments handles POST /proxyFiatPayments.
func (h *RelayHandler) FiatPayments(c echo.Context) error {
	return h.fixedSigned(c, service.EndpointFiatPayments)
}

// fixedSigned relays a signed GET to a route-fixed upstream endpoint.
func (h *RelayHandler) fixedSigned(c echo.Context, endpoint string) error {
	body, err := decodeBody(c)
	if err != nil {
		return badRequest(c, "invalid JSON body")
	}

	resp, err := h.service.Signed(c.Request().Context(), body.APIKey, endpoint, body.QueryString)
	if err != nil {
		return h.mapError(c, err)
	}
	return h.writeUpstream(c, resp)
}

// CreateListenKey handles POST /listenKey.
func (h *RelayHandler) CreateListenKey(c echo.Context) error {
	body, err := decodeBody(c)
	if err != nil {
		return badRequest(c, "invalid JSON body")
	}

	resp, err := h.service.CreateListenKey(c.Request().Context(), body.APIKey)
	if err != nil {
		return h.mapError(c, err)
	}
	return h.writeUpstream(c, resp)
}

// KeepAliveListenKey handles PUT /listenKey.
func (h *RelayHandler) KeepAliveListenKey(c echo.Context) error {
	body, err := decodeBody(c)
	if err != nil {
		return badRequest(c, "invalid JSON body")
	}

	resp, err := h.service.KeepAliveListenKey(c.Request().Context(), body.APIKey, body.ListenKey)
	if err != nil {
		return h.mapError(c, err)
	}
	return h.writeUpstream(c, resp)
}

// writeUpstream streams the upstream status and body back verbatim.
// The content type follows the upstream's, defaulting to application/json.
func (h *RelayHandler) writeUpstream(c echo.Context, resp *model.RelayResponse) error {
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	if c.Response().Header().Get(echo.HeaderContentType) == "" {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. We log the error for visibility.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	return nil
}

// mapError turns service errors into the relay's local error responses:
// validation failures become 400, transport failures become 500. Upstream
// non-2xx statuses never reach here; they pass through writeUpstream.
func (h *RelayHandler) mapError(c echo.Context, err error) error {
	if service.IsValidation(err) {
		return badRequest(c, err.Error())
	}

	msg := sanitizeError(err)
	h.logger.Error("relay error",
		"err", msg,
		"path", c.Request().URL.Path,
	)

	return c.JSON(http.StatusInternalServerError, model.Result{OK: false, Message: msg})
}

func badRequest(c echo.Context, reason string) error {
	return c.JSON(http.StatusBadRequest, model.Result{OK: false, Message: reason})
}

func decodeBody(c echo.Context) (*model.SignedRequest, error) {
	var body model.SignedRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

// sanitizeError redacts signed query-string secrets from error messages
// that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
