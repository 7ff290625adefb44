// Package service implements the relay forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"binance-relay/internal/client"
	"binance-relay/internal/config"
	"binance-relay/internal/model"
)

// Validation errors. These are detected locally and never reach the upstream.
var (
	ErrMissingAPIKey      = errors.New("apiKey is required")
	ErrMissingEndpoint    = errors.New("endpoint is required")
	ErrBadEndpoint        = errors.New("endpoint must start with '/'")
	ErrMissingQueryString = errors.New("queryString is required")
	ErrMissingListenKey   = errors.New("listenKey is required")
)

// validationErrors is the set checked by IsValidation.
var validationErrors = []error{
	ErrMissingAPIKey,
	ErrMissingEndpoint,
	ErrBadEndpoint,
	ErrMissingQueryString,
	ErrMissingListenKey,
}

// IsValidation reports whether err is a local validation failure,
// as opposed to a transport failure on the outbound call.
func IsValidation(err error) bool {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

// Fixed upstream endpoints for the dedicated signed routes.
const (
	EndpointOpenOrders     = "/api/v3/openOrders"
	EndpointFiatOrders     = "/sapi/v1/fiat/orders"
	EndpointFiatPayments   = "/sapi/v1/fiat/payments"
	EndpointUserDataStream = "/api/v3/userDataStream"
)

// allowedUpstreamHosts restricts which hosts the relay will forward to.
var allowedUpstreamHosts = map[string]bool{
	"api.binance.com": true,
}

// forwardableResponseHeaders are the only upstream response headers
// forwarded to the browser; everything else is dropped.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":   true,
	"Content-Length": true,
	"Date":           true,
}

// RelayService forwards validated requests to the upstream Binance API.
// It holds no per-request state; all methods are safe for concurrent use.
type RelayService struct {
	client  *client.BinanceClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.BinanceClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return &RelayService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "relay_service"),
		baseURL: u,
	}, nil
}

// NewRelayServiceForTest creates a RelayService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewRelayServiceForTest(c *client.BinanceClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &RelayService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "relay_service"),
		baseURL: u,
	}, nil
}

// Public forwards an unauthenticated GET to base+endpoint, carrying over
// every query parameter except "endpoint" itself. The endpoint must start
// with '/'. The caller is responsible for closing the response body.
func (s *RelayService) Public(ctx context.Context, endpoint string, query url.Values) (*model.RelayResponse, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}

	u := *s.baseURL
	u.Path = endpoint

	q := make(url.Values)
	for k, v := range query {
		if k == "endpoint" {
			continue
		}
		q[k] = v
	}
	u.RawQuery = q.Encode()

	return s.forward(ctx, http.MethodGet, u.String(), "")
}

// Signed forwards a keyed GET to base+endpoint+"?"+queryString. The
// queryString is caller-built and already signed; it is appended verbatim,
// never re-encoded. The caller is responsible for closing the response body.
func (s *RelayService) Signed(ctx context.Context, apiKey, endpoint, queryString string) (*model.RelayResponse, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if queryString == "" {
		return nil, ErrMissingQueryString
	}

	u := *s.baseURL
	u.Path = endpoint
	u.RawQuery = queryString

	return s.forward(ctx, http.MethodGet, u.String(), apiKey)
}

// CreateListenKey opens a user-data stream by POSTing to the upstream
// userDataStream endpoint with the caller's key.
func (s *RelayService) CreateListenKey(ctx context.Context, apiKey string) (*model.RelayResponse, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	u := *s.baseURL
	u.Path = EndpointUserDataStream

	return s.forward(ctx, http.MethodPost, u.String(), apiKey)
}

// KeepAliveListenKey extends an existing user-data stream via an upstream PUT.
func (s *RelayService) KeepAliveListenKey(ctx context.Context, apiKey, listenKey string) (*model.RelayResponse, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if listenKey == "" {
		return nil, ErrMissingListenKey
	}

	u := *s.baseURL
	u.Path = EndpointUserDataStream
	u.RawQuery = url.Values{"listenKey": {listenKey}}.Encode()

	return s.forward(ctx, http.MethodPut, u.String(), apiKey)
}

func (s *RelayService) forward(ctx context.Context, method, upstreamURL, apiKey string) (*model.RelayResponse, error) {
	s.logger.Debug("forwarding request",
		"method", method,
		"keyed", apiKey != "",
	)

	resp, err := s.client.Do(ctx, method, upstreamURL, apiKey)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return ErrMissingEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		return ErrBadEndpoint
	}
	return nil
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
