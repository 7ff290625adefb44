// Package client provides the upstream HTTP client for the Binance API.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"binance-relay/internal/config"
	"binance-relay/internal/metrics"
	"binance-relay/internal/model"
)

// HeaderAPIKey is the header Binance expects the API key in.
const HeaderAPIKey = "X-MBX-APIKEY"

const userAgent = "binance-relay/1.0"

// BinanceClient sends requests to the upstream Binance API.
type BinanceClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBinanceClient creates a BinanceClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewBinanceClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BinanceClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BinanceClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "binance_client"),
		metrics: m,
	}
}

// Do executes a single request against the upstream and returns the raw
// response. There are no retries; the caller owns the retry decision and is
// responsible for closing the response body. The apiKey, when non-empty, is
// sent in the X-MBX-APIKEY header and never appears in the URL or logs.
//
// The provided context controls the lifetime of the upstream request: when
// the context is canceled (e.g. the browser disconnects), the upstream
// request is also canceled.
func (c *BinanceClient) Do(ctx context.Context, method, url, apiKey string) (*model.RelayResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set(HeaderAPIKey, apiKey)
	}

	c.logger.Debug("upstream request",
		"method", method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via RelayResponse
	duration := time.Since(start).Seconds()

	labelMethod := metrics.NormalizeMethod(method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(labelMethod).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(labelMethod).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(labelMethod, status).Inc()
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
