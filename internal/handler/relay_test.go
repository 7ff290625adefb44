package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"binance-relay/internal/client"
	"binance-relay/internal/config"
	"binance-relay/internal/model"
	"binance-relay/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelayHandler(t *testing.T, baseURL string) *RelayHandler {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := testLogger()
	c := client.NewBinanceClient(cfg, logger, nil)
	svc, err := service.NewRelayServiceForTest(c, cfg, logger)
	if err != nil {
		t.Fatalf("NewRelayServiceForTest: %v", err)
	}
	return NewRelayHandler(svc, logger)
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) model.Result {
	t.Helper()
	var res model.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return res
}

func TestPublic_PassesThroughStatusAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/time" {
			t.Errorf("upstream path = %q, want /api/v3/time", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"serverTime":1700000000000}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxyPublic?endpoint=/api/v3/time", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Public(c); err != nil {
		t.Fatalf("Public() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"serverTime":1700000000000}` {
		t.Errorf("body = %q, not passed through verbatim", got)
	}
}

func TestPublic_UpstreamErrorStatusPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxyPublic?endpoint=/api/v3/time", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Public(c); err != nil {
		t.Fatalf("Public() error = %v", err)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Body.String(); got != `{"code":-1003,"msg":"Too many requests."}` {
		t.Errorf("body = %q, not passed through verbatim", got)
	}
}

func TestPublic_MissingEndpoint(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxyPublic", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Public(c); err != nil {
		t.Fatalf("Public() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	res := decodeResult(t, rec)
	if res.OK || res.Message == "" {
		t.Errorf("result = %+v, want ok=false with a reason", res)
	}
	if calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", calls.Load())
	}
}

func TestPublic_DefaultContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// No Content-Type from the upstream.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxyPublic?endpoint=/api/v3/time", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Public(c); err != nil {
		t.Fatalf("Public() error = %v", err)
	}

	if got := rec.Header().Get(echo.HeaderContentType); got != echo.MIMEApplicationJSON {
		t.Errorf("Content-Type = %q, want %q", got, echo.MIMEApplicationJSON)
	}
}

func TestSigned_ForwardsKeyAndQueryString(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(client.HeaderAPIKey); got != "X" {
			t.Errorf("%s = %q, want %q", client.HeaderAPIKey, got, "X")
		}
		if got := r.URL.RawQuery; got != "symbol=BTCUSDT&signature=sig" {
			t.Errorf("RawQuery = %q, want verbatim query string", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	body := `{"apiKey":"X","endpoint":"/api/v3/myTrades","queryString":"symbol=BTCUSDT&signature=sig"}`
	req := httptest.NewRequest(http.MethodPost, "/proxySigned", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Signed(c); err != nil {
		t.Fatalf("Signed() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestSigned_MissingFields(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	tests := []struct {
		name string
		body string
	}{
		{"missing apiKey", `{"endpoint":"/api/v3/account","queryString":"a=b"}`},
		{"missing endpoint", `{"apiKey":"X","queryString":"a=b"}`},
		{"bad endpoint", `{"apiKey":"X","endpoint":"api/v3/account","queryString":"a=b"}`},
		{"missing queryString", `{"apiKey":"X","endpoint":"/api/v3/account"}`},
		{"malformed JSON", `{"apiKey":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/proxySigned", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.Signed(c); err != nil {
				t.Fatalf("Signed() error = %v", err)
			}

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			res := decodeResult(t, rec)
			if res.OK || res.Message == "" {
				t.Errorf("result = %+v, want ok=false with a reason", res)
			}
		})
	}

	if calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0 for validation failures", calls.Load())
	}
}

func TestFixedSignedRoutes(t *testing.T) {
	tests := []struct {
		name         string
		handle       func(h *RelayHandler, c echo.Context) error
		wantEndpoint string
	}{
		{"open orders", (*RelayHandler).OpenOrders, service.EndpointOpenOrders},
		{"fiat orders", (*RelayHandler).FiatOrders, service.EndpointFiatOrders},
		{"fiat payments", (*RelayHandler).FiatPayments, service.EndpointFiatPayments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.wantEndpoint {
					t.Errorf("upstream path = %q, want %q", r.URL.Path, tt.wantEndpoint)
				}
				if got := r.URL.RawQuery; got != "timestamp=1&signature=s" {
					t.Errorf("RawQuery = %q, want verbatim query string", got)
				}
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`[]`))
			}))
			defer upstream.Close()

			h := newTestRelayHandler(t, upstream.URL)

			e := echo.New()
			body := `{"apiKey":"X","queryString":"timestamp=1&signature=s"}`
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := tt.handle(h, c); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestCreateListenKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("upstream method = %q, want POST", r.Method)
		}
		if r.URL.Path != service.EndpointUserDataStream {
			t.Errorf("upstream path = %q, want %q", r.URL.Path, service.EndpointUserDataStream)
		}
		if got := r.Header.Get(client.HeaderAPIKey); got != "X" {
			t.Errorf("%s = %q, want %q", client.HeaderAPIKey, got, "X")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"listenKey":"lk"}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/listenKey", strings.NewReader(`{"apiKey":"X"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateListenKey(c); err != nil {
		t.Fatalf("CreateListenKey() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"listenKey":"lk"}` {
		t.Errorf("body = %q, not passed through verbatim", got)
	}
}

func TestKeepAliveListenKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("upstream method = %q, want PUT", r.Method)
		}
		if got := r.URL.Query().Get("listenKey"); got != "Y" {
			t.Errorf("listenKey = %q, want %q", got, "Y")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/listenKey", strings.NewReader(`{"apiKey":"X","listenKey":"Y"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.KeepAliveListenKey(c); err != nil {
		t.Fatalf("KeepAliveListenKey() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestKeepAliveListenKey_MissingListenKey(t *testing.T) {
	h := newTestRelayHandler(t, "https://api.binance.com")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/listenKey", strings.NewReader(`{"apiKey":"X"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.KeepAliveListenKey(c); err != nil {
		t.Fatalf("KeepAliveListenKey() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMapError_TransportFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	upstream.Close() // connection refused

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxyPublic?endpoint=/api/v3/time", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Public(c); err != nil {
		t.Fatalf("Public() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	res := decodeResult(t, rec)
	if res.OK || res.Message == "" {
		t.Errorf("result = %+v, want ok=false with error text", res)
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts signature in URL",
			err:  `Get "https://api.binance.com/api/v3/account?timestamp=1&signature=abc123": connection refused`,
			want: `Get "https://api.binance.com/api/v3/account?timestamp=1&signature=[REDACTED]": connection refused`,
		},
		{
			name: "redacts listenKey in URL",
			err:  `Put "https://api.binance.com/api/v3/userDataStream?listenKey=secretLK": EOF`,
			want: `Put "https://api.binance.com/api/v3/userDataStream?listenKey=[REDACTED]": EOF`,
		},
		{
			name: "no secrets unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
