// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
)

// SignedRequest is the JSON body accepted by the signed relay routes.
// Which fields are required depends on the route; queryString is assumed
// to already carry the caller's HMAC signature.
type SignedRequest struct {
	APIKey      string `json:"apiKey"`
	Endpoint    string `json:"endpoint"`
	QueryString string `json:"queryString"`
	ListenKey   string `json:"listenKey"`
}

// RelayResponse represents the upstream response to be streamed back.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Result is the envelope for locally generated JSON responses
// (validation failures and transport failures).
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}
