// Package models defines types shared across internal packages.
package models

import "encoding/json"

// RelayRequest is the body of a relay exchange call.
type RelayRequest struct {
	TokenURL string            `json:"tokenUrl"`
	Params   map[string]string `json:"params"`
}

// RelayResponse is the envelope the relay returns for every proxied call.
// Status is the upstream HTTP status. Data is the upstream body: the
// parsed JSON when the body was valid JSON, otherwise a JSON string
// holding the raw text.
type RelayResponse struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// ErrorResponse is the body of every non-200 relay or auth response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionResponse is returned by the sign-in endpoint.
type SessionResponse struct {
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	User        string `json:"user"`
}

// SignInRequest is the body of a sign-in call.
type SignInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
