package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alexjbarnes/oauth2-tester/internal/models"
	"github.com/tidwall/gjson"
)

// TokenResult is the token endpoint's answer as reported by the relay.
// Exactly one of JSON and Raw is meaningful: JSON holds the body when the
// upstream returned valid JSON, Raw holds the text otherwise.
type TokenResult struct {
	Status int             `json:"status"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Raw    string          `json:"raw,omitempty"`
}

// newTokenResult unpacks a relay envelope. The relay encodes non-JSON
// bodies as a JSON string, so a string value is the raw text.
func newTokenResult(resp *models.RelayResponse) (*TokenResult, error) {
	data := bytes.TrimSpace(resp.Data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decoding relay data: %w", err)
		}

		return &TokenResult{Status: resp.Status, Raw: raw}, nil
	}

	if len(data) == 0 {
		return &TokenResult{Status: resp.Status}, nil
	}

	return &TokenResult{Status: resp.Status, JSON: append(json.RawMessage(nil), data...)}, nil
}

// IsJSON reports whether the upstream body was JSON.
func (r *TokenResult) IsJSON() bool {
	return len(r.JSON) > 0
}

// Body returns the upstream body as received.
func (r *TokenResult) Body() string {
	if r.IsJSON() {
		return string(r.JSON)
	}

	return r.Raw
}

// Pretty returns indented JSON, or the raw text unchanged.
func (r *TokenResult) Pretty() string {
	if !r.IsJSON() {
		return r.Raw
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, r.JSON, "", "  "); err != nil {
		return string(r.JSON)
	}

	return buf.String()
}

// Summary describes the well-known token response fields. Token values
// are reported by presence only.
func (r *TokenResult) Summary() string {
	parts := []string{fmt.Sprintf("status=%d", r.Status)}

	if !r.IsJSON() {
		return strings.Join(append(parts, "body=text"), " ")
	}

	res := gjson.ParseBytes(r.JSON)
	if !res.IsObject() {
		return strings.Join(append(parts, "body=json"), " ")
	}

	for _, key := range []string{"token_type", "expires_in", "scope", "error", "error_description"} {
		if v := res.Get(key); v.Exists() {
			parts = append(parts, fmt.Sprintf("%s=%s", key, v.String()))
		}
	}

	for _, key := range []string{"access_token", "refresh_token", "id_token"} {
		if res.Get(key).Exists() {
			parts = append(parts, key+"=present")
		}
	}

	return strings.Join(parts, " ")
}

// Succeeded reports a 2xx upstream status carrying an access token.
func (r *TokenResult) Succeeded() bool {
	if r.Status < 200 || r.Status > 299 || !r.IsJSON() {
		return false
	}

	return gjson.GetBytes(r.JSON, "access_token").Exists()
}
