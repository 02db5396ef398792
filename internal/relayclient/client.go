// Package relayclient is the tester's HTTP client for the relay: sign-in,
// sign-out and proxied token exchanges.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/oauth2-tester/internal/errors"
	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"github.com/alexjbarnes/oauth2-tester/internal/models"
	"github.com/alexjbarnes/oauth2-tester/internal/session"
)

const (
	// DefaultProxyPath is the relay endpoint for token exchanges.
	DefaultProxyPath = "/oauth2-proxy"

	// SessionPath is the relay's sign-in endpoint.
	SessionPath = "/auth/session"

	// DefaultMaxResponseBytes caps relay response reads. The relay
	// forwards up to RELAY_MAX_BODY_BYTES of upstream body, and escaping
	// non-JSON text into the envelope can grow it up to six times, so
	// the default covers a relay limit of about 2.6 MiB. Raise it with
	// WithMaxResponseBytes when the relay allows more.
	DefaultMaxResponseBytes = 16 * 1024 * 1024

	// httpClientTimeout bounds sign-in and sign-out calls. Exchanges use
	// the caller's context only.
	httpClientTimeout = 30 * time.Second
)

// RelayError is a non-success answer from the relay itself, as opposed
// to an upstream token endpoint error, which arrives inside a 200.
type RelayError struct {
	Status  int
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay returned status %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto the sentinel errors: 401 is
// ErrUnauthenticated, 5xx is ErrTransport, anything else is
// ErrRelayValidation.
func (e *RelayError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return apperrors.ErrUnauthenticated
	case e.Status >= http.StatusInternalServerError:
		return apperrors.ErrTransport
	default:
		return apperrors.ErrRelayValidation
	}
}

// Client talks to one relay.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	proxyPath   string
	maxResponse int64
}

var _ flow.Exchanger = (*Client)(nil)

// New creates a relay client for baseURL. If httpClient is nil the
// default client is used; request deadlines then come from the context.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		proxyPath:   DefaultProxyPath,
		maxResponse: DefaultMaxResponseBytes,
	}
}

// WithProxyPath returns a copy of c that sends exchanges to path.
func (c *Client) WithProxyPath(path string) *Client {
	out := *c
	if path != "" {
		out.proxyPath = path
	}

	return &out
}

// WithMaxResponseBytes returns a copy of c that accepts relay responses
// up to n bytes. Non-positive n keeps the current limit.
func (c *Client) WithMaxResponseBytes(n int64) *Client {
	out := *c
	if n > 0 {
		out.maxResponse = n
	}

	return &out
}

// Exchange sends req through the relay with bearer as the caller
// identity. Any upstream status is a successful call.
func (c *Client) Exchange(ctx context.Context, bearer string, req models.RelayRequest) (*models.RelayResponse, error) {
	var resp models.RelayResponse
	if err := c.do(ctx, http.MethodPost, c.proxyPath, bearer, req, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("relaying token request: %w", err)
	}

	return &resp, nil
}

// SignIn exchanges a username and password for a relay session.
func (c *Client) SignIn(ctx context.Context, username, password string) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, httpClientTimeout)
	defer cancel()

	var resp models.SessionResponse

	req := models.SignInRequest{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, SessionPath, "", req, http.StatusCreated, &resp); err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	s := &session.Session{AccessToken: resp.AccessToken, User: resp.User}
	if resp.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	return s, nil
}

// SignOut revokes the session token on the relay.
func (c *Client) SignOut(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, httpClientTimeout)
	defer cancel()

	if err := c.do(ctx, http.MethodDelete, SessionPath, token, nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// do sends a JSON request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, endpoint, bearer string, body any, wantStatus int, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", apperrors.ErrTransport, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrTransport, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrTransport, endpoint, err)
	}

	if int64(len(respBody)) > c.maxResponse {
		return fmt.Errorf("%w: response from %s exceeds %d bytes", apperrors.ErrTransport, endpoint, c.maxResponse)
	}

	if resp.StatusCode != wantStatus {
		var apiErr models.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &RelayError{Status: resp.StatusCode, Message: apiErr.Error}
		}

		return &RelayError{Status: resp.StatusCode, Message: sanitizeResponseBody(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrTransport, endpoint, err)
		}
	}

	return nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
