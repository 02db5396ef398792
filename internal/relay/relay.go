// Package relay implements the token relay: it forwards a token request
// to an operator-supplied token endpoint and reports the upstream answer
// verbatim, whatever its status.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/oauth2-tester/internal/auth"
	"github.com/alexjbarnes/oauth2-tester/internal/models"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// DefaultMaxBodyBytes caps request and upstream response bodies.
	DefaultMaxBodyBytes = 1024 * 1024

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// HeaderRequestID carries the per-call request id.
	HeaderRequestID = "X-Request-Id"

	// HeaderProject carries the configured project identifier.
	HeaderProject = "X-Relay-Project"
)

// Validation messages returned in 400 responses.
const (
	msgInvalidBody   = "Invalid JSON body"
	msgInvalidInput  = "Missing or invalid tokenUrl or params"
	msgParamsStrings = "params values must be strings"
	msgTokenURL      = "tokenUrl must be an absolute http(s) URL"
)

// Config holds the relay's dependencies.
type Config struct {
	// Project is echoed in X-Relay-Project on every response.
	Project string
	// MaxBodyBytes caps the request body and the upstream response.
	MaxBodyBytes int64
	// Client performs the upstream call. NewUpstreamClient is used when nil.
	Client *http.Client
	Logger *slog.Logger
}

// NewUpstreamClient returns the HTTP client used for token endpoint
// calls. A zero timeout means none.
func NewUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so form-encoded credentials are
// never replayed to a different server.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// Handler serves the relay endpoint.
type Handler struct {
	project string
	maxBody int64
	client  *http.Client
	logger  *slog.Logger
}

// NewHandler builds a relay handler from cfg.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		project: cfg.Project,
		maxBody: cfg.MaxBodyBytes,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}

	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}

	if h.client == nil {
		h.client = NewUpstreamClient(0)
	}

	if h.logger == nil {
		h.logger = slog.Default()
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set(HeaderRequestID, reqID)

	if h.project != "" {
		w.Header().Set(HeaderProject, h.project)
	}

	logger := h.logger.With(
		slog.String("request_id", reqID),
		slog.String("user", auth.RequestUserID(r.Context())),
		slog.String("ip", auth.RequestRemoteIP(r.Context())),
	)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")

		return
	}

	tokenURL, form, msg := h.parseRequest(w, r)
	if msg != "" {
		logger.Debug("relay: rejected request", slog.String("reason", msg))
		writeJSONError(w, http.StatusBadRequest, msg)

		return
	}

	start := time.Now()

	resp, err := h.forward(r, tokenURL, form)
	if err != nil {
		logger.Warn("relay: upstream call failed",
			slog.String("token_host", tokenURL.Host),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusInternalServerError, err.Error())

		return
	}

	logger.Info("relay: exchange forwarded",
		slog.String("token_host", tokenURL.Host),
		slog.Int("status", resp.Status),
		slog.Duration("duration", time.Since(start)),
	)

	writeJSON(w, http.StatusOK, resp)
}

// parseRequest validates the body before any outbound call. A non-empty
// message means the request is rejected with 400.
func (h *Handler) parseRequest(w http.ResponseWriter, r *http.Request) (*url.URL, url.Values, string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return nil, nil, msgInvalidBody
	}

	if !gjson.ValidBytes(body) {
		return nil, nil, msgInvalidBody
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, nil, msgInvalidInput
	}

	rawURL := root.Get("tokenUrl")
	params := root.Get("params")

	if rawURL.Type != gjson.String || strings.TrimSpace(rawURL.Str) == "" || !params.IsObject() {
		return nil, nil, msgInvalidInput
	}

	form := url.Values{}
	msg := ""

	params.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			msg = msgParamsStrings
			return false
		}

		form.Set(key.String(), value.Str)

		return true
	})

	if msg != "" {
		return nil, nil, msg
	}

	u, err := url.Parse(strings.TrimSpace(rawURL.Str))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, nil, msgTokenURL
	}

	return u, form, ""
}

// forward POSTs the form to the token endpoint. Only transport failures
// are errors; every upstream status is reported.
func (h *Handler) forward(r *http.Request, tokenURL *url.URL, form url.Values) (*models.RelayResponse, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, tokenURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading token endpoint response: %w", err)
	}

	if int64(len(body)) > h.maxBody {
		return nil, fmt.Errorf("token endpoint response exceeds %d bytes", h.maxBody)
	}

	return &models.RelayResponse{Status: resp.StatusCode, Data: encodeData(body)}, nil
}

// encodeData returns body itself when it is JSON, otherwise the text as
// a JSON string. gjson rejects most non-JSON cheaply; json.Valid also
// applies the encoder's nesting limit, so anything passed through here
// always re-encodes.
func encodeData(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && gjson.ValidBytes(trimmed) && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}

	return rawString(body)
}

func rawString(body []byte) json.RawMessage {
	data, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage(`""`)
	}

	return data
}

// writeJSON encodes v before committing the status, so an encoding
// failure is reported as a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = json.Marshal(models.ErrorResponse{Error: "encoding response: " + err.Error()})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}
