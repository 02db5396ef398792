// Package flow implements the interactive OAuth2 flow: configuration,
// authorization URL construction, code capture and the token exchange
// performed through the relay. All flow state lives in memory in a
// Controller; only the configuration is ever persisted.
package flow

//go:generate mockgen -source=controller.go -destination=mock_controller_test.go -package=flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/oauth2-tester/internal/errors"
	"github.com/alexjbarnes/oauth2-tester/internal/models"
	"github.com/alexjbarnes/oauth2-tester/internal/session"
)

// Exchanger performs a token exchange through the relay.
type Exchanger interface {
	Exchange(ctx context.Context, bearer string, req models.RelayRequest) (*models.RelayResponse, error)
}

// ConfigStore persists the configuration between runs. Load returns nil
// when nothing has been saved.
type ConfigStore interface {
	LoadConfiguration() (*Configuration, error)
	SaveConfiguration(cfg Configuration) error
	ClearConfiguration() error
}

// State is the controller's position in the flow.
type State int

const (
	StateForm State = iota
	StateAwaitingCode
	StateExchanging
	StateResult
)

func (s State) String() string {
	switch s {
	case StateForm:
		return "form"
	case StateAwaitingCode:
		return "awaiting_code"
	case StateExchanging:
		return "exchanging"
	case StateResult:
		return "result"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configures a Controller. Exchanger and Sessions are required.
type Options struct {
	Exchanger Exchanger
	Sessions  session.Provider
	Store     ConfigStore
	Logger    *slog.Logger
	// RedirectURI is the default redirect for new configurations.
	RedirectURI string
}

// Controller drives one OAuth2 flow. It is safe for concurrent use;
// at most one exchange runs at a time.
type Controller struct {
	exchanger   Exchanger
	sessions    session.Provider
	store       ConfigStore
	logger      *slog.Logger
	redirectURI string
	unsubscribe func()

	mu         sync.Mutex
	cfg        Configuration
	state      State
	authURL    string
	code       string
	transcript []string
	result     *TokenResult
	lastErr    string
	session    *session.Session
}

// NewController mounts a controller: it restores the persisted
// configuration, if any, and subscribes to session changes. Call Close
// to unsubscribe.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		exchanger:   opts.Exchanger,
		sessions:    opts.Sessions,
		store:       opts.Store,
		logger:      logger,
		redirectURI: opts.RedirectURI,
		cfg:         NewConfiguration(opts.RedirectURI),
	}

	if c.store != nil {
		saved, err := c.store.LoadConfiguration()
		if err != nil {
			logger.Warn("loading saved configuration", slog.String("error", err.Error()))
		} else if saved != nil {
			c.cfg = saved.Normalize(c.redirectURI)
			logger.Debug("restored saved configuration", slog.String("grant_type", string(c.cfg.GrantType)))
		}
	}

	if c.sessions != nil {
		c.session = c.sessions.Current()
		c.unsubscribe = c.sessions.Subscribe(c.onSession)
	}

	return c
}

// Close unsubscribes from session changes.
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Controller) onSession(s *session.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	c.logger.Debug("session changed", slog.Bool("signed_in", s != nil))
}

// Configuration returns a copy of the current configuration.
func (c *Controller) Configuration() Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cfg.Clone()
}

// UpdateConfiguration applies fn to a copy of the configuration and
// stores the result. Only allowed in the Form state.
func (c *Controller) UpdateConfiguration(fn func(*Configuration)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateForm {
		return c.transitionError("edit configuration")
	}

	cfg := c.cfg.Clone()
	fn(&cfg)
	c.cfg = cfg.Normalize(c.redirectURI)
	c.persistLocked()

	return nil
}

// SetGrantType switches the grant, clearing fields the new grant does
// not use.
func (c *Controller) SetGrantType(g GrantType) error {
	if !g.Valid() {
		return &ConfigurationError{Fields: []string{"grant_type"}}
	}

	return c.UpdateConfiguration(func(cfg *Configuration) {
		*cfg = cfg.WithGrantType(g, c.redirectURI)
	})
}

// AppendAuthorizationPath completes the authorization endpoint with
// /oauth2/authorize.
func (c *Controller) AppendAuthorizationPath() error {
	return c.UpdateConfiguration(func(cfg *Configuration) {
		if cfg.AuthorizationCode != nil {
			cfg.AuthorizationCode.AuthorizationEndpoint = AppendPath(cfg.AuthorizationCode.AuthorizationEndpoint, AuthorizePathSuffix)
		}
	})
}

// AppendTokenPath completes the token endpoint with /oauth2/token.
func (c *Controller) AppendTokenPath() error {
	return c.UpdateConfiguration(func(cfg *Configuration) {
		cfg.TokenEndpoint = AppendPath(cfg.TokenEndpoint, TokenPathSuffix)
	})
}

// Submit validates the configuration and starts the flow. For the
// authorization code grant it builds the authorization URL and waits for
// the code; for client credentials it performs the exchange right away.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()

	if c.state != StateForm {
		err := c.transitionError("submit")
		c.mu.Unlock()

		return err
	}

	if err := c.cfg.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}

	c.lastErr = ""

	if c.cfg.GrantType == AuthorizationCode {
		c.startAuthorizationLocked()
		c.mu.Unlock()

		return nil
	}

	pending, err := c.startExchangeLocked(StateForm)
	c.mu.Unlock()

	if err != nil {
		return err
	}

	return c.finishExchange(ctx, pending)
}

func (c *Controller) startAuthorizationLocked() {
	au := BuildAuthorizationURL(c.cfg)
	c.authURL = au.URL
	c.state = StateAwaitingCode

	c.record("Generated Authorization URL:", au.URL)

	if au.Degraded {
		c.record("Note: the authorization endpoint is not an absolute URL; the query was appended by string concatenation.")
		c.logger.Warn("authorization endpoint is not an absolute URL",
			slog.String("endpoint", c.cfg.AuthorizationCode.AuthorizationEndpoint),
		)
	}

	for _, key := range au.Ignored {
		c.record(fmt.Sprintf("Note: extra authorization parameter %q ignored; the canonical value is used.", key))
	}

	c.record(
		"",
		"1. Open the authorization URL in a browser to start the OAuth2 flow.",
		"2. Authorize the app, then copy the 'code' from the redirect URL and paste it here.",
	)
}

// SetCode records the authorization code pasted by the operator.
func (c *Controller) SetCode(code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAwaitingCode {
		return c.transitionError("set code")
	}

	c.code = strings.TrimSpace(code)

	return nil
}

// Exchange trades the authorization code for a token through the relay.
// Without a session the call is refused and nothing changes. On success
// the controller moves to Result; on failure it returns to AwaitingCode
// with the error recorded.
func (c *Controller) Exchange(ctx context.Context) error {
	c.mu.Lock()

	if c.state == StateExchanging {
		c.mu.Unlock()
		return apperrors.ErrExchangeInProgress
	}

	if c.state != StateAwaitingCode {
		err := c.transitionError("exchange")
		c.mu.Unlock()

		return err
	}

	if c.code == "" {
		c.mu.Unlock()
		return &ConfigurationError{Fields: []string{"code"}}
	}

	pending, err := c.startExchangeLocked(StateAwaitingCode)
	c.mu.Unlock()

	if err != nil {
		return err
	}

	return c.finishExchange(ctx, pending)
}

// pendingExchange is an exchange that has been logged and is ready to
// be sent.
type pendingExchange struct {
	bearer  string
	request models.RelayRequest
	from    State
}

// startExchangeLocked checks the caller identity, moves to Exchanging
// and writes the outgoing request to the transcript.
func (c *Controller) startExchangeLocked(from State) (*pendingExchange, error) {
	if c.session == nil {
		return nil, fmt.Errorf("%w: sign in before exchanging", apperrors.ErrUnauthenticated)
	}

	if c.session.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: session expired, sign in again", apperrors.ErrUnauthenticated)
	}

	params, ignored := TokenParams(c.cfg, c.code)

	c.state = StateExchanging
	c.lastErr = ""

	if from == StateAwaitingCode {
		c.record("", "Exchanging code for token...")
	} else {
		c.record("", "Requesting token with client credentials...")
	}

	c.record("POST " + c.cfg.TokenEndpoint)

	for _, key := range ignored {
		c.record(fmt.Sprintf("Note: extra token parameter %q ignored; the canonical value is used.", key))
	}

	c.record("Request body:", params.Encode())

	return &pendingExchange{
		bearer: c.session.AccessToken,
		request: models.RelayRequest{
			TokenURL: c.cfg.TokenEndpoint,
			Params:   params.Map(),
		},
		from: from,
	}, nil
}

// finishExchange sends the request and commits either the result or the
// error. It must be called without c.mu held.
func (c *Controller) finishExchange(ctx context.Context, p *pendingExchange) error {
	var (
		result *TokenResult
		err    error
	)

	if c.exchanger == nil {
		err = fmt.Errorf("%w: no relay configured", apperrors.ErrTransport)
	} else {
		var resp *models.RelayResponse

		resp, err = c.exchanger.Exchange(ctx, p.bearer, p.request)
		if err == nil {
			result, err = newTokenResult(resp)
			if err != nil {
				err = fmt.Errorf("%w: malformed relay response: %v", apperrors.ErrTransport, err)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.state = p.from
		c.lastErr = err.Error()
		c.record("Error: " + err.Error())
		c.logger.Warn("token exchange failed",
			slog.String("token_url", p.request.TokenURL),
			slog.String("error", err.Error()),
		)

		return err
	}

	c.record(fmt.Sprintf("Response status: %d", result.Status), "Response body:", result.Body())
	c.result = result
	c.state = StateResult

	c.logger.Info("token exchange completed",
		slog.String("token_url", p.request.TokenURL),
		slog.Int("status", result.Status),
	)

	return nil
}

// StartOver resets the flow, the transcript and the configuration, and
// clears the persisted configuration.
func (c *Controller) StartOver() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateExchanging {
		return apperrors.ErrExchangeInProgress
	}

	c.cfg = NewConfiguration(c.redirectURI)
	c.state = StateForm
	c.authURL = ""
	c.code = ""
	c.transcript = nil
	c.result = nil
	c.lastErr = ""

	if c.store != nil {
		if err := c.store.ClearConfiguration(); err != nil {
			c.logger.Warn("clearing saved configuration", slog.String("error", err.Error()))
		}
	}

	return nil
}

// Snapshot is a read-only view of the controller for rendering.
type Snapshot struct {
	State            State         `json:"state"`
	Configuration    Configuration `json:"configuration"`
	AuthorizationURL string        `json:"authorization_url,omitempty"`
	Code             string        `json:"code,omitempty"`
	Transcript       []string      `json:"transcript"`
	Result           *TokenResult  `json:"result,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	SignedIn         bool          `json:"signed_in"`
	User             string        `json:"user,omitempty"`
	CanSubmit        bool          `json:"can_submit"`
	CanExchange      bool          `json:"can_exchange"`
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:            c.state,
		Configuration:    c.cfg.Clone(),
		AuthorizationURL: c.authURL,
		Code:             c.code,
		Transcript:       append([]string{}, c.transcript...),
		LastError:        c.lastErr,
	}

	if cur := c.activeSessionLocked(); cur != nil {
		s.SignedIn = true
		s.User = cur.User
	}

	if c.result != nil {
		r := *c.result
		s.Result = &r
	}

	s.CanSubmit = c.state == StateForm && (c.cfg.GrantType == AuthorizationCode || s.SignedIn)
	s.CanExchange = c.state == StateAwaitingCode && c.code != "" && s.SignedIn

	return s
}

// activeSessionLocked returns the session unless it is missing or past
// its expiry.
func (c *Controller) activeSessionLocked() *session.Session {
	if c.session == nil || c.session.Expired(time.Now()) {
		return nil
	}

	return c.session
}

func (c *Controller) record(lines ...string) {
	c.transcript = append(c.transcript, lines...)
}

func (c *Controller) persistLocked() {
	if c.store == nil {
		return
	}

	if err := c.store.SaveConfiguration(c.cfg.Clone()); err != nil {
		c.logger.Warn("saving configuration", slog.String("error", err.Error()))
	}
}

func (c *Controller) transitionError(action string) error {
	return fmt.Errorf("%w: cannot %s in state %s", apperrors.ErrInvalidTransition, action, c.state)
}
