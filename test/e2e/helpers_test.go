package e2e_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/oauth2-tester/internal/auth"
	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"github.com/alexjbarnes/oauth2-tester/internal/relay"
	"github.com/alexjbarnes/oauth2-tester/internal/relayclient"
	"github.com/alexjbarnes/oauth2-tester/internal/server"
	"github.com/alexjbarnes/oauth2-tester/internal/session"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUsername  = "testuser"
	testPassword  = "testpass"
	testClientID  = "e2e-test-client"
	testSecret    = "e2e-test-secret-value"
	testGoodCode  = "e2e-good-code"
	testProject   = "e2e"
	testTokenPath = "/oauth2/token"
)

// idp is a fake identity provider token endpoint. It records every form
// it receives.
type idp struct {
	*httptest.Server

	mu    sync.Mutex
	forms []url.Values
}

func newIDP(t *testing.T) *idp {
	t.Helper()

	p := &idp{}

	mux := http.NewServeMux()
	mux.HandleFunc(testTokenPath, p.handleToken)
	mux.HandleFunc("/text-token", func(w http.ResponseWriter, r *http.Request) {
		p.record(r)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream is having a bad day"))
	})

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)

	return p
}

func (p *idp) record(r *http.Request) url.Values {
	_ = r.ParseForm()

	p.mu.Lock()
	p.forms = append(p.forms, r.PostForm)
	p.mu.Unlock()

	return r.PostForm
}

func (p *idp) handleToken(w http.ResponseWriter, r *http.Request) {
	form := p.record(r)

	w.Header().Set("Content-Type", "application/json")

	fail := func(status int, code string) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
	}

	if form.Get("client_id") != testClientID || form.Get("client_secret") != testSecret {
		fail(http.StatusUnauthorized, "invalid_client")
		return
	}

	switch form.Get("grant_type") {
	case "authorization_code":
		if form.Get("code") != testGoodCode {
			fail(http.StatusBadRequest, "invalid_grant")
			return
		}
	case "client_credentials":
	default:
		fail(http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "idp-access-token",
		"refresh_token": "idp-refresh-token",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         form.Get("scope"),
	})
}

// Forms returns a copy of the recorded forms.
func (p *idp) Forms() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]url.Values(nil), p.forms...)
}

// TokenURL is the fake token endpoint.
func (p *idp) TokenURL() string {
	return p.URL + testTokenPath
}

// harness holds the full e2e stack: a fake identity provider, a real
// relay server built with server.NewMux, a relay client and a flow
// controller wired to an in-memory session.
type harness struct {
	IDP      *idp
	RelayURL string
	Store    *auth.Store
	Client   *relayclient.Client
	Sessions *session.Memory
	Ctrl     *flow.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	users := auth.UserCredentials{testUsername: string(hash)}

	store := auth.NewStore(time.Hour, logger)
	t.Cleanup(store.Stop)

	handler := relay.NewHandler(relay.Config{
		Project: testProject,
		Client:  relay.NewUpstreamClient(10 * time.Second),
		Logger:  logger,
	})

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Store:   store,
		Users:   users,
		Relay:   handler,
		Project: testProject,
		Logger:  logger,
	}))
	t.Cleanup(ts.Close)

	client := relayclient.New(ts.URL, ts.Client())
	sessions := session.NewMemory()

	ctrl := flow.NewController(flow.Options{
		Exchanger:   client,
		Sessions:    sessions,
		Logger:      logger,
		RedirectURI: flow.DefaultRedirectURI(ts.URL),
	})
	t.Cleanup(ctrl.Close)

	return &harness{
		IDP:      newIDP(t),
		RelayURL: ts.URL,
		Store:    store,
		Client:   client,
		Sessions: sessions,
		Ctrl:     ctrl,
	}
}

// signIn signs in through the relay and hands the session to the
// controller.
func (h *harness) signIn(t *testing.T) *session.Session {
	t.Helper()

	s, err := h.Client.SignIn(t.Context(), testUsername, testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, s.AccessToken)

	h.Sessions.Set(s)

	return s
}

// configureAuthorizationCode fills the form for the authorization code
// grant against the fake IdP.
func (h *harness) configureAuthorizationCode(t *testing.T) {
	t.Helper()

	require.NoError(t, h.Ctrl.UpdateConfiguration(func(c *flow.Configuration) {
		c.TokenEndpoint = h.IDP.TokenURL()
		c.ClientID = testClientID
		c.ClientSecret = testSecret
		c.Scope = "openid profile"
		c.AuthorizationCode.AuthorizationEndpoint = h.IDP.URL + "/oauth2/authorize"
	}))
}

// configureClientCredentials switches to client credentials against the
// fake IdP with the given secret.
func (h *harness) configureClientCredentials(t *testing.T, tokenURL, secret string) {
	t.Helper()

	require.NoError(t, h.Ctrl.SetGrantType(flow.ClientCredentials))
	require.NoError(t, h.Ctrl.UpdateConfiguration(func(c *flow.Configuration) {
		c.TokenEndpoint = tokenURL
		c.ClientID = testClientID
		c.ClientSecret = secret
		c.Scope = "api.read"
	}))
}
