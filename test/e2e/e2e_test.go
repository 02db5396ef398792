package e2e_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"

	apperrors "github.com/alexjbarnes/oauth2-tester/internal/errors"
	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"github.com/alexjbarnes/oauth2-tester/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- authorization_code flow ---

func TestAuthorizationCode_FullFlow(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.configureAuthorizationCode(t)

	require.NoError(t, h.Ctrl.Submit(t.Context()))

	snap := h.Ctrl.Snapshot()
	require.Equal(t, flow.StateAwaitingCode, snap.State)

	authURL, err := url.Parse(snap.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, "/oauth2/authorize", authURL.Path)

	q := authURL.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, h.RelayURL+"/oauth2-callback", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile", q.Get("scope"))

	// The authorization server redirects the browser to the relay's
	// callback page, which shows the code.
	resp, err := http.Get(h.RelayURL + "/oauth2-callback?code=" + testGoodCode + "&state=xyz")
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), testGoodCode)

	require.NoError(t, h.Ctrl.SetCode(testGoodCode))
	require.NoError(t, h.Ctrl.Exchange(t.Context()))

	snap = h.Ctrl.Snapshot()
	require.Equal(t, flow.StateResult, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, http.StatusOK, snap.Result.Status)
	assert.True(t, snap.Result.Succeeded())
	assert.Contains(t, snap.Result.Summary(), "access_token=present")
	assert.Contains(t, snap.Transcript, "POST "+h.IDP.TokenURL())

	forms := h.IDP.Forms()
	require.Len(t, forms, 1)
	assert.Equal(t, "authorization_code", forms[0].Get("grant_type"))
	assert.Equal(t, testGoodCode, forms[0].Get("code"))
	assert.Equal(t, h.RelayURL+"/oauth2-callback", forms[0].Get("redirect_uri"))
	assert.Equal(t, testSecret, forms[0].Get("client_secret"))
}

func TestAuthorizationCode_BadCodeIsAResult(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.configureAuthorizationCode(t)

	require.NoError(t, h.Ctrl.Submit(t.Context()))
	require.NoError(t, h.Ctrl.SetCode("wrong"))
	require.NoError(t, h.Ctrl.Exchange(t.Context()))

	snap := h.Ctrl.Snapshot()
	require.Equal(t, flow.StateResult, snap.State)
	assert.Equal(t, http.StatusBadRequest, snap.Result.Status)
	assert.False(t, snap.Result.Succeeded())
	assert.Contains(t, snap.Result.Summary(), "error=invalid_grant")
}

func TestAuthorizationCode_ExtraParamsReachIdP(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.configureAuthorizationCode(t)

	require.NoError(t, h.Ctrl.UpdateConfiguration(func(c *flow.Configuration) {
		c.ExtraTokenParams = flow.ParseParams("audience=api&grant_type=password")
	}))

	require.NoError(t, h.Ctrl.Submit(t.Context()))
	require.NoError(t, h.Ctrl.SetCode(testGoodCode))
	require.NoError(t, h.Ctrl.Exchange(t.Context()))

	forms := h.IDP.Forms()
	require.Len(t, forms, 1)
	assert.Equal(t, "api", forms[0].Get("audience"))
	assert.Equal(t, "authorization_code", forms[0].Get("grant_type"))
}

// --- client_credentials flow ---

func TestClientCredentials_Success(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.configureClientCredentials(t, h.IDP.TokenURL(), testSecret)

	require.NoError(t, h.Ctrl.Submit(t.Context()))

	snap := h.Ctrl.Snapshot()
	require.Equal(t, flow.StateResult, snap.State)
	assert.True(t, snap.Result.Succeeded())

	forms := h.IDP.Forms()
	require.Len(t, forms, 1)
	assert.Equal(t, "client_credentials", forms[0].Get("grant_type"))
	assert.Equal(t, "api.read", forms[0].Get("scope"))
}

func TestClientCredentials_WrongSecret(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.configureClientCredentials(t, h.IDP.TokenURL(), "nope")

	require.NoError(t, h.Ctrl.Submit(t.Context()))

	snap := h.Ctrl.Snapshot()
	require.Equal(t, flow.StateResult, snap.State)
	assert.Equal(t, http.StatusUnauthorized, snap.Result.Status)
	assert.Contains(t, snap.Result.Body(), "invalid_client")
}

func TestClientCredentials_NonJSONUpstream(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.configureClientCredentials(t, h.IDP.URL+"/text-token", testSecret)

	require.NoError(t, h.Ctrl.Submit(t.Context()))

	snap := h.Ctrl.Snapshot()
	require.Equal(t, flow.StateResult, snap.State)
	assert.Equal(t, http.StatusBadGateway, snap.Result.Status)
	assert.False(t, snap.Result.IsJSON())
	assert.Equal(t, "upstream is having a bad day", snap.Result.Raw)
}

// --- caller identity ---

func TestExchange_RequiresSignIn(t *testing.T) {
	h := newHarness(t)
	h.configureClientCredentials(t, h.IDP.TokenURL(), testSecret)

	err := h.Ctrl.Submit(t.Context())
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	assert.Equal(t, flow.StateForm, h.Ctrl.Snapshot().State)
	assert.Empty(t, h.IDP.Forms())
}

func TestExchange_RevokedSessionRejectedByRelay(t *testing.T) {
	h := newHarness(t)
	s := h.signIn(t)
	h.configureAuthorizationCode(t)

	require.NoError(t, h.Ctrl.Submit(t.Context()))
	require.NoError(t, h.Ctrl.SetCode(testGoodCode))

	require.NoError(t, h.Client.SignOut(t.Context(), s.AccessToken))
	assert.Equal(t, 0, h.Store.Len())

	err := h.Ctrl.Exchange(t.Context())
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)

	snap := h.Ctrl.Snapshot()
	assert.Equal(t, flow.StateAwaitingCode, snap.State)
	assert.NotEmpty(t, snap.LastError)
	assert.Empty(t, h.IDP.Forms())
}

func TestSignIn_WrongPassword(t *testing.T) {
	h := newHarness(t)

	_, err := h.Client.SignIn(t.Context(), testUsername, "wrong")
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
}

// --- relay validation ---

func TestRelay_RejectsInvalidTokenURL(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.configureClientCredentials(t, "not-a-url", testSecret)

	err := h.Ctrl.Submit(t.Context())
	assert.ErrorIs(t, err, apperrors.ErrRelayValidation)

	snap := h.Ctrl.Snapshot()
	assert.Equal(t, flow.StateForm, snap.State)
	assert.NotEmpty(t, snap.LastError)
	assert.Empty(t, h.IDP.Forms())
}

func TestRelay_Health(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.RelayURL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// --- persistence ---

func TestState_ConfigurationSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "state.db")
	logger := slog.New(slog.DiscardHandler)

	st, err := state.LoadAt(path)
	require.NoError(t, err)

	first := flow.NewController(flow.Options{Exchanger: h.Client, Sessions: h.Sessions, Store: st, Logger: logger})
	require.NoError(t, first.SetGrantType(flow.ClientCredentials))
	require.NoError(t, first.UpdateConfiguration(func(c *flow.Configuration) {
		c.TokenEndpoint = h.IDP.TokenURL()
		c.ClientID = testClientID
		c.ClientSecret = testSecret
	}))
	first.Close()
	require.NoError(t, st.Close())

	st, err = state.LoadAt(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	second := flow.NewController(flow.Options{Exchanger: h.Client, Sessions: h.Sessions, Store: st, Logger: logger})
	t.Cleanup(second.Close)

	cfg := second.Configuration()
	assert.Equal(t, flow.ClientCredentials, cfg.GrantType)
	assert.Equal(t, testClientID, cfg.ClientID)
	assert.Equal(t, h.IDP.TokenURL(), cfg.TokenEndpoint)
	assert.Empty(t, cfg.ClientSecret)
}
