package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"github.com/alexjbarnes/oauth2-tester/internal/models"
	"github.com/alexjbarnes/oauth2-tester/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchanger answers every exchange with a fixed token response and
// records the last request.
type fakeExchanger struct {
	last   models.RelayRequest
	bearer string
}

func (f *fakeExchanger) Exchange(_ context.Context, bearer string, req models.RelayRequest) (*models.RelayResponse, error) {
	f.last = req
	f.bearer = bearer

	return &models.RelayResponse{
		Status: 200,
		Data:   json.RawMessage(`{"access_token":"at","token_type":"bearer","expires_in":3600}`),
	}, nil
}

// testSetup creates a controller, registers tools on an MCP server,
// and returns a connected client session for calling tools.
func testSetup(t *testing.T) (*mcp.ClientSession, *fakeExchanger) {
	t.Helper()

	sessions := session.NewMemory()
	sessions.Set(&session.Session{AccessToken: "sess", User: "operator"})

	ex := &fakeExchanger{}
	c := flow.NewController(flow.Options{
		Exchanger:   ex,
		Sessions:    sessions,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		RedirectURI: "https://relay.example/oauth2-callback",
	})
	t.Cleanup(c.Close)

	server := mcp.NewServer(
		&mcp.Implementation{Name: "oauth2-tester-test", Version: "test"},
		nil,
	)
	RegisterTools(server, c)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	cs, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	return cs, ex
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractView unmarshals the first text content from a CallToolResult.
func extractView(t *testing.T, result *mcp.CallToolResult) FlowView {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %v", result.Content)
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	var v FlowView
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &v))
	return v
}

func configureAuthCode(t *testing.T, cs *mcp.ClientSession) FlowView {
	t.Helper()
	return extractView(t, callTool(t, cs, "oauth2_configure", map[string]interface{}{
		"token_endpoint":         "https://idp.example",
		"append_token_path":      true,
		"client_id":              "abc",
		"scope":                  "openid",
		"authorization_endpoint": "https://idp.example/authorize",
	}))
}

func TestListTools(t *testing.T) {
	cs, _ := testSetup(t)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"oauth2_show", "oauth2_configure", "oauth2_start",
		"oauth2_submit_code", "oauth2_exchange", "oauth2_start_over",
	}, names)
}

func TestShow_Initial(t *testing.T) {
	cs, _ := testSetup(t)

	v := extractView(t, callTool(t, cs, "oauth2_show", nil))
	assert.Equal(t, "form", v.State)
	assert.Equal(t, flow.AuthorizationCode, v.Configuration.GrantType)
	assert.Equal(t, "https://relay.example/oauth2-callback", v.Configuration.AuthorizationCode.RedirectURI)
	assert.Empty(t, v.Transcript)
	assert.True(t, v.SignedIn)
	assert.Equal(t, "operator", v.User)
}

func TestConfigure_SetsFields(t *testing.T) {
	cs, _ := testSetup(t)

	v := configureAuthCode(t, cs)
	assert.Equal(t, "https://idp.example/oauth2/token", v.Configuration.TokenEndpoint)
	assert.Equal(t, "abc", v.Configuration.ClientID)
	assert.Equal(t, "openid", v.Configuration.Scope)
	assert.Equal(t, "https://idp.example/authorize", v.Configuration.AuthorizationCode.AuthorizationEndpoint)
	assert.True(t, v.CanSubmit)
}

func TestConfigure_SwitchGrantClearsAuthorizationFields(t *testing.T) {
	cs, _ := testSetup(t)
	configureAuthCode(t, cs)

	v := extractView(t, callTool(t, cs, "oauth2_configure", map[string]interface{}{
		"grant_type": "client_credentials",
	}))
	assert.Equal(t, flow.ClientCredentials, v.Configuration.GrantType)
	assert.Nil(t, v.Configuration.AuthorizationCode)
	assert.Equal(t, "abc", v.Configuration.ClientID)
}

func TestConfigure_AuthorizationFieldOnClientCredentials(t *testing.T) {
	cs, _ := testSetup(t)

	result := callTool(t, cs, "oauth2_configure", map[string]interface{}{
		"grant_type":   "client_credentials",
		"redirect_uri": "https://app.example/cb",
	})
	assert.True(t, result.IsError)
}

func TestConfigure_RejectedGrantSwitchLeavesConfigurationUnchanged(t *testing.T) {
	cs, _ := testSetup(t)
	configureAuthCode(t, cs)

	result := callTool(t, cs, "oauth2_configure", map[string]interface{}{
		"grant_type":             "client_credentials",
		"authorization_endpoint": "https://other.example/authorize",
		"client_id":              "changed",
	})
	assert.True(t, result.IsError)

	v := extractView(t, callTool(t, cs, "oauth2_show", nil))
	assert.Equal(t, flow.AuthorizationCode, v.Configuration.GrantType)
	require.NotNil(t, v.Configuration.AuthorizationCode)
	assert.Equal(t, "https://idp.example/authorize", v.Configuration.AuthorizationCode.AuthorizationEndpoint)
	assert.Equal(t, "abc", v.Configuration.ClientID)
}

func TestConfigure_SwitchToAuthorizationCodeWithFields(t *testing.T) {
	cs, _ := testSetup(t)

	extractView(t, callTool(t, cs, "oauth2_configure", map[string]interface{}{
		"grant_type": "client_credentials",
		"client_id":  "svc",
	}))

	v := extractView(t, callTool(t, cs, "oauth2_configure", map[string]interface{}{
		"grant_type":             "authorization_code",
		"authorization_endpoint": "https://idp.example",
		"append_authorize_path":  true,
	}))
	assert.Equal(t, flow.AuthorizationCode, v.Configuration.GrantType)
	require.NotNil(t, v.Configuration.AuthorizationCode)
	assert.Equal(t, "https://idp.example/oauth2/authorize", v.Configuration.AuthorizationCode.AuthorizationEndpoint)
	assert.Equal(t, "https://relay.example/oauth2-callback", v.Configuration.AuthorizationCode.RedirectURI)
	assert.Equal(t, "svc", v.Configuration.ClientID)
}

func TestConfigure_UnknownGrant(t *testing.T) {
	cs, _ := testSetup(t)

	result := callTool(t, cs, "oauth2_configure", map[string]interface{}{"grant_type": "implicit"})
	assert.True(t, result.IsError)
}

func TestStart_InvalidConfiguration(t *testing.T) {
	cs, _ := testSetup(t)

	// Errors from ToolHandlerFor are returned as tool errors (IsError=true),
	// not protocol errors.
	result := callTool(t, cs, "oauth2_start", nil)
	assert.True(t, result.IsError)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	cs, ex := testSetup(t)
	configureAuthCode(t, cs)

	v := extractView(t, callTool(t, cs, "oauth2_start", nil))
	assert.Equal(t, "awaiting_code", v.State)
	assert.Contains(t, v.AuthorizationURL, "response_type=code&client_id=abc")

	v = extractView(t, callTool(t, cs, "oauth2_submit_code", map[string]interface{}{"code": "xyz"}))
	assert.Equal(t, "xyz", v.Code)
	assert.True(t, v.CanExchange)

	v = extractView(t, callTool(t, cs, "oauth2_exchange", nil))
	assert.Equal(t, "result", v.State)
	require.NotNil(t, v.Result)
	assert.Equal(t, 200, v.Result.Status)
	assert.True(t, v.Result.Succeeded)
	assert.Contains(t, v.Result.Summary, "access_token=present")
	assert.Contains(t, v.Result.Body, `"access_token": "at"`)

	assert.Equal(t, "sess", ex.bearer)
	assert.Equal(t, "https://idp.example/oauth2/token", ex.last.TokenURL)
	assert.Equal(t, "xyz", ex.last.Params["code"])

	v = extractView(t, callTool(t, cs, "oauth2_start_over", nil))
	assert.Equal(t, "form", v.State)
	assert.Empty(t, v.Transcript)
	assert.Empty(t, v.Configuration.ClientID)
}

func TestClientCredentialsFlow(t *testing.T) {
	cs, ex := testSetup(t)

	extractView(t, callTool(t, cs, "oauth2_configure", map[string]interface{}{
		"grant_type":     "client_credentials",
		"token_endpoint": "https://idp.example/token",
		"client_id":      "svc",
		"client_secret":  "s3cret",
	}))

	v := extractView(t, callTool(t, cs, "oauth2_start", nil))
	assert.Equal(t, "result", v.State)
	assert.Equal(t, "client_credentials", ex.last.Params["grant_type"])
	assert.Equal(t, "s3cret", ex.last.Params["client_secret"])
}

func TestExchange_WrongState(t *testing.T) {
	cs, _ := testSetup(t)

	result := callTool(t, cs, "oauth2_exchange", nil)
	assert.True(t, result.IsError)
}
