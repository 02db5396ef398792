// Package mcpserver registers MCP tools that drive the OAuth2 flow.
// It adapts the flow controller to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all flow tools to the given MCP server.
func RegisterTools(server *mcp.Server, c *flow.Controller) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "oauth2_show",
		Description: "Show the current flow: state, configuration, transcript, the last result and which actions are available. Call this first.",
	}, showHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "oauth2_configure",
		Description: "Edit the flow configuration. Only fields that are set change. Extra parameters use the k1=v1&k2=v2 form. Switching grant_type clears fields the new grant does not use. Only allowed before start.",
	}, configureHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "oauth2_start",
		Description: "Validate the configuration and start the flow. authorization_code builds the authorization URL to open in a browser; client_credentials requests the token immediately.",
	}, startHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "oauth2_submit_code",
		Description: "Record the authorization code copied from the redirect URL.",
	}, submitCodeHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "oauth2_exchange",
		Description: "Exchange the authorization code for a token through the relay. Requires a signed-in session.",
	}, exchangeHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "oauth2_start_over",
		Description: "Reset the flow, the transcript and the configuration to defaults.",
	}, startOverHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ShowInput has no parameters.
type ShowInput struct{}

// ConfigureInput holds parameters for oauth2_configure. Nil fields are
// left unchanged.
type ConfigureInput struct {
	GrantType                string  `json:"grant_type,omitempty" jsonschema:"authorization_code or client_credentials"`
	TokenEndpoint            *string `json:"token_endpoint,omitempty" jsonschema:"token endpoint URL"`
	ClientID                 *string `json:"client_id,omitempty" jsonschema:"OAuth2 client id"`
	ClientSecret             *string `json:"client_secret,omitempty" jsonschema:"OAuth2 client secret, may be empty"`
	Scope                    *string `json:"scope,omitempty" jsonschema:"space separated scopes"`
	ExtraTokenParams         *string `json:"extra_token_params,omitempty" jsonschema:"extra token request parameters as k1=v1&k2=v2"`
	AuthorizationEndpoint    *string `json:"authorization_endpoint,omitempty" jsonschema:"authorization endpoint URL (authorization_code only)"`
	RedirectURI              *string `json:"redirect_uri,omitempty" jsonschema:"redirect URI (authorization_code only)"`
	ExtraAuthorizationParams *string `json:"extra_authorization_params,omitempty" jsonschema:"extra authorization URL parameters as k1=v1&k2=v2 (authorization_code only)"`
	AppendAuthorizePath      bool    `json:"append_authorize_path,omitempty" jsonschema:"append /oauth2/authorize to the authorization endpoint"`
	AppendTokenPath          bool    `json:"append_token_path,omitempty" jsonschema:"append /oauth2/token to the token endpoint"`
}

func (in ConfigureInput) touchesAuthorizationCode() bool {
	return in.AuthorizationEndpoint != nil || in.RedirectURI != nil || in.ExtraAuthorizationParams != nil || in.AppendAuthorizePath
}

// SubmitCodeInput holds parameters for oauth2_submit_code.
type SubmitCodeInput struct {
	Code string `json:"code" jsonschema:"required,the authorization code from the redirect URL"`
}

// --- Output types ---

// FlowView is the structured output of every tool.
type FlowView struct {
	State            string             `json:"state"`
	Configuration    flow.Configuration `json:"configuration"`
	AuthorizationURL string             `json:"authorization_url,omitempty"`
	Code             string             `json:"code,omitempty"`
	Transcript       []string           `json:"transcript"`
	Result           *ResultView        `json:"result,omitempty"`
	LastError        string             `json:"last_error,omitempty"`
	SignedIn         bool               `json:"signed_in"`
	User             string             `json:"user,omitempty"`
	CanSubmit        bool               `json:"can_submit"`
	CanExchange      bool               `json:"can_exchange"`
}

// ResultView is the token endpoint answer.
type ResultView struct {
	Status    int    `json:"status"`
	Body      string `json:"body"`
	Summary   string `json:"summary"`
	Succeeded bool   `json:"succeeded"`
}

func view(c *flow.Controller) *FlowView {
	s := c.Snapshot()

	v := &FlowView{
		State:            s.State.String(),
		Configuration:    s.Configuration,
		AuthorizationURL: s.AuthorizationURL,
		Code:             s.Code,
		Transcript:       s.Transcript,
		LastError:        s.LastError,
		SignedIn:         s.SignedIn,
		User:             s.User,
		CanSubmit:        s.CanSubmit,
		CanExchange:      s.CanExchange,
	}

	if v.Transcript == nil {
		v.Transcript = []string{}
	}

	if s.Result != nil {
		v.Result = &ResultView{
			Status:    s.Result.Status,
			Body:      s.Result.Pretty(),
			Summary:   s.Result.Summary(),
			Succeeded: s.Result.Succeeded(),
		}
	}

	return v
}

// --- Handlers ---

func showHandler(c *flow.Controller) mcp.ToolHandlerFor[ShowInput, *FlowView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ShowInput) (*mcp.CallToolResult, *FlowView, error) {
		result := view(c)
		return textResult(result), result, nil
	}
}

// configureHandler applies every field in one configuration update so a
// rejected call leaves the configuration unchanged.
func configureHandler(c *flow.Controller) mcp.ToolHandlerFor[ConfigureInput, *FlowView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ConfigureInput) (*mcp.CallToolResult, *FlowView, error) {
		grant := c.Configuration().GrantType
		if input.GrantType != "" {
			grant = flow.GrantType(input.GrantType)
			if !grant.Valid() {
				return nil, nil, &flow.ConfigurationError{Fields: []string{"grant_type"}}
			}
		}

		if input.touchesAuthorizationCode() && grant != flow.AuthorizationCode {
			return nil, nil, fmt.Errorf("authorization endpoint, redirect URI and extra authorization parameters apply to the authorization_code grant only")
		}

		err := c.UpdateConfiguration(func(cfg *flow.Configuration) {
			if cfg.GrantType != grant {
				cfg.GrantType = grant
				cfg.AuthorizationCode = nil

				if grant == flow.AuthorizationCode {
					cfg.AuthorizationCode = &flow.AuthorizationCodeSettings{}
				}
			}

			setString(&cfg.TokenEndpoint, input.TokenEndpoint)
			setString(&cfg.ClientID, input.ClientID)
			setString(&cfg.ClientSecret, input.ClientSecret)
			setString(&cfg.Scope, input.Scope)

			if input.ExtraTokenParams != nil {
				cfg.ExtraTokenParams = flow.ParseParams(*input.ExtraTokenParams)
			}

			if input.AppendTokenPath {
				cfg.TokenEndpoint = flow.AppendPath(cfg.TokenEndpoint, flow.TokenPathSuffix)
			}

			if ac := cfg.AuthorizationCode; ac != nil {
				setString(&ac.AuthorizationEndpoint, input.AuthorizationEndpoint)
				setString(&ac.RedirectURI, input.RedirectURI)

				if input.ExtraAuthorizationParams != nil {
					ac.ExtraAuthorizationParams = flow.ParseParams(*input.ExtraAuthorizationParams)
				}

				if input.AppendAuthorizePath {
					ac.AuthorizationEndpoint = flow.AppendPath(ac.AuthorizationEndpoint, flow.AuthorizePathSuffix)
				}
			}
		})
		if err != nil {
			return nil, nil, err
		}

		result := view(c)

		return textResult(result), result, nil
	}
}

func startHandler(c *flow.Controller) mcp.ToolHandlerFor[ShowInput, *FlowView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ShowInput) (*mcp.CallToolResult, *FlowView, error) {
		if err := c.Submit(ctx); err != nil {
			return nil, nil, err
		}

		result := view(c)

		return textResult(result), result, nil
	}
}

func submitCodeHandler(c *flow.Controller) mcp.ToolHandlerFor[SubmitCodeInput, *FlowView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SubmitCodeInput) (*mcp.CallToolResult, *FlowView, error) {
		if err := c.SetCode(input.Code); err != nil {
			return nil, nil, err
		}

		result := view(c)

		return textResult(result), result, nil
	}
}

func exchangeHandler(c *flow.Controller) mcp.ToolHandlerFor[ShowInput, *FlowView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ShowInput) (*mcp.CallToolResult, *FlowView, error) {
		if err := c.Exchange(ctx); err != nil {
			return nil, nil, err
		}

		result := view(c)

		return textResult(result), result, nil
	}
}

func startOverHandler(c *flow.Controller) mcp.ToolHandlerFor[ShowInput, *FlowView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ShowInput) (*mcp.CallToolResult, *FlowView, error) {
		if err := c.StartOver(); err != nil {
			return nil, nil, err
		}

		result := view(c)

		return textResult(result), result, nil
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
