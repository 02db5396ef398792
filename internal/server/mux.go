// Package server provides HTTP server construction for oauth2-relay.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/oauth2-tester/internal/auth"
	"github.com/alexjbarnes/oauth2-tester/internal/callback"
	"github.com/alexjbarnes/oauth2-tester/internal/config"
	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"github.com/alexjbarnes/oauth2-tester/internal/relay"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store     *auth.Store
	Users     auth.UserCredentials
	Relay     http.Handler
	ProxyPath string
	Project   string
	Logger    *slog.Logger
}

// NewMux builds the relay's HTTP mux: the token relay, sign-in, the
// callback page and a health check. The relay is wrapped in CORS
// outside the Bearer middleware so preflight requests need no token.
func NewMux(cfg MuxConfig) *http.ServeMux {
	proxyPath := cfg.ProxyPath
	if proxyPath == "" {
		proxyPath = "/oauth2-proxy"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.SessionPath, auth.HandleSession(cfg.Store, cfg.Users, cfg.Logger))
	mux.Handle(flow.CallbackPath, callback.Handler(nil, cfg.Logger))
	mux.HandleFunc(config.HealthPath, handleHealth(cfg.Project))

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	mux.Handle(proxyPath, relay.CORS(authMiddleware(cfg.Relay)))

	return mux
}

func handleHealth(project string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"project": project,
		})
	}
}
