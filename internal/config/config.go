// Package config loads the relay and tester settings from the
// environment.
package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/oauth2-tester/internal/auth"
	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Fixed relay routes. The proxy path is configurable and must not
// shadow them.
const (
	SessionPath = "/auth/session"
	HealthPath  = "/healthz"
)

// Relay holds all environment-based configuration for oauth2-relay.
type Relay struct {
	ListenAddr string `env:"RELAY_LISTEN_ADDR" envDefault:":8787"`

	// PublicURL is the origin operators reach the relay on. Used for the
	// default redirect URI shown at startup.
	PublicURL string `env:"RELAY_PUBLIC_URL"`

	// Project is echoed in X-Relay-Project and /healthz.
	Project   string `env:"RELAY_PROJECT"`
	ProxyPath string `env:"RELAY_PROXY_PATH" envDefault:"/oauth2-proxy"`

	// AuthUsers is "user1:bcrypt_hash1,user2:bcrypt_hash2".
	AuthUsers  string        `env:"RELAY_AUTH_USERS"`
	SessionTTL time.Duration `env:"RELAY_SESSION_TTL" envDefault:"12h"`

	// UpstreamTimeout bounds token endpoint calls. Zero means none.
	UpstreamTimeout time.Duration `env:"RELAY_UPSTREAM_TIMEOUT" envDefault:"0s"`
	MaxBodyBytes    int64         `env:"RELAY_MAX_BODY_BYTES" envDefault:"1048576"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// Tester holds all environment-based configuration for oauth2-tester.
type Tester struct {
	RelayURL  string `env:"TESTER_RELAY_URL" envDefault:"http://localhost:8787"`
	ProxyPath string `env:"TESTER_PROXY_PATH" envDefault:"/oauth2-proxy"`

	// MaxResponseBytes caps relay responses. Keep it at least six times
	// the relay's RELAY_MAX_BODY_BYTES.
	MaxResponseBytes int64 `env:"TESTER_MAX_RESPONSE_BYTES" envDefault:"16777216"`

	// StateDir holds state.db and session.json. Defaults to ~/.oauth2-tester.
	StateDir string `env:"TESTER_STATE_DIR"`

	// RedirectURI defaults to the relay's callback page.
	RedirectURI   string `env:"TESTER_REDIRECT_URI"`
	PersistSecret bool   `env:"TESTER_PERSIST_SECRET" envDefault:"false"`

	// CallbackAddr, when set, starts a local callback listener whose
	// captured codes go straight into the flow.
	CallbackAddr string `env:"TESTER_CALLBACK_ADDR"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// LoadRelay reads relay configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func LoadRelay() (*Relay, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Relay{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Relay) validate() error {
	if c.AuthUsers == "" {
		return fmt.Errorf("RELAY_AUTH_USERS is required")
	}

	if _, err := c.Users(); err != nil {
		return fmt.Errorf("RELAY_AUTH_USERS: %w", err)
	}

	if !strings.HasPrefix(c.ProxyPath, "/") {
		return fmt.Errorf("RELAY_PROXY_PATH must start with '/'")
	}

	switch c.ProxyPath {
	case SessionPath, HealthPath, flow.CallbackPath:
		return fmt.Errorf("RELAY_PROXY_PATH %s collides with a built-in route", c.ProxyPath)
	}

	if c.PublicURL != "" && !isHTTPURL(c.PublicURL) {
		return fmt.Errorf("RELAY_PUBLIC_URL must be an absolute http(s) URL")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("RELAY_SESSION_TTL must be positive")
	}

	if c.UpstreamTimeout < 0 {
		return fmt.Errorf("RELAY_UPSTREAM_TIMEOUT must not be negative")
	}

	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_BODY_BYTES must be positive")
	}

	return nil
}

// Users parses RELAY_AUTH_USERS.
func (c *Relay) Users() (auth.UserCredentials, error) {
	return auth.ParseUsers(c.AuthUsers)
}

// RedirectURI is the callback page URL on the public origin.
func (c *Relay) RedirectURI() string {
	return flow.DefaultRedirectURI(c.PublicURL)
}

// IsProduction returns true when the environment is set to production.
func (c *Relay) IsProduction() bool {
	return c.Environment == "production"
}

// LoadTester reads tester configuration from environment variables.
func LoadTester() (*Tester, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Tester{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.RelayURL = strings.TrimSuffix(cfg.RelayURL, "/")

	if cfg.RedirectURI == "" {
		cfg.RedirectURI = flow.DefaultRedirectURI(cfg.RelayURL)
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Tester) validate() error {
	if !isHTTPURL(c.RelayURL) {
		return fmt.Errorf("TESTER_RELAY_URL must be an absolute http(s) URL")
	}

	if !strings.HasPrefix(c.ProxyPath, "/") {
		return fmt.Errorf("TESTER_PROXY_PATH must start with '/'")
	}

	if c.MaxResponseBytes <= 0 {
		return fmt.Errorf("TESTER_MAX_RESPONSE_BYTES must be positive")
	}

	if c.CallbackAddr != "" {
		if _, _, err := net.SplitHostPort(c.CallbackAddr); err != nil {
			return fmt.Errorf("TESTER_CALLBACK_ADDR: %w", err)
		}
	}

	return nil
}

// SessionFile is where the signed-in session is kept.
func (c *Tester) SessionFile() string {
	return filepath.Join(c.StateDir, "session.json")
}

// CallbackPath is the path the local callback listener serves, taken
// from the redirect URI so the two always agree.
func (c *Tester) CallbackPath() string {
	u, err := url.Parse(c.RedirectURI)
	if err != nil || u.Path == "" {
		return flow.CallbackPath
	}

	return u.Path
}

// IsProduction returns true when the environment is set to production.
func (c *Tester) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultStateDir returns ~/.oauth2-tester.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".oauth2-tester"), nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
