package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	apperrors "github.com/alexjbarnes/oauth2-tester/internal/errors"
	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"github.com/alexjbarnes/oauth2-tester/internal/profile"
	"github.com/alexjbarnes/oauth2-tester/internal/session"
)

// accountClient signs the operator in and out of the relay.
type accountClient interface {
	SignIn(ctx context.Context, username, password string) (*session.Session, error)
	SignOut(ctx context.Context, token string) error
}

// sessionStore is the writable side of the session provider.
type sessionStore interface {
	session.Provider
	Set(s *session.Session) error
	Clear() error
}

// errQuit ends the read loop.
var errQuit = errors.New("quit")

const helpText = `Commands:
  show                         show the configuration and flow state
  set <field> <value>          set a configuration field (see fields below)
  grant <type>                 switch grant: authorization_code | client_credentials
  append-auth-path             append /oauth2/authorize to the authorization endpoint
  append-token-path            append /oauth2/token to the token endpoint
  start                        validate and start the flow
  code <code>                  enter the authorization code
  exchange                     exchange the code for a token
  result                       show the token response
  transcript                   show the flow transcript
  reset                        start over with an empty configuration
  export <file> [--secret]     write the configuration to a YAML profile
  import <file>                load a YAML profile into the form
  login <user>                 sign in to the relay
  logout                       sign out
  help                         show this help
  quit                         exit

Fields: client_id client_secret token_endpoint scope extra_token_params
        authorization_endpoint redirect_uri extra_authorization_params`

type repl struct {
	ctrl        *flow.Controller
	sessions    sessionStore
	account     accountClient
	redirectURI string
	logger      *slog.Logger

	in   *bufio.Scanner
	out  io.Writer
	path string

	// readPassword reads a password without echo. Nil reads the next
	// input line.
	readPassword func() (string, error)
}

func newREPL(ctrl *flow.Controller, sessions sessionStore, account accountClient, redirectURI string, in io.Reader, out io.Writer, logger *slog.Logger) *repl {
	return &repl{
		ctrl:        ctrl,
		sessions:    sessions,
		account:     account,
		redirectURI: redirectURI,
		logger:      logger,
		in:          bufio.NewScanner(in),
		out:         out,
		path:        session.HomePath,
	}
}

// run reads commands until EOF, quit or ctx is done.
func (r *repl) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		fmt.Fprint(r.out, r.prompt())

		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}

		err := r.exec(ctx, r.in.Text())
		if errors.Is(err, errQuit) {
			return nil
		}

		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func (r *repl) prompt() string {
	r.path = session.Route(r.sessions.Current(), r.path)
	if r.path == session.LoginPath {
		return "login> "
	}

	return fmt.Sprintf("oauth2 [%s]> ", r.ctrl.Snapshot().State)
}

// exec runs one command line.
func (r *repl) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprintln(r.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "login":
		return r.login(ctx, args)
	}

	r.path = session.Route(r.sessions.Current(), r.path)
	if r.path == session.LoginPath {
		return fmt.Errorf("%w: sign in with 'login <user>' first", apperrors.ErrUnauthenticated)
	}

	switch cmd {
	case "logout":
		return r.logout(ctx)
	case "show":
		r.show()
	case "set":
		return r.set(line)
	case "grant":
		if len(args) != 1 {
			return fmt.Errorf("usage: grant authorization_code|client_credentials")
		}

		return r.ctrl.SetGrantType(flow.GrantType(args[0]))
	case "append-auth-path":
		return r.ctrl.AppendAuthorizationPath()
	case "append-token-path":
		return r.ctrl.AppendTokenPath()
	case "start":
		before := len(r.ctrl.Snapshot().Transcript)
		err := r.ctrl.Submit(ctx)
		r.printTranscriptFrom(before)

		return err
	case "code":
		if len(args) != 1 {
			return fmt.Errorf("usage: code <authorization code>")
		}

		return r.ctrl.SetCode(args[0])
	case "exchange":
		before := len(r.ctrl.Snapshot().Transcript)
		err := r.ctrl.Exchange(ctx)
		r.printTranscriptFrom(before)

		return err
	case "result":
		r.result()
	case "transcript":
		for _, l := range r.ctrl.Snapshot().Transcript {
			fmt.Fprintln(r.out, l)
		}
	case "reset":
		return r.ctrl.StartOver()
	case "export":
		return r.export(args)
	case "import":
		return r.importProfile(args)
	default:
		return fmt.Errorf("unknown command %q, type 'help'", cmd)
	}

	return nil
}

func (r *repl) login(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: login <user>")
	}

	fmt.Fprint(r.out, "Password: ")

	password, err := r.password()
	if err != nil {
		return err
	}

	s, err := r.account.SignIn(ctx, args[0], password)
	if err != nil {
		return err
	}

	if err := r.sessions.Set(s); err != nil {
		return err
	}

	r.logger.Info("signed in", slog.String("user", s.User))
	fmt.Fprintf(r.out, "Signed in as %s\n", s.User)

	return nil
}

func (r *repl) password() (string, error) {
	if r.readPassword != nil {
		pw, err := r.readPassword()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return pw, nil
	}

	if !r.in.Scan() {
		return "", fmt.Errorf("no password given")
	}

	return r.in.Text(), nil
}

func (r *repl) logout(ctx context.Context) error {
	if cur := r.sessions.Current(); cur != nil {
		if err := r.account.SignOut(ctx, cur.AccessToken); err != nil {
			r.logger.Warn("relay sign-out failed", slog.String("error", err.Error()))
		}
	}

	if err := r.sessions.Clear(); err != nil {
		return err
	}

	fmt.Fprintln(r.out, "Signed out")

	return nil
}

// set parses "set <field> <value>"; the value is the rest of the line so
// it may contain spaces.
func (r *repl) set(line string) error {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "set"))

	field, value, _ := strings.Cut(rest, " ")
	if field == "" {
		return fmt.Errorf("usage: set <field> <value>")
	}

	value = strings.TrimSpace(value)

	var authOnly bool

	switch field {
	case "authorization_endpoint", "redirect_uri", "extra_authorization_params":
		authOnly = true
	case "client_id", "client_secret", "token_endpoint", "scope", "extra_token_params":
	default:
		return fmt.Errorf("unknown field %q", field)
	}

	if authOnly && r.ctrl.Configuration().GrantType != flow.AuthorizationCode {
		return fmt.Errorf("%s only applies to the authorization_code grant", field)
	}

	return r.ctrl.UpdateConfiguration(func(cfg *flow.Configuration) {
		switch field {
		case "client_id":
			cfg.ClientID = value
		case "client_secret":
			cfg.ClientSecret = value
		case "token_endpoint":
			cfg.TokenEndpoint = value
		case "scope":
			cfg.Scope = value
		case "extra_token_params":
			cfg.ExtraTokenParams = flow.ParseParams(value)
		case "authorization_endpoint":
			cfg.AuthorizationCode.AuthorizationEndpoint = value
		case "redirect_uri":
			cfg.AuthorizationCode.RedirectURI = value
		case "extra_authorization_params":
			cfg.AuthorizationCode.ExtraAuthorizationParams = flow.ParseParams(value)
		}
	})
}

func (r *repl) show() {
	snap := r.ctrl.Snapshot()
	cfg := snap.Configuration

	fmt.Fprintf(r.out, "state:                  %s\n", snap.State)
	fmt.Fprintf(r.out, "signed in as:           %s\n", snap.User)
	fmt.Fprintf(r.out, "grant_type:             %s\n", cfg.GrantType)

	if ac := cfg.AuthorizationCode; ac != nil {
		fmt.Fprintf(r.out, "authorization_endpoint: %s\n", ac.AuthorizationEndpoint)
		fmt.Fprintf(r.out, "redirect_uri:           %s\n", ac.RedirectURI)
		fmt.Fprintf(r.out, "extra_authorization:    %s\n", ac.ExtraAuthorizationParams)
	}

	fmt.Fprintf(r.out, "token_endpoint:         %s\n", cfg.TokenEndpoint)
	fmt.Fprintf(r.out, "client_id:              %s\n", cfg.ClientID)
	fmt.Fprintf(r.out, "client_secret:          %s\n", mask(cfg.ClientSecret))
	fmt.Fprintf(r.out, "scope:                  %s\n", cfg.Scope)
	fmt.Fprintf(r.out, "extra_token_params:     %s\n", cfg.ExtraTokenParams)

	if snap.AuthorizationURL != "" {
		fmt.Fprintf(r.out, "authorization_url:      %s\n", snap.AuthorizationURL)
	}

	if snap.Code != "" {
		fmt.Fprintf(r.out, "code:                   %s\n", snap.Code)
	}

	if snap.LastError != "" {
		fmt.Fprintf(r.out, "last error:             %s\n", snap.LastError)
	}
}

func (r *repl) result() {
	res := r.ctrl.Snapshot().Result
	if res == nil {
		fmt.Fprintln(r.out, "No result yet")
		return
	}

	fmt.Fprintln(r.out, res.Summary())
	fmt.Fprintln(r.out, res.Pretty())
}

// printTranscriptFrom prints the transcript lines added since index from.
func (r *repl) printTranscriptFrom(from int) {
	lines := r.ctrl.Snapshot().Transcript
	if from > len(lines) {
		from = 0
	}

	for _, l := range lines[from:] {
		fmt.Fprintln(r.out, l)
	}
}

func (r *repl) export(args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("usage: export <file> [--secret]")
	}

	includeSecret := len(args) == 2 && args[1] == "--secret"
	if len(args) == 2 && !includeSecret {
		return fmt.Errorf("usage: export <file> [--secret]")
	}

	if err := profile.ExportFile(args[0], r.ctrl.Configuration(), includeSecret); err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Wrote %s\n", args[0])

	return nil
}

func (r *repl) importProfile(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: import <file>")
	}

	cfg, err := profile.ImportFile(args[0], r.redirectURI)
	if err != nil {
		return err
	}

	if err := r.ctrl.UpdateConfiguration(func(c *flow.Configuration) { *c = cfg }); err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Loaded %s (%s)\n", args[0], cfg.GrantType)

	return nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}

	return "********"
}
