package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/oauth2-tester/internal/callback"
	"github.com/alexjbarnes/oauth2-tester/internal/config"
	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"github.com/alexjbarnes/oauth2-tester/internal/logging"
	"github.com/alexjbarnes/oauth2-tester/internal/mcpserver"
	"github.com/alexjbarnes/oauth2-tester/internal/relayclient"
	"github.com/alexjbarnes/oauth2-tester/internal/session"
	"github.com/alexjbarnes/oauth2-tester/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var Version = "dev"

func main() {
	mode := "repl"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "repl", "mcp":
	case "version":
		fmt.Println(Version)
		return
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [repl|mcp|version]\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(mode); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(mode string) error {
	cfg, err := config.LoadTester()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout belongs to the REPL or the MCP transport.
	logger := logging.NewLogger(cfg.IsProduction(), cfg.LogLevel, os.Stderr)
	logger.Debug("oauth2-tester starting",
		slog.String("version", Version),
		slog.String("mode", mode),
		slog.String("relay", cfg.RelayURL),
		slog.String("state_dir", cfg.StateDir),
	)

	var opts []state.Option
	if cfg.PersistSecret {
		opts = append(opts, state.WithSecrets())
	}

	appState, err := state.Load(cfg.StateDir, opts...)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	sessions, err := session.OpenFile(cfg.SessionFile(), logger)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}

	client := relayclient.New(cfg.RelayURL, nil).
		WithProxyPath(cfg.ProxyPath).
		WithMaxResponseBytes(cfg.MaxResponseBytes)

	ctrl := flow.NewController(flow.Options{
		Exchanger:   client,
		Sessions:    sessions,
		Store:       appState,
		Logger:      logger,
		RedirectURI: cfg.RedirectURI,
	})
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(sessions.Watch(gctx))
	})

	if cfg.CallbackAddr != "" {
		g.Go(func() error {
			logger.Info("callback listener started",
				slog.String("addr", cfg.CallbackAddr),
				slog.String("path", cfg.CallbackPath()),
			)

			return callback.Serve(gctx, cfg.CallbackAddr, cfg.CallbackPath(), captureCode(ctrl, logger), logger)
		})
	}

	g.Go(func() error {
		defer cancel()

		if mode == "mcp" {
			return ignoreCanceled(runMCP(gctx, ctrl))
		}

		return runREPL(gctx, ctrl, sessions, client, cfg.RedirectURI, logger)
	})

	return g.Wait()
}

// runMCP serves the flow tools over stdio.
func runMCP(ctx context.Context, ctrl *flow.Controller) error {
	server := mcp.NewServer(
		&mcp.Implementation{Name: "oauth2-tester", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(server, ctrl)

	return server.Run(ctx, &mcp.StdioTransport{})
}

// runREPL runs the interactive prompt. Stdin reads cannot be interrupted,
// so a cancelled context returns without waiting for the reader.
func runREPL(ctx context.Context, ctrl *flow.Controller, sessions sessionStore, account accountClient, redirectURI string, logger *slog.Logger) error {
	r := newREPL(ctrl, sessions, account, redirectURI, os.Stdin, os.Stdout, logger)
	r.readPassword = terminalPassword(os.Stdin, os.Stdout)

	fmt.Fprintln(os.Stdout, "oauth2-tester "+Version+". Type 'help' for commands.")

	done := make(chan error, 1)

	go func() {
		done <- r.run(ctx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

// terminalPassword returns a no-echo password reader when in is a
// terminal, or nil so piped input is read line by line.
func terminalPassword(in *os.File, out io.Writer) func() (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}

	return func() (string, error) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)

		return string(pw), err
	}
}

// captureCode feeds codes from the local callback listener into the
// flow. It reports false when the flow refused the code.
func captureCode(ctrl *flow.Controller, logger *slog.Logger) func(callback.Result) bool {
	return func(res callback.Result) bool {
		if res.Error != "" {
			logger.Warn("authorization failed",
				slog.String("error", res.Error),
				slog.String("error_description", res.ErrorDescription),
			)

			return false
		}

		if err := ctrl.SetCode(res.Code); err != nil {
			logger.Warn("ignoring captured code", slog.String("error", err.Error()))
			return false
		}

		logger.Info("authorization code captured; run 'exchange'")

		return true
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
