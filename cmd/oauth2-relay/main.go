package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/oauth2-tester/internal/auth"
	"github.com/alexjbarnes/oauth2-tester/internal/config"
	"github.com/alexjbarnes/oauth2-tester/internal/logging"
	"github.com/alexjbarnes/oauth2-tester/internal/relay"
	"github.com/alexjbarnes/oauth2-tester/internal/server"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")

	var password string

	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		password = string(pw)
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr, "no input")
			os.Exit(1)
		}
		password = scanner.Text()
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func run() error {
	cfg, err := config.LoadRelay()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.IsProduction(), cfg.LogLevel, nil)

	if cfg.IsProduction() && cfg.PublicURL != "" && !strings.HasPrefix(cfg.PublicURL, "https://") {
		logger.Warn("RELAY_PUBLIC_URL is not https; browsers will send the authorization code in the clear",
			slog.String("public_url", cfg.PublicURL),
		)
	}

	users, err := cfg.Users()
	if err != nil {
		return fmt.Errorf("parsing auth users: %w", err)
	}

	store := auth.NewStore(cfg.SessionTTL, logger)
	defer store.Stop()

	handler := relay.NewHandler(relay.Config{
		Project:      cfg.Project,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Client:       relay.NewUpstreamClient(cfg.UpstreamTimeout),
		Logger:       logger.With(slog.String("component", "relay")),
	})

	mux := server.NewMux(server.MuxConfig{
		Store:     store,
		Users:     users,
		Relay:     handler,
		ProxyPath: cfg.ProxyPath,
		Project:   cfg.Project,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("oauth2-relay starting",
			slog.String("version", Version),
			slog.String("listen", cfg.ListenAddr),
			slog.String("proxy_path", cfg.ProxyPath),
			slog.String("redirect_uri", cfg.RedirectURI()),
			slog.String("project", cfg.Project),
			slog.Int("users", len(users)),
			slog.Duration("session_ttl", store.TTL()),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
