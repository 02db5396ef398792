// Package callback renders the authorization-code redirect page and
// optionally captures the code for a running tester.
package callback

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Result is what the authorization server put on the redirect.
type Result struct {
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Empty reports whether the redirect carried neither a code nor an error.
func (r Result) Empty() bool {
	return r.Code == "" && r.Error == ""
}

// page shows the code for the operator to copy back into the tester.
var page = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>oauth2-tester callback</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2rem;
    width: 100%;
    max-width: 560px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 1rem; }
  p { font-size: 0.9rem; margin-bottom: 0.75rem; }
  code {
    display: block;
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    word-break: break-all;
  }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
  }
  .muted { color: #666; font-size: 0.8rem; margin-top: 1rem; }
</style>
</head>
<body>
<div class="card">
{{- if .Code}}
  <h1>Authorization code received</h1>
  <p>Copy this code into the tester:</p>
  <code id="code">{{.Code}}</code>
  {{- if .State}}
  <p class="muted">state: {{.State}}</p>
  {{- end}}
  {{- if .Captured}}
  <p class="muted">The tester captured the code; you can close this window.</p>
  {{- end}}
{{- else if .Error}}
  <h1>Authorization failed</h1>
  <div class="error">
    <p><strong>{{.Error}}</strong></p>
    {{- if .ErrorDescription}}
    <p>{{.ErrorDescription}}</p>
    {{- end}}
  </div>
{{- else}}
  <h1>No authorization code</h1>
  <p>This page expects the <code>code</code> query parameter set by the authorization server redirect.</p>
{{- end}}
</div>
</body>
</html>
`))

type pageData struct {
	Result
	Captured bool
}

// Handler renders the callback page. onResult, when non-nil, is called
// with every redirect that carries a code or an error and reports
// whether the code was accepted.
func Handler(onResult func(Result) bool, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		q := r.URL.Query()
		res := Result{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}

		data := pageData{Result: res}

		if !res.Empty() {
			logger.Info("authorization redirect received",
				slog.Bool("has_code", res.Code != ""),
				slog.String("error", res.Error),
			)

			if onResult != nil {
				data.Captured = onResult(res) && res.Code != ""
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")

		if err := page.Execute(w, data); err != nil {
			logger.Error("rendering callback page", slog.String("error", err.Error()))
		}
	}
}

// Serve runs a local callback listener on addr until ctx is cancelled.
// The page is mounted at path.
func Serve(ctx context.Context, addr, path string, onResult func(Result) bool, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler(onResult, logger))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	return serve(ctx, ln, mux)
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down callback listener: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("callback listener: %w", err)
	}
}
