package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/alexjbarnes/oauth2-tester/internal/errors"
	"github.com/alexjbarnes/oauth2-tester/internal/models"
)

// maxRequestBody caps sign-in request bodies.
const maxRequestBody = 64 * 1024

// HandleSession returns the /auth/session handler:
//
//	POST   signs in with {username, password} and issues a session
//	GET    reports the session named by the Bearer token
//	DELETE revokes that session
//
// Repeated failed sign-ins from one IP are answered with 429.
func HandleSession(store *Store, users UserCredentials, logger *slog.Logger) http.HandlerFunc {
	limiter := newSignInLimiter()

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleSignIn(w, r, store, users, logger, limiter)
		case http.MethodGet:
			handleSessionInfo(w, r, store)
		case http.MethodDelete:
			handleSignOut(w, r, store, logger)
		default:
			w.Header().Set("Allow", "POST, GET, DELETE")
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func handleSignIn(w http.ResponseWriter, r *http.Request, store *Store, users UserCredentials, logger *slog.Logger, limiter *signInLimiter) {
	ip := remoteIP(r)
	if limiter.limited(ip) {
		logger.Warn("sign-in rate limited", slog.String("ip", ip))
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
		writeJSONError(w, http.StatusTooManyRequests, "too many failed sign-in attempts")

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req models.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := users.Verify(req.Username, req.Password); err != nil {
		logger.Warn("sign-in failed",
			slog.String("user", req.Username),
			slog.String("ip", ip),
		)

		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			limiter.fail(ip)
			writeJSONError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}

		writeJSONError(w, http.StatusInternalServerError, "sign-in failed")

		return
	}

	limiter.reset(ip)

	si := store.Issue(req.Username)

	logger.Info("signed in",
		slog.String("user", si.UserID),
		slog.String("ip", ip),
	)

	writeJSON(w, http.StatusCreated, sessionResponse(si, true))
}

func handleSessionInfo(w http.ResponseWriter, r *http.Request, store *Store) {
	si := sessionFromRequest(w, r, store)
	if si == nil {
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(si, false))
}

func handleSignOut(w http.ResponseWriter, r *http.Request, store *Store, logger *slog.Logger) {
	si := sessionFromRequest(w, r, store)
	if si == nil {
		return
	}

	store.Revoke(si.Token)
	logger.Info("signed out", slog.String("user", si.UserID))

	w.WriteHeader(http.StatusNoContent)
}

// sessionFromRequest resolves the Bearer token, writing a 401 and
// returning nil when it is missing or invalid.
func sessionFromRequest(w http.ResponseWriter, r *http.Request, store *Store) *SessionInfo {
	token, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")

		return nil
	}

	si := store.Validate(token)
	if si == nil {
		w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
		writeJSONError(w, http.StatusUnauthorized, "invalid or expired session")

		return nil
	}

	return si
}

func sessionResponse(si *SessionInfo, withToken bool) models.SessionResponse {
	resp := models.SessionResponse{
		TokenType: "Bearer",
		ExpiresIn: int(time.Until(si.ExpiresAt).Seconds()),
		User:      si.UserID,
	}

	if withToken {
		resp.AccessToken = si.Token
	}

	return resp
}
