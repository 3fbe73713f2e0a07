package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/certexam/internal/i18n"
	"github.com/pavelanni/certexam/internal/model"
)

// PlayerHeader carries the authenticated player ID set by the upstream gateway.
const PlayerHeader = "X-Player-ID"

// requirePlayer rejects requests without a player and stores the player in the context.
func requirePlayer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		player := strings.TrimSpace(r.Header.Get(PlayerHeader))
		if player == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error:   "PlayerRequired",
				Message: appI18n.T(r.Context(), "PlayerRequired"),
			})
			return
		}
		ctx := model.ContextWithPlayer(r.Context(), player)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin checks the bearer token against the configured bcrypt hash.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" || h.config.AdminTokenHash == "" {
			h.denyAdmin(w, r)
			return
		}
		err := bcrypt.CompareHashAndPassword([]byte(h.config.AdminTokenHash), []byte(token))
		if err != nil {
			if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				slog.Error("admin token hash check failed", "error", err)
			}
			h.denyAdmin(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) denyAdmin(w http.ResponseWriter, r *http.Request) {
	slog.Warn("admin access denied", "path", r.URL.Path, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusUnauthorized, errorBody{
		Error:   "AdminRequired",
		Message: appI18n.T(r.Context(), "AdminRequired"),
	})
}
