package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"docgate.org/internal/audit"
	"docgate.org/internal/auth"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	OwnerID   string    `json:"owner_id"`
}

// handleAuthToken exchanges owner credentials for a bearer token.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil || a.owners == nil {
		writeError(w, r, http.StatusServiceUnavailable, "owner authentication is not configured")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	owner, err := a.owners.Authenticate(r.Context(), email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), "auth.token.rejected", map[string]any{"email": email})
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "authentication error")
		return
	}

	token, expiresAt, err := a.tokens.GenerateToken(owner.ID, owner.Email, []string{auth.RoleOwner})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	ctx := auth.ContextWithUser(r.Context(), owner.ID, []string{auth.RoleOwner})
	_ = audit.LogEvent(ctx, "auth.token.issued", map[string]any{
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		OwnerID:   owner.ID,
	})
}
