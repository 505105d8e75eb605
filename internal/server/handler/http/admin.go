package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// AdminService defines the admin login operation required by the
// AdminHandler.
type AdminService interface {
	// Login exchanges the operator PIN for a short-lived token.
	Login(ctx context.Context, pin string) (token string, expires time.Time, err error)
}

// AdminHandler handles operator login.
type AdminHandler struct {
	Auth AdminService
}

// LoginRequest is the JSON body of POST /api/admin/login.
type LoginRequest struct {
	PIN string `json:"pin"`
}

// LoginResponse carries the bearer token for admin endpoints.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/admin/login.
// It expects a JSON body with a non-empty "pin" field and returns a token
// to be sent as "Authorization: Bearer <token>".
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PIN == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	tok, exp, err := h.Auth.Login(r.Context(), req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: tok, ExpiresAt: exp})
}
