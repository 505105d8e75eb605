// Package middleware provides HTTP middlewares for admin authorization and
// request logging.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const proofKey ctxKey = "admin-proof"

// RequireProof is a middleware that enforces an admin bearer token.
//
// It extracts the token from "Authorization: Bearer <token>" and stores it
// in the request context. The token itself is validated downstream by the
// service performing the admin action, so a forged token never changes
// state. Requests without a bearer token are rejected with 401.
func RequireProof(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proof, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		proof = strings.TrimSpace(proof)
		if !ok || proof == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="kiosk-admin"`)
			http.Error(w, "admin token required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), proofKey, proof)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ProofFromContext returns the admin token stored by RequireProof, or an
// empty string if not found.
func ProofFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(proofKey).(string); ok {
		return s
	}
	return ""
}
