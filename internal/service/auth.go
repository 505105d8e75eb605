package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/atinyakov/gatekiosk/internal/audit"
	"github.com/atinyakov/gatekiosk/internal/clock"
	"github.com/atinyakov/gatekiosk/internal/models"
)

// Authorizer validates an opaque proof of administrative authority.
type Authorizer interface {
	// Authorize returns an error wrapping models.ErrUnauthorized when proof
	// does not grant action.
	Authorize(ctx context.Context, proof, action string) error
}

const (
	adminAudience = "kiosk-admin"
	adminSubject  = "operator"
	// MinSigningKeyLen is the shortest accepted HMAC key.
	MinSigningKeyLen = 32
)

type adminClaims struct {
	jwt.RegisteredClaims
}

// AdminAuth exchanges the operator PIN for short-lived signed tokens and
// validates those tokens as proofs.
type AdminAuth struct {
	pinHash []byte
	key     []byte
	ttl     time.Duration
	clock   clock.Clock
	audit   audit.Recorder
	log     *zap.Logger
}

// HashPIN returns the bcrypt hash of pin for the configuration file.
func HashPIN(pin string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("HashPIN: %w", err)
	}
	return string(h), nil
}

// NewAdminAuth constructs an AdminAuth.
// pinHash is a bcrypt hash; signingKey must be at least MinSigningKeyLen bytes.
// A nil clock uses the wall clock and a nil recorder discards audit events.
func NewAdminAuth(pinHash string, signingKey []byte, ttl time.Duration, clk clock.Clock, rec audit.Recorder, log *zap.Logger) (*AdminAuth, error) {
	if pinHash == "" {
		return nil, errors.New("NewAdminAuth: empty PIN hash")
	}
	if _, err := bcrypt.Cost([]byte(pinHash)); err != nil {
		return nil, fmt.Errorf("NewAdminAuth: %w", err)
	}
	if len(signingKey) < MinSigningKeyLen {
		return nil, fmt.Errorf("NewAdminAuth: signing key shorter than %d bytes", MinSigningKeyLen)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminAuth{
		pinHash: []byte(pinHash),
		key:     signingKey,
		ttl:     ttl,
		clock:   clk,
		audit:   rec,
		log:     log,
	}, nil
}

// Login checks pin and returns a signed token with its expiry.
// A wrong PIN yields models.ErrUnauthorized.
func (a *AdminAuth) Login(_ context.Context, pin string) (string, time.Time, error) {
	if err := bcrypt.CompareHashAndPassword(a.pinHash, []byte(pin)); err != nil {
		a.audit.Record(audit.Event{Action: audit.ActionAdminDenied, Detail: "login"})
		return "", time.Time{}, fmt.Errorf("Login: %w", models.ErrUnauthorized)
	}

	now := a.clock.Now()
	exp := now.Add(a.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminSubject,
			Audience:  jwt.ClaimStrings{adminAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	})
	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("Login: sign: %w", err)
	}
	a.audit.Record(audit.Event{Action: audit.ActionAdminGranted, Success: true, Detail: "login"})
	return signed, exp, nil
}

// Authorize implements Authorizer. Every admin action accepts the same token.
func (a *AdminAuth) Authorize(_ context.Context, proof, action string) error {
	if err := a.verify(proof); err != nil {
		a.log.Info("admin proof rejected", zap.String("action", action), zap.Error(err))
		a.audit.Record(audit.Event{Action: audit.ActionAdminDenied, Detail: action})
		return fmt.Errorf("%s: %w", action, models.ErrUnauthorized)
	}
	return nil
}

func (a *AdminAuth) verify(proof string) error {
	if proof == "" {
		return errors.New("missing token")
	}
	var claims adminClaims
	_, err := jwt.ParseWithClaims(proof, &claims,
		func(*jwt.Token) (interface{}, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(adminAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		return err
	}
	if claims.Subject != adminSubject {
		return errors.New("unexpected subject")
	}
	return nil
}
