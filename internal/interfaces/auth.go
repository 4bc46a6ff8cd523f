package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/aranea/internal/models"
)

// Security failures are sentinel errors so callers can branch with
// errors.Is while external responses stay generic.
var (
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenSignature     = errors.New("token signature invalid")
	ErrTokenTypeMismatch  = errors.New("token type mismatch")
	ErrTokenMalformed     = errors.New("token malformed")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrDeviceMismatch     = errors.New("device fingerprint mismatch")
	ErrAccountLocked      = errors.New("account locked")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionNotActive   = errors.New("session not active")
	ErrMfaRequired        = errors.New("mfa required")
)

// TokenSpec describes a token to mint. The type's enforced default lifetime
// always applies.
type TokenSpec struct {
	Type              models.TokenType
	Subject           string
	SessionID         string
	DeviceFingerprint string
	Scopes            []string
	Meta              models.TokenMeta
}

// TokenService signs and verifies the JWT family.
type TokenService interface {
	// Create mints a signed token of the given type with the type's
	// enforced lifetime.
	Create(spec TokenSpec) (string, *models.TokenPayload, error)

	// Verify parses and validates a token, requiring the expected type.
	// Fails closed: ErrTokenExpired, ErrTokenSignature,
	// ErrTokenTypeMismatch, or ErrTokenMalformed.
	Verify(token string, expected models.TokenType) (*models.TokenPayload, error)

	// GenerateAPIKey returns a display key and its irreversible hash; only
	// the hash may be stored.
	GenerateAPIKey() (*models.APIKey, error)

	// HashAPIKey recomputes the stored hash for a presented key.
	HashAPIKey(displayKey string) string
}

// LoginParams carries everything a login attempt provides.
type LoginParams struct {
	Email       string
	Password    string
	IP          string
	UserAgent   string
	MfaCode     string
	DeviceHints map[string]string
}

// SessionService owns the session state machine, the revocation blacklist,
// and login gating.
type SessionService interface {
	// Login authenticates, enforces rate limits and lockout, creates a
	// session, and returns the token pair. When MFA is required the error
	// is ErrMfaRequired and the returned pair holds only a short-lived MFA
	// token in AccessToken.
	Login(ctx context.Context, params LoginParams) (*models.Session, *models.TokenPair, error)

	// VerifyMfa completes a pending MFA login using the MFA token.
	VerifyMfa(ctx context.Context, mfaToken, code string, hints map[string]string) (*models.Session, *models.TokenPair, error)

	// VerifyAccess validates an access token end to end: signature, type,
	// expiry, blacklist, session status, and device binding.
	VerifyAccess(ctx context.Context, accessToken string, hints map[string]string) (*models.TokenPayload, error)

	// Refresh rotates the access token (always) and the refresh token
	// (when the session has lived past half its TTL).
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)

	// Revoke terminates a session and blacklists its outstanding token ids
	// for their remaining lifetimes.
	Revoke(ctx context.Context, sessionID, reason string) error

	// RevokeAllForUser terminates every active session for a user.
	RevokeAllForUser(ctx context.Context, userID, reason string) (int, error)

	// GetSession loads a session if it is returnable (Active, unexpired,
	// not blacklisted).
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)

	// RequestPasswordReset issues a reset token. The response is uniform
	// whether or not the account exists.
	RequestPasswordReset(ctx context.Context, email, ip string) error
}

// CodeVerifier validates a second-factor code for a user. The session core
// owns the MFA flow (challenge tokens, limits, lockout); code validation is
// delegated so TOTP, SMS, or recovery-code backends can plug in.
type CodeVerifier interface {
	VerifyCode(ctx context.Context, userID, code string) (bool, error)
}

// Blacklist is the distributed jti revocation set. Entries carry a TTL equal
// to the token's remaining lifetime; expired entries vanish on their own.
type Blacklist interface {
	// Revoke records a jti until its natural expiry.
	Revoke(ctx context.Context, jti string, ttlSeconds int64) error

	// IsRevoked checks membership. Checked before any session trust.
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
