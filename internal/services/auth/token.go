// Package auth implements the session and token core: JWT signing and
// verification, the session state machine with optimistic concurrency, the
// distributed revocation blacklist, device binding, and rate-limited login
// gating. HTTP endpoints live outside this package; everything here speaks
// tokens and sessions.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

// apiKeyPrefix marks display keys so they are recognizable to secret
// scanners without revealing anything about the stored hash.
const apiKeyPrefix = "ak_"

// tokenClaims is the signed claim set. The registered claims carry sub, jti,
// iat, exp, and iss; the custom fields carry type and session binding.
type tokenClaims struct {
	TokenType models.TokenType `json:"typ"`
	Scopes    []string         `json:"scopes,omitempty"`
	SessionID string           `json:"sid,omitempty"`
	Device    string           `json:"dfp,omitempty"`
	Meta      models.TokenMeta `json:"meta,omitempty"`
	jwt.RegisteredClaims
}

// payload converts verified claims into the stable payload shape handed to
// callers, keeping the JWT library type out of the public surface.
func (c *tokenClaims) payload() *models.TokenPayload {
	p := &models.TokenPayload{
		Subject:           c.Subject,
		Type:              c.TokenType,
		JTI:               c.ID,
		SessionID:         c.SessionID,
		DeviceFingerprint: c.Device,
		Scopes:            c.Scopes,
		Meta:              c.Meta,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

// TokenService signs and verifies the JWT family with a symmetric secret.
// Lifetimes are enforced per token type; callers cannot extend them.
type TokenService struct {
	secret    []byte
	method    jwt.SigningMethod
	issuer    string
	lifetimes map[models.TokenType]time.Duration
	now       func() time.Time

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.TokenService = (*TokenService)(nil)

// NewTokenService builds the token service from config. The secret is
// required and the algorithm must be one of the HMAC family.
func NewTokenService(config *common.AuthConfig, m *metrics.Metrics, logger arbor.ILogger) (*TokenService, error) {
	if config.SecretKey == "" {
		return nil, errors.New("auth secret_key is required")
	}

	var method jwt.SigningMethod
	switch config.Algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", config.Algorithm)
	}

	lifetimes := make(map[models.TokenType]time.Duration, 5)
	for _, entry := range []struct {
		typ      models.TokenType
		name     string
		value    string
		fallback time.Duration
	}{
		{models.TokenAccess, "access_ttl", config.AccessTTL, 15 * time.Minute},
		{models.TokenRefresh, "refresh_ttl", config.RefreshTTL, 168 * time.Hour},
		{models.TokenEmailVerify, "email_verify_ttl", config.EmailVerifyTTL, 72 * time.Hour},
		{models.TokenPasswordReset, "password_reset_ttl", config.PasswordResetTTL, time.Hour},
		{models.TokenMfa, "mfa_ttl", config.MfaTTL, 5 * time.Minute},
	} {
		lifetime, err := durationSetting(entry.name, entry.value, entry.fallback)
		if err != nil {
			return nil, err
		}
		lifetimes[entry.typ] = lifetime
	}

	return &TokenService{
		secret:    []byte(config.SecretKey),
		method:    method,
		issuer:    config.Issuer,
		lifetimes: lifetimes,
		now:       time.Now,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Create mints a signed token of the given type with the type's enforced
// lifetime.
func (s *TokenService) Create(spec interfaces.TokenSpec) (string, *models.TokenPayload, error) {
	lifetime, ok := s.lifetimes[spec.Type]
	if !ok {
		return "", nil, fmt.Errorf("unknown token type %q", spec.Type)
	}
	if spec.Subject == "" {
		return "", nil, errors.New("token subject is required")
	}

	now := s.now()
	payload := &models.TokenPayload{
		Subject:           spec.Subject,
		Type:              spec.Type,
		JTI:               uuid.NewString(),
		IssuedAt:          now,
		ExpiresAt:         now.Add(lifetime),
		SessionID:         spec.SessionID,
		DeviceFingerprint: spec.DeviceFingerprint,
		Scopes:            spec.Scopes,
		Meta:              spec.Meta,
	}

	claims := &tokenClaims{
		TokenType: spec.Type,
		Scopes:    spec.Scopes,
		SessionID: spec.SessionID,
		Device:    spec.DeviceFingerprint,
		Meta:      spec.Meta,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   spec.Subject,
			Issuer:    s.issuer,
			ID:        payload.JTI,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(payload.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		s.countToken(spec.Type, "create", "error")
		return "", nil, fmt.Errorf("failed to sign %s token: %w", spec.Type, err)
	}

	s.countToken(spec.Type, "create", "ok")
	return signed, payload, nil
}

// Verify parses and validates a token, then requires the expected type.
// Signature problems win over expiry so a forged token is never reported as
// merely expired. The HMAC comparison inside the library is constant-time.
func (s *TokenService) Verify(token string, expected models.TokenType) (*models.TokenPayload, error) {
	claims := &tokenClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			s.countToken(expected, "verify", "signature")
			return nil, interfaces.ErrTokenSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			s.countToken(expected, "verify", "expired")
			return nil, interfaces.ErrTokenExpired
		default:
			s.logger.Debug().Str("expected_type", string(expected)).Err(err).Msg("Token failed validation")
			s.countToken(expected, "verify", "malformed")
			return nil, interfaces.ErrTokenMalformed
		}
	}

	if claims.TokenType != expected {
		s.countToken(expected, "verify", "type_mismatch")
		return nil, interfaces.ErrTokenTypeMismatch
	}

	s.countToken(expected, "verify", "ok")
	return claims.payload(), nil
}

// GenerateAPIKey returns a display key and its irreversible hash. The
// display key is shown once; only the hash may be stored or compared.
func (s *TokenService) GenerateAPIKey() (*models.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	display := apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return &models.APIKey{DisplayKey: display, Hash: s.HashAPIKey(display)}, nil
}

// HashAPIKey recomputes the stored hash for a presented key.
func (s *TokenService) HashAPIKey(displayKey string) string {
	sum := sha256.Sum256([]byte(displayKey))
	return hex.EncodeToString(sum[:])
}

func (s *TokenService) countToken(typ models.TokenType, op, outcome string) {
	if s.metrics != nil {
		s.metrics.TokenOps.WithLabelValues(string(typ), op, outcome).Inc()
	}
}

// durationSetting parses a config duration, falling back for empty or
// non-positive values.
func durationSetting(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed <= 0 {
		return fallback, nil
	}
	return parsed, nil
}
