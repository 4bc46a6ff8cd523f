package models

import (
	"time"
)

// TokenType distinguishes the token families issued by the auth core. Each
// type carries its own enforced default lifetime.
type TokenType string

const (
	TokenAccess        TokenType = "access"
	TokenRefresh       TokenType = "refresh"
	TokenEmailVerify   TokenType = "email_verification"
	TokenPasswordReset TokenType = "password_reset"
	TokenMfa           TokenType = "mfa"
)

// TokenMeta carries typed token annotations (replaces a free-form map).
type TokenMeta struct {
	Purpose string `json:"purpose,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// TokenPayload is the verified claim set handed back by Verify. It mirrors
// the signed claims without exposing the underlying JWT library type.
type TokenPayload struct {
	Subject           string    `json:"sub"`
	Type              TokenType `json:"typ"`
	JTI               string    `json:"jti"`
	IssuedAt          time.Time `json:"iat"`
	ExpiresAt         time.Time `json:"exp"`
	SessionID         string    `json:"sid,omitempty"`
	DeviceFingerprint string    `json:"dfp,omitempty"`
	Scopes            []string  `json:"scopes,omitempty"`
	Meta              TokenMeta `json:"meta,omitempty"`
}

// TokenPair is the access+refresh bundle returned by login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	RefreshRotated   bool      `json:"refresh_rotated,omitempty"`
}

// APIKey pairs the one-time display key with its stored irreversible hash.
// Only Hash is ever persisted.
type APIKey struct {
	DisplayKey string `json:"display_key"`
	Hash       string `json:"hash"`
}
