package models

import (
	"time"
)

// SessionStatus is the session state machine position.
// Active -> Idle (inactivity) -> Expired (lifetime) -> Revoked (terminal).
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionIdle    SessionStatus = "idle"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

// SessionMeta carries typed session annotations (replaces a free-form map).
type SessionMeta struct {
	LoginCountry string `json:"login_country,omitempty"`
	ClientApp    string `json:"client_app,omitempty"`
}

// Session is the persisted session record. Sessions reference users by ID
// only. Writes are guarded by optimistic compare-and-set on Version.
type Session struct {
	ID                string        `json:"id" badgerhold:"key"`
	UserID            string        `json:"user_id" badgerhold:"index"`
	SessionToken      string        `json:"session_token"` // Opaque server-side token (not the JWT)
	RefreshToken      string        `json:"refresh_token"` // Opaque handle for the active refresh JWT
	AccessJTI         string        `json:"access_jti"`    // jti of the outstanding access token
	RefreshJTI        string        `json:"refresh_jti"`   // jti of the outstanding refresh token
	AccessExpiresAt   time.Time     `json:"access_expires_at"`
	RefreshExpiresAt  time.Time     `json:"refresh_expires_at"`
	DeviceFingerprint string        `json:"device_fingerprint,omitempty"`
	IP                string        `json:"ip,omitempty"`
	UserAgent         string        `json:"user_agent,omitempty"`
	LoginMethod       string        `json:"login_method,omitempty"` // "password", "mfa", "api_key"
	MfaVerified       bool          `json:"mfa_verified"`
	Meta              SessionMeta   `json:"meta,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivity      time.Time     `json:"last_activity"`
	ExpiresAt         time.Time     `json:"expires_at"`
	Status            SessionStatus `json:"status" badgerhold:"index"`
	RevokeReason      string        `json:"revoke_reason,omitempty"`
	RevokedAt         time.Time     `json:"revoked_at,omitempty"`
	Version           uint64        `json:"version"` // CAS guard for status changes
}

// Returnable reports whether the session may be served from lookup: Active,
// within lifetime. The blacklist check happens in the service layer because
// it needs the distributed store.
func (s *Session) Returnable(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.ExpiresAt)
}

// UserStatus gates session creation.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserLocked   UserStatus = "locked"
	UserDisabled UserStatus = "disabled"
)

// User is the minimal account record the session core needs. Credential
// management beyond the password hash lives outside this core.
type User struct {
	ID                  string     `json:"id" badgerhold:"key"`
	Email               string     `json:"email" badgerhold:"unique"`
	PasswordHash        string     `json:"password_hash"`
	Status              UserStatus `json:"status"`
	MfaEnabled          bool       `json:"mfa_enabled"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockedUntil         time.Time  `json:"locked_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Locked reports whether the account is currently locked out.
func (u *User) Locked(now time.Time) bool {
	if u.Status == UserLocked {
		return now.Before(u.LockedUntil) || u.LockedUntil.IsZero()
	}
	return false
}

// MfaSecret is a user's TOTP seed, stored apart from the account record so
// credential material never rides along on ordinary user reads. A seed is
// unusable until the user confirms enrollment with a first valid code.
type MfaSecret struct {
	UserID    string    `json:"user_id" badgerhold:"key"`
	Secret    string    `json:"secret"` // base32 seed
	Confirmed bool      `json:"confirmed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MfaEnrollment is handed back when enrollment starts: the seed to load into
// an authenticator app plus the otpauth:// URL that encodes it.
type MfaEnrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURL string `json:"provisioning_url"`
}
