package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
	"golang.org/x/crypto/bcrypt"
)

const (
	// sessionCacheSize bounds the validation LRU in front of session loads.
	sessionCacheSize = 1024

	// casRetries bounds optimistic-lock retry loops on session writes.
	casRetries = 3

	// ipBlockPrefix namespaces soft-blocked addresses inside the blacklist,
	// away from the uuid jti space.
	ipBlockPrefix = "ip:"

	// revokeReasonCap marks sessions evicted by the per-user cap.
	revokeReasonCap = "cap"
)

// Service owns the session state machine. Session records live in versioned
// local storage; revocation travels through the distributed blacklist, which
// is consulted before any session is trusted.
type Service struct {
	tokens    interfaces.TokenService
	sessions  interfaces.SessionStorage
	users     interfaces.UserStorage
	blacklist interfaces.Blacklist
	governor  interfaces.RateGovernor
	verifier  interfaces.CodeVerifier

	sessionTTL    time.Duration
	idleTimeout   time.Duration
	lockDuration  time.Duration
	maxSessions   int
	lockThreshold int
	now           func() time.Time

	cache *lru.Cache[string, models.Session]

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.SessionService = (*Service)(nil)

// NewService builds the session service. The code verifier may be nil, in
// which case MFA-enabled accounts cannot complete login (fail closed).
func NewService(config *common.AuthConfig, tokens interfaces.TokenService, sessions interfaces.SessionStorage, users interfaces.UserStorage, blacklist interfaces.Blacklist, governor interfaces.RateGovernor, verifier interfaces.CodeVerifier, m *metrics.Metrics, logger arbor.ILogger) (*Service, error) {
	sessionTTL, err := durationSetting("session_ttl", config.SessionTTL, 720*time.Hour)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := durationSetting("idle_timeout", config.IdleTimeout, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	lockDuration, err := durationSetting("lock_duration", config.LockDuration, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	maxSessions := config.MaxSessionsPerUser
	if maxSessions <= 0 {
		maxSessions = 5
	}
	lockThreshold := config.LockThreshold
	if lockThreshold <= 0 {
		lockThreshold = 5
	}

	cache, err := lru.New[string, models.Session](sessionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build session cache: %w", err)
	}

	if verifier == nil {
		logger.Warn().Msg("No MFA code verifier configured; MFA-enabled accounts cannot log in")
	}

	return &Service{
		tokens:        tokens,
		sessions:      sessions,
		users:         users,
		blacklist:     blacklist,
		governor:      governor,
		verifier:      verifier,
		sessionTTL:    sessionTTL,
		idleTimeout:   idleTimeout,
		lockDuration:  lockDuration,
		maxSessions:   maxSessions,
		lockThreshold: lockThreshold,
		now:           time.Now,
		cache:         cache,
		metrics:       m,
		logger:        logger,
	}, nil
}

// Login authenticates a password attempt behind the purpose limiter and the
// lockout ladder. MFA-enabled accounts get a short-lived challenge token and
// ErrMfaRequired instead of a session.
func (s *Service) Login(ctx context.Context, params interfaces.LoginParams) (*models.Session, *models.TokenPair, error) {
	// The IP soft-block rides on the blacklist. An unreachable blacklist
	// refuses service here because session creation depends on it.
	if params.IP != "" {
		blocked, err := s.blacklist.IsRevoked(ctx, ipBlockPrefix+params.IP)
		if err != nil {
			return nil, nil, fmt.Errorf("blacklist unavailable: %w", err)
		}
		if blocked {
			s.countFailure("ip_blocked")
			s.audit("login_blocked_ip", "", params.IP)
			return nil, nil, interfaces.ErrRateLimited
		}
	}

	decision, err := s.governor.AllowPurpose(ctx, "login", params.IP)
	if err != nil {
		return nil, nil, fmt.Errorf("login rate check failed: %w", err)
	}
	if !decision.Allowed {
		s.countFailure("rate_limited")
		s.audit("login_rate_limited", "", params.IP)
		return nil, nil, interfaces.ErrRateLimited
	}

	user, err := s.users.GetUserByEmail(ctx, params.Email)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			// Same failure as a wrong password so accounts cannot be
			// enumerated.
			s.countFailure("bad_credentials")
			s.audit("login_failed", "", params.IP)
			return nil, nil, interfaces.ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("failed to load user: %w", err)
	}

	now := s.now()
	s.maybeUnlock(ctx, user, now)
	if user.Locked(now) {
		s.countFailure("locked")
		s.audit("login_locked", user.ID, params.IP)
		return nil, nil, interfaces.ErrAccountLocked
	}
	if user.Status != models.UserActive {
		s.countFailure("disabled")
		s.audit("login_disabled", user.ID, params.IP)
		return nil, nil, interfaces.ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(params.Password)) != nil {
		return nil, nil, s.recordFailedAttempt(ctx, user, params.IP)
	}

	if user.FailedLoginAttempts != 0 {
		user.FailedLoginAttempts = 0
		user.UpdatedAt = now
		if err := s.users.UpdateUser(ctx, user); err != nil {
			s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to reset login failure counter")
		}
	}

	if user.MfaEnabled {
		mfaToken, payload, err := s.tokens.Create(interfaces.TokenSpec{
			Type:    models.TokenMfa,
			Subject: user.ID,
			Meta:    models.TokenMeta{Purpose: "login"},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to mint mfa token: %w", err)
		}
		s.audit("mfa_challenge", user.ID, params.IP)
		pair := &models.TokenPair{AccessToken: mfaToken, AccessExpiresAt: payload.ExpiresAt}
		return nil, pair, interfaces.ErrMfaRequired
	}

	return s.createSession(ctx, user, sessionInit{
		ip:        params.IP,
		userAgent: params.UserAgent,
		hints:     params.DeviceHints,
		method:    "password",
	})
}

// VerifyMfa completes a pending MFA login: the challenge token proves the
// password step, the code proves the second factor, and the token is retired
// after a single use.
func (s *Service) VerifyMfa(ctx context.Context, mfaToken, code string, hints map[string]string) (*models.Session, *models.TokenPair, error) {
	payload, err := s.tokens.Verify(mfaToken, models.TokenMfa)
	if err != nil {
		return nil, nil, err
	}

	revoked, err := s.blacklist.IsRevoked(ctx, payload.JTI)
	if err != nil {
		return nil, nil, fmt.Errorf("blacklist unavailable: %w", err)
	}
	if revoked {
		s.countFailure("revoked")
		return nil, nil, interfaces.ErrTokenRevoked
	}

	decision, err := s.governor.AllowPurpose(ctx, "mfa", payload.Subject)
	if err != nil {
		return nil, nil, fmt.Errorf("mfa rate check failed: %w", err)
	}
	if !decision.Allowed {
		s.countFailure("rate_limited")
		s.audit("mfa_rate_limited", payload.Subject, hints["ip"])
		return nil, nil, interfaces.ErrRateLimited
	}

	user, err := s.users.GetUser(ctx, payload.Subject)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.countFailure("bad_credentials")
			return nil, nil, interfaces.ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("failed to load user: %w", err)
	}

	now := s.now()
	s.maybeUnlock(ctx, user, now)
	if user.Locked(now) {
		s.countFailure("locked")
		return nil, nil, interfaces.ErrAccountLocked
	}
	if user.Status != models.UserActive {
		s.countFailure("disabled")
		return nil, nil, interfaces.ErrInvalidCredentials
	}

	if s.verifier == nil {
		s.countFailure("mfa_unavailable")
		return nil, nil, errors.New("mfa code verification is not configured")
	}
	ok, err := s.verifier.VerifyCode(ctx, user.ID, code)
	if err != nil {
		return nil, nil, fmt.Errorf("mfa code verification failed: %w", err)
	}
	if !ok {
		s.audit("mfa_failed", user.ID, hints["ip"])
		return nil, nil, s.recordFailedAttempt(ctx, user, hints["ip"])
	}

	// The challenge token is single-use.
	if err := s.blacklist.Revoke(ctx, payload.JTI, remainingSeconds(payload.ExpiresAt, now)); err != nil {
		return nil, nil, fmt.Errorf("failed to retire mfa token: %w", err)
	}

	return s.createSession(ctx, user, sessionInit{
		ip:          hints["ip"],
		userAgent:   hints["user_agent"],
		hints:       hints,
		method:      "mfa",
		mfaVerified: true,
	})
}

// VerifyAccess validates an access token end to end: signature, type,
// expiry, blacklist, session status, and device binding, in that order.
func (s *Service) VerifyAccess(ctx context.Context, accessToken string, hints map[string]string) (*models.TokenPayload, error) {
	payload, err := s.tokens.Verify(accessToken, models.TokenAccess)
	if err != nil {
		return nil, err
	}

	// The blacklist wins over everything else the payload says.
	revoked, err := s.blacklist.IsRevoked(ctx, payload.JTI)
	if err != nil {
		return nil, fmt.Errorf("blacklist unavailable: %w", err)
	}
	if revoked {
		s.countFailure("revoked")
		return nil, interfaces.ErrTokenRevoked
	}

	if payload.SessionID == "" {
		s.countFailure("unbound_token")
		return nil, interfaces.ErrTokenMalformed
	}
	session, err := s.loadSession(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.countFailure("session_missing")
			return nil, interfaces.ErrSessionNotActive
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := s.now()
	if status := s.effectiveStatus(session, now); status != models.SessionActive {
		if session.Status == models.SessionActive {
			s.noteTransition(ctx, session, status)
		}
		s.countFailure("session_" + string(status))
		return nil, interfaces.ErrSessionNotActive
	}

	if session.DeviceFingerprint != "" {
		presented := DeviceFingerprint(hints)
		if presented != "" && presented != session.DeviceFingerprint {
			// Flag and reject, but leave the session Active for audit;
			// downstream policy decides whether to revoke.
			s.countFailure("device_mismatch")
			s.audit("device_mismatch", session.UserID, session.IP)
			return nil, interfaces.ErrDeviceMismatch
		}
	}

	return payload, nil
}

// Refresh rotates the access token unconditionally and the refresh token
// once the session has lived past half its TTL. Session writes go through
// the version check and retry on lost races.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	payload, err := s.tokens.Verify(refreshToken, models.TokenRefresh)
	if err != nil {
		return nil, err
	}

	revoked, err := s.blacklist.IsRevoked(ctx, payload.JTI)
	if err != nil {
		return nil, fmt.Errorf("blacklist unavailable: %w", err)
	}
	if revoked {
		s.countFailure("revoked")
		return nil, interfaces.ErrTokenRevoked
	}
	if payload.SessionID == "" {
		s.countFailure("unbound_token")
		return nil, interfaces.ErrTokenMalformed
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		// Fresh read every attempt; the cache would hide the version bump
		// that just beat us.
		session, err := s.sessions.GetSession(ctx, payload.SessionID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				s.countFailure("session_missing")
				return nil, interfaces.ErrSessionNotActive
			}
			return nil, fmt.Errorf("failed to load session: %w", err)
		}

		now := s.now()
		if status := s.effectiveStatus(session, now); status != models.SessionActive {
			if session.Status == models.SessionActive {
				s.noteTransition(ctx, session, status)
			}
			s.countFailure("session_" + string(status))
			return nil, interfaces.ErrSessionNotActive
		}

		// A rotated-out handle is blacklisted above; this fences the narrow
		// window where that write raced a concurrent refresh.
		if session.RefreshJTI != payload.JTI {
			s.countFailure("revoked")
			return nil, interfaces.ErrTokenRevoked
		}

		access, accessPayload, err := s.tokens.Create(interfaces.TokenSpec{
			Type:              models.TokenAccess,
			Subject:           session.UserID,
			SessionID:         session.ID,
			DeviceFingerprint: session.DeviceFingerprint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to mint access token: %w", err)
		}

		pair := &models.TokenPair{
			AccessToken:      access,
			AccessExpiresAt:  accessPayload.ExpiresAt,
			RefreshToken:     refreshToken,
			RefreshExpiresAt: payload.ExpiresAt,
		}

		session.AccessJTI = accessPayload.JTI
		session.AccessExpiresAt = accessPayload.ExpiresAt
		session.LastActivity = now

		var retiredJTI string
		var retiredTTL int64
		if now.Sub(session.CreatedAt) > s.sessionTTL/2 {
			refresh, refreshPayload, err := s.tokens.Create(interfaces.TokenSpec{
				Type:              models.TokenRefresh,
				Subject:           session.UserID,
				SessionID:         session.ID,
				DeviceFingerprint: session.DeviceFingerprint,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to mint refresh token: %w", err)
			}
			retiredJTI = session.RefreshJTI
			retiredTTL = remainingSeconds(payload.ExpiresAt, now)
			session.RefreshJTI = refreshPayload.JTI
			session.RefreshToken = refreshPayload.JTI
			session.RefreshExpiresAt = refreshPayload.ExpiresAt
			pair.RefreshToken = refresh
			pair.RefreshExpiresAt = refreshPayload.ExpiresAt
			pair.RefreshRotated = true
		}

		if err := s.sessions.UpdateSession(ctx, session); err != nil {
			if errors.Is(err, interfaces.ErrVersionConflict) {
				s.cache.Remove(session.ID)
				continue
			}
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
		s.cache.Add(session.ID, *session)

		if retiredJTI != "" {
			// The old handle keeps its natural expiry as the blacklist TTL.
			if err := s.blacklist.Revoke(ctx, retiredJTI, retiredTTL); err != nil {
				s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to blacklist rotated refresh jti")
			}
			s.logger.Info().Str("session_id", session.ID).Msg("Refresh token rotated")
		}
		return pair, nil
	}

	return nil, fmt.Errorf("refresh lost %d version races: %w", casRetries, interfaces.ErrVersionConflict)
}

// Revoke terminates a session. The outstanding jtis are fenced in the
// blacklist before the status write so the tokens die even if the local
// write loses a race; re-runs are idempotent.
func (s *Service) Revoke(ctx context.Context, sessionID, reason string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		session, err := s.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == models.SessionRevoked {
			return nil
		}

		now := s.now()
		if err := s.blacklist.Revoke(ctx, session.AccessJTI, remainingSeconds(session.AccessExpiresAt, now)); err != nil {
			return fmt.Errorf("failed to blacklist access jti: %w", err)
		}
		if err := s.blacklist.Revoke(ctx, session.RefreshJTI, remainingSeconds(session.RefreshExpiresAt, now)); err != nil {
			return fmt.Errorf("failed to blacklist refresh jti: %w", err)
		}

		session.Status = models.SessionRevoked
		session.RevokeReason = reason
		session.RevokedAt = now
		if err := s.sessions.UpdateSession(ctx, session); err != nil {
			if errors.Is(err, interfaces.ErrVersionConflict) {
				// Retry re-reads fresh jtis, covering a racing rotation.
				s.cache.Remove(sessionID)
				continue
			}
			return fmt.Errorf("failed to mark session revoked: %w", err)
		}
		s.cache.Remove(sessionID)

		if s.metrics != nil {
			s.metrics.SessionGauge.Dec()
		}
		s.audit("session_revoked", session.UserID, session.IP)
		s.logger.Info().Str("session_id", sessionID).Str("reason", reason).Msg("Session revoked")
		return nil
	}
	return fmt.Errorf("revoke lost %d version races for session %s: %w", casRetries, sessionID, interfaces.ErrVersionConflict)
}

// RevokeAllForUser terminates every active session for a user and reports
// how many went down. A partial failure still revokes the rest.
func (s *Service) RevokeAllForUser(ctx context.Context, userID, reason string) (int, error) {
	active, err := s.sessions.GetActiveSessionsByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	revoked := 0
	var lastErr error
	for _, session := range active {
		if err := s.Revoke(ctx, session.ID, reason); err != nil {
			lastErr = err
			continue
		}
		revoked++
	}
	if lastErr != nil {
		return revoked, fmt.Errorf("revoked %d of %d sessions: %w", revoked, len(active), lastErr)
	}
	return revoked, nil
}

// GetSession loads a session if it is returnable: blacklist-clean, Active,
// within lifetime.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	revoked, err := s.blacklist.IsRevoked(ctx, session.AccessJTI)
	if err != nil {
		return nil, fmt.Errorf("blacklist unavailable: %w", err)
	}
	if revoked {
		return nil, interfaces.ErrTokenRevoked
	}

	now := s.now()
	if status := s.effectiveStatus(session, now); status != models.SessionActive {
		if session.Status == models.SessionActive {
			s.noteTransition(ctx, session, status)
		}
		return nil, interfaces.ErrSessionNotActive
	}
	return session, nil
}

// RequestPasswordReset mints a reset token behind its purpose limit. The
// caller sees the same nil result whether or not the account exists; the
// token travels to the user over an out-of-band delivery channel.
func (s *Service) RequestPasswordReset(ctx context.Context, email, ip string) error {
	decision, err := s.governor.AllowPurpose(ctx, "password_reset", ip)
	if err != nil {
		return fmt.Errorf("reset rate check failed: %w", err)
	}
	if !decision.Allowed {
		s.countFailure("rate_limited")
		return interfaces.ErrRateLimited
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.audit("password_reset_unknown", "", ip)
			return nil
		}
		return fmt.Errorf("failed to load user: %w", err)
	}

	_, payload, err := s.tokens.Create(interfaces.TokenSpec{
		Type:    models.TokenPasswordReset,
		Subject: user.ID,
		Meta:    models.TokenMeta{Purpose: "password_reset", Channel: "email"},
	})
	if err != nil {
		return fmt.Errorf("failed to mint reset token: %w", err)
	}

	s.audit("password_reset_requested", user.ID, ip)
	s.logger.Info().Str("user_id", user.ID).Str("jti", payload.JTI).Msg("Password reset token issued")
	return nil
}

// sessionInit carries what createSession needs from either login path.
type sessionInit struct {
	ip          string
	userAgent   string
	hints       map[string]string
	method      string
	mfaVerified bool
}

// createSession enforces creation preconditions and the per-user cap, mints
// the token pair, and persists the session.
func (s *Service) createSession(ctx context.Context, user *models.User, init sessionInit) (*models.Session, *models.TokenPair, error) {
	if user.Status != models.UserActive {
		return nil, nil, interfaces.ErrInvalidCredentials
	}
	if user.MfaEnabled && !init.mfaVerified {
		return nil, nil, interfaces.ErrMfaRequired
	}

	if err := s.enforceSessionCap(ctx, user.ID); err != nil {
		return nil, nil, err
	}

	now := s.now()
	session := &models.Session{
		ID:                common.NewSessionID(),
		UserID:            user.ID,
		SessionToken:      uuid.NewString(),
		DeviceFingerprint: DeviceFingerprint(init.hints),
		IP:                init.ip,
		UserAgent:         init.userAgent,
		LoginMethod:       init.method,
		MfaVerified:       init.mfaVerified,
		CreatedAt:         now,
		LastActivity:      now,
		ExpiresAt:         now.Add(s.sessionTTL),
		Status:            models.SessionActive,
		Version:           1,
	}

	access, accessPayload, err := s.tokens.Create(interfaces.TokenSpec{
		Type:              models.TokenAccess,
		Subject:           user.ID,
		SessionID:         session.ID,
		DeviceFingerprint: session.DeviceFingerprint,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mint access token: %w", err)
	}
	refresh, refreshPayload, err := s.tokens.Create(interfaces.TokenSpec{
		Type:              models.TokenRefresh,
		Subject:           user.ID,
		SessionID:         session.ID,
		DeviceFingerprint: session.DeviceFingerprint,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mint refresh token: %w", err)
	}

	session.AccessJTI = accessPayload.JTI
	session.AccessExpiresAt = accessPayload.ExpiresAt
	session.RefreshJTI = refreshPayload.JTI
	session.RefreshToken = refreshPayload.JTI
	session.RefreshExpiresAt = refreshPayload.ExpiresAt

	if err := s.sessions.SaveSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to persist session: %w", err)
	}
	s.cache.Add(session.ID, *session)

	if s.metrics != nil {
		s.metrics.SessionGauge.Inc()
	}
	s.audit("session_created", user.ID, init.ip)
	s.logger.Info().
		Str("session_id", session.ID).
		Str("user_id", user.ID).
		Str("method", init.method).
		Msg("Session created")

	pair := &models.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessPayload.ExpiresAt,
		RefreshExpiresAt: refreshPayload.ExpiresAt,
	}
	return session, pair, nil
}

// enforceSessionCap revokes the oldest active sessions so that, counting the
// one about to be created, the user stays within the cap.
func (s *Service) enforceSessionCap(ctx context.Context, userID string) error {
	active, err := s.sessions.GetActiveSessionsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}
	if len(active) < s.maxSessions {
		return nil
	}

	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	evict := len(active) - s.maxSessions + 1
	for i := 0; i < evict; i++ {
		if err := s.Revoke(ctx, active[i].ID, revokeReasonCap); err != nil {
			return fmt.Errorf("failed to evict session over cap: %w", err)
		}
	}
	return nil
}

// recordFailedAttempt counts a bad credential, locking the account and
// soft-blocking the IP once the threshold is crossed.
func (s *Service) recordFailedAttempt(ctx context.Context, user *models.User, ip string) error {
	now := s.now()
	user.FailedLoginAttempts++
	locked := user.FailedLoginAttempts >= s.lockThreshold
	if locked {
		user.Status = models.UserLocked
		user.LockedUntil = now.Add(s.lockDuration)
	}
	user.UpdatedAt = now
	if err := s.users.UpdateUser(ctx, user); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to persist login failure")
	}

	if locked {
		if ip != "" {
			if err := s.blacklist.Revoke(ctx, ipBlockPrefix+ip, int64(s.lockDuration/time.Second)); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to soft-block IP")
			}
		}
		s.countFailure("locked")
		s.audit("account_locked", user.ID, ip)
		return interfaces.ErrAccountLocked
	}

	s.countFailure("bad_credentials")
	s.audit("login_failed", user.ID, ip)
	return interfaces.ErrInvalidCredentials
}

// maybeUnlock clears an expired lockout so the attempt proceeds on its own
// merits. A zero LockedUntil means an operator lock and stays put.
func (s *Service) maybeUnlock(ctx context.Context, user *models.User, now time.Time) {
	if user.Status != models.UserLocked || user.LockedUntil.IsZero() || now.Before(user.LockedUntil) {
		return
	}
	user.Status = models.UserActive
	user.FailedLoginAttempts = 0
	user.LockedUntil = time.Time{}
	user.UpdatedAt = now
	if err := s.users.UpdateUser(ctx, user); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to clear expired lockout")
	}
}

// loadSession serves reads through the validation cache. Every session write
// refreshes or drops the cached copy.
func (s *Service) loadSession(ctx context.Context, id string) (*models.Session, error) {
	if cached, ok := s.cache.Get(id); ok {
		session := cached
		return &session, nil
	}
	session, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, *session)
	return session, nil
}

// effectiveStatus derives the state machine position at a point in time.
// Idle and Expired are computed from timestamps; Revoked is sticky.
func (s *Service) effectiveStatus(session *models.Session, now time.Time) models.SessionStatus {
	if session.Status == models.SessionRevoked {
		return models.SessionRevoked
	}
	if !now.Before(session.ExpiresAt) {
		return models.SessionExpired
	}
	if session.Status == models.SessionActive && now.Sub(session.LastActivity) > s.idleTimeout {
		return models.SessionIdle
	}
	return session.Status
}

// noteTransition persists an observed Idle/Expired transition so later scans
// see the settled state. A lost version race means the winner recorded it.
func (s *Service) noteTransition(ctx context.Context, session *models.Session, status models.SessionStatus) {
	session.Status = status
	if err := s.sessions.UpdateSession(ctx, session); err != nil {
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to persist session transition")
		}
		s.cache.Remove(session.ID)
		return
	}
	s.cache.Add(session.ID, *session)
}

// audit emits a structured security event under the audit scope; these are
// the entries external log shippers key on.
func (s *Service) audit(event, userID, ip string) {
	entry := s.logger.Info().Str("scope", "audit").Str("event", event)
	if userID != "" {
		entry = entry.Str("user_id", userID)
	}
	if ip != "" {
		entry = entry.Str("ip", ip)
	}
	entry.Msg("Auth audit event")
}

func (s *Service) countFailure(reason string) {
	if s.metrics != nil {
		s.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
}

// remainingSeconds is the blacklist TTL for a token expiring at exp, rounded
// up so the entry always outlives the token.
func remainingSeconds(exp time.Time, now time.Time) int64 {
	remaining := exp.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining/time.Second) + 1
}
