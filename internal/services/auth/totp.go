package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

// totpOpts pins code parameters to the authenticator-app defaults:
// 30-second steps, six digits, SHA-1, one step of clock skew either way.
var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TotpVerifier validates time-based one-time codes against seeds held in its
// own store. Enrollment is two-step: Enroll mints an unconfirmed seed, and
// the first valid code through Confirm activates it and flips the account's
// MFA flag. Unconfirmed seeds never satisfy a login.
type TotpVerifier struct {
	issuer  string
	secrets interfaces.MfaStorage
	users   interfaces.UserStorage
	logger  arbor.ILogger
	now     func() time.Time
}

var _ interfaces.CodeVerifier = (*TotpVerifier)(nil)

// NewTotpVerifier builds the TOTP backend. The issuer names this service in
// authenticator apps; empty falls back to "aranea".
func NewTotpVerifier(issuer string, secrets interfaces.MfaStorage, users interfaces.UserStorage, logger arbor.ILogger) *TotpVerifier {
	if issuer == "" {
		issuer = "aranea"
	}
	return &TotpVerifier{
		issuer:  issuer,
		secrets: secrets,
		users:   users,
		logger:  logger,
		now:     time.Now,
	}
}

// Enroll mints a fresh seed for the user and stores it unconfirmed. Calling
// again before confirmation rotates the pending seed; an account with MFA
// already active has to disable it first.
func (v *TotpVerifier) Enroll(ctx context.Context, userID string) (*models.MfaEnrollment, error) {
	user, err := v.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	existing, err := v.secrets.GetMfaSecret(ctx, userID)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to load mfa secret: %w", err)
	}
	if existing != nil && existing.Confirmed {
		return nil, errors.New("mfa already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: user.Email,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp seed: %w", err)
	}

	now := v.now().UTC()
	record := &models.MfaSecret{
		UserID:    userID,
		Secret:    key.Secret(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		record.CreatedAt = existing.CreatedAt
	}
	if err := v.secrets.SaveMfaSecret(ctx, record); err != nil {
		return nil, err
	}

	v.logger.Info().Str("user_id", userID).Msg("TOTP enrollment started")
	return &models.MfaEnrollment{Secret: record.Secret, ProvisioningURL: key.URL()}, nil
}

// Confirm activates a pending seed with its first valid code and turns MFA
// on for the account. A wrong code is ErrInvalidCredentials; confirming an
// already-active seed is a no-op.
func (v *TotpVerifier) Confirm(ctx context.Context, userID, code string) error {
	secret, err := v.secrets.GetMfaSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return errors.New("no pending mfa enrollment")
		}
		return fmt.Errorf("failed to load mfa secret: %w", err)
	}
	if secret.Confirmed {
		return nil
	}

	ok, err := v.validate(code, secret.Secret)
	if err != nil {
		return err
	}
	if !ok {
		return interfaces.ErrInvalidCredentials
	}

	secret.Confirmed = true
	secret.UpdatedAt = v.now().UTC()
	if err := v.secrets.SaveMfaSecret(ctx, secret); err != nil {
		return err
	}
	if err := v.setMfaEnabled(ctx, userID, true); err != nil {
		return err
	}

	v.logger.Info().Str("user_id", userID).Msg("TOTP enrollment confirmed")
	return nil
}

// Disable deletes the seed and turns MFA off for the account. Safe to call
// when nothing is enrolled.
func (v *TotpVerifier) Disable(ctx context.Context, userID string) error {
	if err := v.secrets.DeleteMfaSecret(ctx, userID); err != nil {
		return err
	}
	if err := v.setMfaEnabled(ctx, userID, false); err != nil {
		return err
	}
	v.logger.Info().Str("user_id", userID).Msg("TOTP disabled")
	return nil
}

// VerifyCode reports whether the code matches the user's confirmed seed.
// Missing or unconfirmed seeds simply fail the check; only storage or seed
// corruption surfaces as an error.
func (v *TotpVerifier) VerifyCode(ctx context.Context, userID, code string) (bool, error) {
	secret, err := v.secrets.GetMfaSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !secret.Confirmed {
		return false, nil
	}
	return v.validate(code, secret.Secret)
}

func (v *TotpVerifier) setMfaEnabled(ctx context.Context, userID string, enabled bool) error {
	user, err := v.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user.MfaEnabled == enabled {
		return nil
	}
	user.MfaEnabled = enabled
	user.UpdatedAt = v.now().UTC()
	if err := v.users.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to update mfa flag: %w", err)
	}
	return nil
}

// validate runs the library check, folding structurally invalid input into a
// plain mismatch so that a junk code counts as a failed attempt rather than
// an internal error.
func (v *TotpVerifier) validate(code, seed string) (bool, error) {
	ok, err := totp.ValidateCustom(code, seed, v.now().UTC(), totpOpts)
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("totp validation failed: %w", err)
	}
	return ok, nil
}
