package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

func testAuthConfig() *common.AuthConfig {
	cfg := common.NewDefaultConfig().Auth
	cfg.SecretKey = "0123456789abcdef0123456789abcdef"
	return &cfg
}

func newTokenService(t *testing.T, mutate func(*common.AuthConfig)) *TokenService {
	t.Helper()
	cfg := testAuthConfig()
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := NewTokenService(cfg, nil, arbor.NewLogger())
	require.NoError(t, err)
	return svc
}

func TestCreateAndVerifyRoundTrip(t *testing.T) {
	svc := newTokenService(t, nil)

	token, minted, err := svc.Create(interfaces.TokenSpec{
		Type:              models.TokenAccess,
		Subject:           "user-1",
		SessionID:         "sess-1",
		DeviceFingerprint: "fp-1",
		Scopes:            []string{"crawl:read"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotEmpty(t, minted.JTI)

	payload, err := svc.Verify(token, models.TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", payload.Subject)
	assert.Equal(t, models.TokenAccess, payload.Type)
	assert.Equal(t, minted.JTI, payload.JTI)
	assert.Equal(t, "sess-1", payload.SessionID)
	assert.Equal(t, "fp-1", payload.DeviceFingerprint)
	assert.Equal(t, []string{"crawl:read"}, payload.Scopes)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), payload.ExpiresAt, 5*time.Second)
}

func TestVerifyWrongSecretFailsSignature(t *testing.T) {
	svc := newTokenService(t, nil)
	other := newTokenService(t, func(c *common.AuthConfig) {
		c.SecretKey = "fedcba9876543210fedcba9876543210"
	})

	token, _, err := other.Create(interfaces.TokenSpec{Type: models.TokenAccess, Subject: "user-1"})
	require.NoError(t, err)

	_, err = svc.Verify(token, models.TokenAccess)
	assert.ErrorIs(t, err, interfaces.ErrTokenSignature)
}

func TestVerifySplicedTokenFailsSignature(t *testing.T) {
	svc := newTokenService(t, nil)

	first, _, err := svc.Create(interfaces.TokenSpec{Type: models.TokenAccess, Subject: "alice"})
	require.NoError(t, err)
	second, _, err := svc.Create(interfaces.TokenSpec{Type: models.TokenAccess, Subject: "bob"})
	require.NoError(t, err)

	// Body of one token with the signature of another.
	firstParts := strings.Split(first, ".")
	secondParts := strings.Split(second, ".")
	require.Len(t, firstParts, 3)
	require.Len(t, secondParts, 3)
	forged := firstParts[0] + "." + firstParts[1] + "." + secondParts[2]

	_, err = svc.Verify(forged, models.TokenAccess)
	assert.ErrorIs(t, err, interfaces.ErrTokenSignature)
}

func TestVerifyExpired(t *testing.T) {
	svc := newTokenService(t, nil)

	token, _, err := svc.Create(interfaces.TokenSpec{Type: models.TokenAccess, Subject: "user-1"})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err = svc.Verify(token, models.TokenAccess)
	assert.ErrorIs(t, err, interfaces.ErrTokenExpired)
}

func TestVerifyTypeMismatch(t *testing.T) {
	svc := newTokenService(t, nil)

	token, _, err := svc.Create(interfaces.TokenSpec{Type: models.TokenRefresh, Subject: "user-1"})
	require.NoError(t, err)

	_, err = svc.Verify(token, models.TokenAccess)
	assert.ErrorIs(t, err, interfaces.ErrTokenTypeMismatch)
}

func TestVerifyGarbageMalformed(t *testing.T) {
	svc := newTokenService(t, nil)

	for _, token := range []string{"", "garbage", "a.b.c", "ak_notajwt"} {
		_, err := svc.Verify(token, models.TokenAccess)
		assert.ErrorIs(t, err, interfaces.ErrTokenMalformed, "token %q", token)
	}
}

func TestVerifyRejectsForeignAlgorithm(t *testing.T) {
	svc := newTokenService(t, nil) // HS256
	signer := newTokenService(t, func(c *common.AuthConfig) { c.Algorithm = "HS512" })

	token, _, err := signer.Create(interfaces.TokenSpec{Type: models.TokenAccess, Subject: "user-1"})
	require.NoError(t, err)

	// Same secret, different HMAC variant: the method allowlist rejects it.
	_, err = svc.Verify(token, models.TokenAccess)
	assert.ErrorIs(t, err, interfaces.ErrTokenSignature)
}

func TestVerifyIssuerMismatchIsMalformed(t *testing.T) {
	svc := newTokenService(t, nil)
	foreign := newTokenService(t, func(c *common.AuthConfig) { c.Issuer = "someone-else" })

	token, _, err := foreign.Create(interfaces.TokenSpec{Type: models.TokenAccess, Subject: "user-1"})
	require.NoError(t, err)

	_, err = svc.Verify(token, models.TokenAccess)
	assert.ErrorIs(t, err, interfaces.ErrTokenMalformed)
}

func TestCreateValidation(t *testing.T) {
	svc := newTokenService(t, nil)

	_, _, err := svc.Create(interfaces.TokenSpec{Type: "bogus", Subject: "user-1"})
	assert.Error(t, err)

	_, _, err = svc.Create(interfaces.TokenSpec{Type: models.TokenAccess})
	assert.Error(t, err)
}

func TestNewTokenServiceValidation(t *testing.T) {
	cfg := testAuthConfig()
	cfg.SecretKey = ""
	_, err := NewTokenService(cfg, nil, arbor.NewLogger())
	assert.Error(t, err)

	cfg = testAuthConfig()
	cfg.Algorithm = "RS256"
	_, err = NewTokenService(cfg, nil, arbor.NewLogger())
	assert.Error(t, err)

	cfg = testAuthConfig()
	cfg.AccessTTL = "soon"
	_, err = NewTokenService(cfg, nil, arbor.NewLogger())
	assert.Error(t, err)
}

func TestTokenLifetimesPerType(t *testing.T) {
	svc := newTokenService(t, nil)

	expected := map[models.TokenType]time.Duration{
		models.TokenAccess:        15 * time.Minute,
		models.TokenRefresh:       168 * time.Hour,
		models.TokenEmailVerify:   72 * time.Hour,
		models.TokenPasswordReset: time.Hour,
		models.TokenMfa:           5 * time.Minute,
	}
	for typ, lifetime := range expected {
		_, payload, err := svc.Create(interfaces.TokenSpec{Type: typ, Subject: "user-1"})
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(lifetime), payload.ExpiresAt, 5*time.Second, "type %s", typ)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	svc := newTokenService(t, nil)

	key, err := svc.GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key.DisplayKey, "ak_"))
	assert.Len(t, key.Hash, 64)
	assert.Equal(t, key.Hash, svc.HashAPIKey(key.DisplayKey))

	second, err := svc.GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key.DisplayKey, second.DisplayKey)
	assert.NotEqual(t, key.Hash, second.Hash)
}

func TestDeviceFingerprintDeterministic(t *testing.T) {
	hints := map[string]string{
		"user_agent":      "agent",
		"accept_language": "en-US",
		"platform":        "linux",
		"session_id":      "ignored-hint",
	}
	same := map[string]string{
		"platform":        "linux",
		"accept_language": "en-US",
		"user_agent":      "agent",
	}

	fp := DeviceFingerprint(hints)
	require.NotEmpty(t, fp)
	assert.Equal(t, fp, DeviceFingerprint(same), "order and foreign hints must not matter")

	changed := map[string]string{"user_agent": "agent", "accept_language": "en-US", "platform": "darwin"}
	assert.NotEqual(t, fp, DeviceFingerprint(changed))

	assert.Empty(t, DeviceFingerprint(nil))
	assert.Empty(t, DeviceFingerprint(map[string]string{"unrelated": "x"}))
}
