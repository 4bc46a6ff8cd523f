// Package edge owns the declarative edge-cache rule set: loading and
// validating YAML rules, rendering them into provider-native configuration,
// purging paths through the provider API, HMAC-signed URLs, and per-content-
// type HTTP cache headers.
package edge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

const (
	expiresParam   = "expires"
	signatureParam = "signature"
)

// Service implements the EdgeService interface.
type Service struct {
	config   *common.EdgeConfig
	rules    []compiledRule
	provider interfaces.EdgeProvider
	secret   []byte
	metrics  *metrics.Metrics
	logger   arbor.ILogger
}

var _ interfaces.EdgeService = (*Service)(nil)

// NewService loads the rule set (built-in defaults when no file is
// configured) and builds the provider adapter.
func NewService(config *common.EdgeConfig, m *metrics.Metrics, logger arbor.ILogger) (*Service, error) {
	rules := DefaultRules()
	if config.RulesFile != "" {
		loaded, err := loadRules(config.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}

	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}

	var provider interfaces.EdgeProvider
	switch config.Provider {
	case "", "cloudfront":
		provider = newCloudFrontProvider(config, compiled, logger)
	case "cloudflare":
		provider = newCloudflareProvider(config, compiled, logger)
	default:
		return nil, fmt.Errorf("unknown edge provider %q", config.Provider)
	}

	logger.Info().
		Str("provider", provider.Name()).
		Int("rules", len(compiled)).
		Bool("signing", config.SigningSecret != "").
		Msg("Edge service initialized")

	return &Service{
		config:   config,
		rules:    compiled,
		provider: provider,
		secret:   []byte(config.SigningSecret),
		metrics:  m,
		logger:   logger,
	}, nil
}

// Provider returns the active adapter.
func (s *Service) Provider() interfaces.EdgeProvider {
	return s.provider
}

// Invalidate purges paths through the provider adapter.
func (s *Service) Invalidate(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	err := s.provider.Invalidate(ctx, paths)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.CacheOps.WithLabelValues(string(models.LayerEdge), "invalidate", outcome).Inc()
	}
	return err
}

// SignURL appends an expiry and an HMAC-SHA256 signature over host, path,
// and query. The query is re-encoded canonically so parameter order cannot
// change the signature.
func (s *Service) SignURL(rawURL string, expiresIn time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("url signing requires a signing secret")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL for signing: %w", err)
	}

	q := u.Query()
	q.Del(signatureParam)
	q.Set(expiresParam, strconv.FormatInt(time.Now().Add(expiresIn).Unix(), 10))
	u.RawQuery = q.Encode()

	q.Set(signatureParam, s.signature(u))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VerifySignedURL checks the signature and expiry of a signed URL. Invalid
// or expired signatures report false without error; the error return is for
// unusable input.
func (s *Service) VerifySignedURL(rawURL string) (bool, error) {
	if len(s.secret) == 0 {
		return false, fmt.Errorf("url verification requires a signing secret")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("failed to parse signed URL: %w", err)
	}

	q := u.Query()
	provided := q.Get(signatureParam)
	expires := q.Get(expiresParam)
	if provided == "" || expires == "" {
		return false, nil
	}
	q.Del(signatureParam)
	u.RawQuery = q.Encode()

	if !hmac.Equal([]byte(s.signature(u)), []byte(provided)) {
		return false, nil
	}

	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || time.Now().Unix() >= exp {
		return false, nil
	}
	return true, nil
}

// signature computes the hex HMAC over host, path, and canonical query.
// The signature param itself is excluded; the expiry param is covered.
func (s *Service) signature(u *url.URL) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(u.Host))
	mac.Write([]byte(u.Path))
	mac.Write([]byte{'?'})
	mac.Write([]byte(u.RawQuery))
	return hex.EncodeToString(mac.Sum(nil))
}

// MatchRule returns the first rule matching the path, or nil.
func (s *Service) MatchRule(path string) *interfaces.EdgeRuleMatch {
	for i := range s.rules {
		rule := &s.rules[i]
		if !rule.matcher.MatchString(path) {
			continue
		}
		return &interfaces.EdgeRuleMatch{
			RuleName:   rule.Name,
			Behavior:   string(rule.Behavior),
			EdgeTTL:    rule.edgeTTL,
			BrowserTTL: rule.browserTTL,
		}
	}
	return nil
}
