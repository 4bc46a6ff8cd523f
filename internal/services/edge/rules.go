package edge

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/aranea/internal/models"
)

// compiledRule is a CacheRule with its pattern compiled and TTLs parsed.
type compiledRule struct {
	models.CacheRule
	edgeTTL    time.Duration
	browserTTL time.Duration
	matcher    *regexp.Regexp
}

// loadRules reads the YAML rule document.
func loadRules(path string) ([]models.CacheRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read edge rules file: %w", err)
	}

	var doc struct {
		Rules []models.CacheRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse edge rules file %s: %w", path, err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("edge rules file %s contains no rules", path)
	}
	return doc.Rules, nil
}

// DefaultRules is the built-in rule set used when no rules file is
// configured: immutable static assets, short-lived HTML, API bypass.
func DefaultRules() []models.CacheRule {
	return []models.CacheRule{
		{
			Name:           "static-assets",
			PathPattern:    "/static/*",
			Behavior:       models.BehaviorCache,
			EdgeTTL:        "24h",
			BrowserTTL:     "1h",
			QueryHandling:  models.QueryNone,
			Compression:    true,
			AllowedMethods: []string{"GET", "HEAD"},
		},
		{
			Name:           "api",
			PathPattern:    "/api/*",
			Behavior:       models.BehaviorBypass,
			QueryHandling:  models.QueryAll,
			ForwardHeaders: []string{"Authorization", "Accept"},
			ForwardCookies: true,
			AllowedMethods: []string{"GET", "HEAD", "OPTIONS", "POST", "PUT", "PATCH", "DELETE"},
		},
		{
			Name:           "pages",
			PathPattern:    "*",
			Behavior:       models.BehaviorCache,
			EdgeTTL:        "5m",
			BrowserTTL:     "1m",
			QueryHandling:  models.QueryAll,
			Compression:    true,
			AllowedMethods: []string{"GET", "HEAD"},
		},
	}
}

// compileRules validates the rule set and precomputes matchers and TTLs.
func compileRules(rules []models.CacheRule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("rule-%d", i+1)
		}
		if rule.Behavior == "" {
			rule.Behavior = models.BehaviorCache
		}
		if rule.QueryHandling == "" {
			rule.QueryHandling = models.QueryAll
		}
		if len(rule.AllowedMethods) == 0 {
			rule.AllowedMethods = []string{"GET", "HEAD"}
		}

		switch rule.Behavior {
		case models.BehaviorCache, models.BehaviorBypass, models.BehaviorOrigin:
		default:
			return nil, fmt.Errorf("edge rule %q: unknown behavior %q", rule.Name, rule.Behavior)
		}
		switch rule.QueryHandling {
		case models.QueryAll, models.QueryNone, models.QueryAllowlist:
		default:
			return nil, fmt.Errorf("edge rule %q: unknown query handling %q", rule.Name, rule.QueryHandling)
		}
		if rule.QueryHandling == models.QueryAllowlist && len(rule.QueryAllowlist) == 0 {
			return nil, fmt.Errorf("edge rule %q: query_handling allowlist requires query_allowlist entries", rule.Name)
		}

		edgeTTL, err := parseRuleTTL(rule.EdgeTTL)
		if err != nil {
			return nil, fmt.Errorf("edge rule %q: bad edge_ttl: %w", rule.Name, err)
		}
		browserTTL, err := parseRuleTTL(rule.BrowserTTL)
		if err != nil {
			return nil, fmt.Errorf("edge rule %q: bad browser_ttl: %w", rule.Name, err)
		}

		matcher, err := wildcardPattern(rule.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("edge rule %q: %w", rule.Name, err)
		}

		compiled = append(compiled, compiledRule{
			CacheRule:  rule,
			edgeTTL:    edgeTTL,
			browserTTL: browserTTL,
			matcher:    matcher,
		})
	}
	return compiled, nil
}

func parseRuleTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// wildcardPattern compiles a CDN-style path pattern to an anchored regexp.
// "*" matches any run of characters including "/".
func wildcardPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty path pattern")
	}
	var sb strings.Builder
	sb.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	sb.WriteString("$")

	matcher, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("failed to compile path pattern %q: %w", pattern, err)
	}
	return matcher, nil
}
