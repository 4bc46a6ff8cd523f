package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/arbor"
)

func newTestService(t *testing.T, mutate func(*common.EdgeConfig)) *Service {
	t.Helper()
	cfg := &common.EdgeConfig{
		Enabled:        true,
		Provider:       "cloudfront",
		SigningSecret:  "test-secret",
		DistributionID: "DIST123",
		ZoneID:         "zone123",
	}
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := NewService(cfg, nil, arbor.NewLogger())
	require.NoError(t, err)
	return svc
}

func writeRules(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestDefaultRules(t *testing.T) {
	svc := newTestService(t, nil)

	static := svc.MatchRule("/static/css/app.css")
	require.NotNil(t, static)
	assert.Equal(t, "static-assets", static.RuleName)
	assert.Equal(t, "cache", static.Behavior)
	assert.Equal(t, 24*time.Hour, static.EdgeTTL)
	assert.Equal(t, time.Hour, static.BrowserTTL)

	api := svc.MatchRule("/api/v1/users")
	require.NotNil(t, api)
	assert.Equal(t, "api", api.RuleName)
	assert.Equal(t, "bypass", api.Behavior)

	page := svc.MatchRule("/about")
	require.NotNil(t, page)
	assert.Equal(t, "pages", page.RuleName)
	assert.Equal(t, 5*time.Minute, page.EdgeTTL)
}

func TestLoadRulesFromFile(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: downloads
    path_pattern: "/downloads/*"
    behavior: cache
    edge_ttl: 12h
    browser_ttl: 30m
    query_handling: allowlist
    query_allowlist: [version]
  - name: everything
    path_pattern: "*"
    behavior: origin
`)
	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.RulesFile = path
	})

	match := svc.MatchRule("/downloads/v2/tool.tar.gz")
	require.NotNil(t, match)
	assert.Equal(t, "downloads", match.RuleName)
	assert.Equal(t, 12*time.Hour, match.EdgeTTL)
	assert.Equal(t, 30*time.Minute, match.BrowserTTL)

	fallthru := svc.MatchRule("/anything/else")
	require.NotNil(t, fallthru)
	assert.Equal(t, "everything", fallthru.RuleName)
	assert.Equal(t, "origin", fallthru.Behavior)
}

func TestMatchRuleFirstWins(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: narrow
    path_pattern: "/a/*"
  - name: broad
    path_pattern: "*"
`)
	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.RulesFile = path
	})

	match := svc.MatchRule("/a/thing")
	require.NotNil(t, match)
	assert.Equal(t, "narrow", match.RuleName)
}

func TestMatchRuleNoMatch(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: only
    path_pattern: "/only/*"
`)
	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.RulesFile = path
	})

	assert.Nil(t, svc.MatchRule("/other"))
}

func TestNewServiceRejectsBadRules(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown behavior", "rules:\n  - name: r\n    path_pattern: \"*\"\n    behavior: weird\n"},
		{"bad ttl", "rules:\n  - name: r\n    path_pattern: \"*\"\n    edge_ttl: soon\n"},
		{"allowlist without entries", "rules:\n  - name: r\n    path_pattern: \"*\"\n    query_handling: allowlist\n"},
		{"empty pattern", "rules:\n  - name: r\n"},
		{"no rules", "rules: []\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &common.EdgeConfig{RulesFile: writeRules(t, tc.doc)}
			_, err := NewService(cfg, nil, arbor.NewLogger())
			assert.Error(t, err)
		})
	}
}

func TestNewServiceRejectsMissingRulesFile(t *testing.T) {
	cfg := &common.EdgeConfig{RulesFile: filepath.Join(t.TempDir(), "absent.yaml")}
	_, err := NewService(cfg, nil, arbor.NewLogger())
	assert.Error(t, err)
}

func TestNewServiceRejectsUnknownProvider(t *testing.T) {
	cfg := &common.EdgeConfig{Provider: "akamai"}
	_, err := NewService(cfg, nil, arbor.NewLogger())
	assert.Error(t, err)
}

func TestWildcardPattern(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		match   bool
	}{
		{"/static/*", "/static/app.css", true},
		{"/static/*", "/static/css/deep/app.css", true},
		{"/static/*", "/assets/app.css", false},
		{"*.jpg", "/images/cat.jpg", true},
		{"*.jpg", "/images/cat.jpeg", false},
		{"/exact", "/exact", true},
		{"/exact", "/exact/sub", false},
		{"*", "/anything/at/all", true},
	}
	for _, tc := range cases {
		matcher, err := wildcardPattern(tc.pattern)
		require.NoError(t, err)
		assert.Equal(t, tc.match, matcher.MatchString(tc.path), "%s vs %s", tc.pattern, tc.path)
	}

	_, err := wildcardPattern("")
	assert.Error(t, err)
}

func TestSignAndVerifyURL(t *testing.T) {
	svc := newTestService(t, nil)

	signed, err := svc.SignURL("https://cdn.site.test/private/report.pdf?user=alpha", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, signed, "expires=")
	assert.Contains(t, signed, "signature=")

	ok, err := svc.VerifySignedURL(signed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifySignedURLQueryOrderIndependent(t *testing.T) {
	svc := newTestService(t, nil)

	signed, err := svc.SignURL("https://cdn.site.test/file?b=2&a=1", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	parts := strings.Split(u.RawQuery, "&")
	slices.Reverse(parts)
	u.RawQuery = strings.Join(parts, "&")

	ok, err := svc.VerifySignedURL(u.String())
	require.NoError(t, err)
	assert.True(t, ok, "canonical re-encoding makes verification order independent")
}

func TestVerifySignedURLRejects(t *testing.T) {
	svc := newTestService(t, nil)

	signed, err := svc.SignURL("https://cdn.site.test/private/report.pdf", time.Hour)
	require.NoError(t, err)

	t.Run("tampered path", func(t *testing.T) {
		ok, err := svc.VerifySignedURL(strings.Replace(signed, "report.pdf", "other.pdf", 1))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("tampered host", func(t *testing.T) {
		ok, err := svc.VerifySignedURL(strings.Replace(signed, "cdn.site.test", "evil.test", 1))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired", func(t *testing.T) {
		stale, err := svc.SignURL("https://cdn.site.test/private/report.pdf", -time.Minute)
		require.NoError(t, err)
		ok, err := svc.VerifySignedURL(stale)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unsigned", func(t *testing.T) {
		ok, err := svc.VerifySignedURL("https://cdn.site.test/private/report.pdf")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSignURLRequiresSecret(t *testing.T) {
	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.SigningSecret = ""
	})

	_, err := svc.SignURL("https://cdn.site.test/file", time.Hour)
	assert.Error(t, err)

	_, err = svc.VerifySignedURL("https://cdn.site.test/file")
	assert.Error(t, err)
}

func TestHeadersFor(t *testing.T) {
	svc := newTestService(t, nil)

	cases := []struct {
		contentType  string
		cacheControl string
	}{
		{"text/css", "public, max-age=31536000, immutable"},
		{"image/png", "public, max-age=31536000, immutable"},
		{"font/woff2", "public, max-age=31536000, immutable"},
		{"application/javascript", "public, max-age=31536000, immutable"},
		{"text/html; charset=utf-8", "public, max-age=60, must-revalidate"},
		{"application/json", "public, max-age=300"},
		{"application/xml", "public, max-age=300"},
	}
	for _, tc := range cases {
		headers := svc.HeadersFor(tc.contentType)
		assert.Equal(t, tc.cacheControl, headers["Cache-Control"], tc.contentType)
	}
}

func TestHeadersForUserSpecific(t *testing.T) {
	svc := newTestService(t, nil)

	for _, ct := range []string{"", "application/octet-stream", "garbage;;"} {
		headers := svc.HeadersFor(ct)
		assert.Equal(t, "private, no-cache, no-store, must-revalidate", headers["Cache-Control"], ct)
		assert.Equal(t, "no-cache", headers["Pragma"], ct)
	}
}

func TestInvalidateCloudFront(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.Endpoint = srv.URL
	})

	err := svc.Invalidate(context.Background(), []string{"/static/app.css", "/index.html"})
	require.NoError(t, err)

	assert.Equal(t, "/distribution/DIST123/invalidation", gotPath)
	assert.NotEmpty(t, gotBody["CallerReference"])
	paths := gotBody["Paths"].(map[string]interface{})
	assert.EqualValues(t, 2, paths["Quantity"])
}

func TestInvalidateCloudFrontErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.Endpoint = srv.URL
	})

	err := svc.Invalidate(context.Background(), []string{"/a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestInvalidateEmptyPathsIsNoop(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.Endpoint = srv.URL
	})

	require.NoError(t, svc.Invalidate(context.Background(), nil))
	assert.Zero(t, calls)
}

func TestInvalidateCloudflare(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.Provider = "cloudflare"
		cfg.Endpoint = srv.URL
	})

	err := svc.Invalidate(context.Background(), []string{"https://site.test/a"})
	require.NoError(t, err)

	assert.Equal(t, "/zones/zone123/purge_cache", gotPath)
	files := gotBody["files"].([]interface{})
	assert.Equal(t, []interface{}{"https://site.test/a"}, files)
}

func TestInvalidateRequiresProviderIdentity(t *testing.T) {
	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.DistributionID = ""
	})
	assert.Error(t, svc.Invalidate(context.Background(), []string{"/a"}))

	svc = newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.Provider = "cloudflare"
		cfg.ZoneID = ""
	})
	assert.Error(t, svc.Invalidate(context.Background(), []string{"/a"}))
}

func TestRenderConfigCloudFront(t *testing.T) {
	svc := newTestService(t, nil)

	raw, err := svc.Provider().RenderConfig()
	require.NoError(t, err)

	var doc cfDistributionConfig
	require.NoError(t, json.Unmarshal(raw, &doc))

	// The catch-all "pages" rule becomes the default behavior.
	assert.Equal(t, "DIST123", doc.CallerReference)
	assert.Empty(t, doc.DefaultCacheBehavior.PathPattern)
	assert.EqualValues(t, 300, doc.DefaultCacheBehavior.DefaultTTL)

	require.Equal(t, 2, doc.CacheBehaviors.Quantity)
	static := doc.CacheBehaviors.Items[0]
	assert.Equal(t, "/static/*", static.PathPattern)
	assert.EqualValues(t, 86400, static.DefaultTTL)
	assert.True(t, static.Compress)
	assert.False(t, static.ForwardedValues.QueryString, "query_handling none")

	api := doc.CacheBehaviors.Items[1]
	assert.Equal(t, "/api/*", api.PathPattern)
	assert.Zero(t, api.DefaultTTL, "bypass renders TTL 0")
	assert.Equal(t, "all", api.ForwardedValues.Cookies.Forward)
	assert.Equal(t, 7, api.AllowedMethods.Quantity)
}

func TestRenderConfigCloudFrontQueryAllowlist(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: versioned
    path_pattern: "/downloads/*"
    behavior: cache
    edge_ttl: 1h
    query_handling: allowlist
    query_allowlist: [version, arch]
`)
	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.RulesFile = path
	})

	raw, err := svc.Provider().RenderConfig()
	require.NoError(t, err)

	var doc cfDistributionConfig
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, 1, doc.CacheBehaviors.Quantity)

	forwarded := doc.CacheBehaviors.Items[0].ForwardedValues
	assert.True(t, forwarded.QueryString)
	require.NotNil(t, forwarded.QueryStringCacheKeys)
	assert.Equal(t, []string{"version", "arch"}, forwarded.QueryStringCacheKeys.Items)
}

func TestRenderConfigCloudflare(t *testing.T) {
	svc := newTestService(t, func(cfg *common.EdgeConfig) {
		cfg.Provider = "cloudflare"
	})

	raw, err := svc.Provider().RenderConfig()
	require.NoError(t, err)

	var doc cfrZoneConfig
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "zone123", doc.ZoneID)
	require.Len(t, doc.PageRules, 3)

	static := doc.PageRules[0]
	assert.Equal(t, 1, static.Priority)
	assert.Equal(t, "active", static.Status)
	assert.Equal(t, "/static/*", static.Targets[0].Constraint.Value)

	actions := map[string]interface{}{}
	for _, a := range static.Actions {
		actions[a.ID] = a.Value
	}
	assert.Equal(t, "cache_everything", actions["cache_level"])
	assert.EqualValues(t, 86400, actions["edge_cache_ttl"])
	assert.EqualValues(t, 3600, actions["browser_cache_ttl"])
	assert.Contains(t, actions, "sort_query_string_for_cache")

	bypass := doc.PageRules[1]
	assert.Equal(t, "bypass", bypass.Actions[0].Value)
	assert.Len(t, bypass.Actions, 1, "bypass renders no TTL actions")
}
