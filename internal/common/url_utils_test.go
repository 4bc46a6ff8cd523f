package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"already canonical", "https://example.com/path", "https://example.com/path"},
		{"uppercase scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"empty path gets slash", "https://example.com", "https://example.com/"},
		{"fragment stripped", "https://example.com/page#section-2", "https://example.com/page"},
		{"query keys sorted", "https://example.com/?b=2&a=1", "https://example.com/?a=1&b=2"},
		{"repeated key values sorted", "https://example.com/?k=z&k=a", "https://example.com/?k=a&k=z"},
		{"port preserved", "http://example.com:8080/x", "http://example.com:8080/x"},
		{"surrounding whitespace trimmed", "  https://example.com/a  ", "https://example.com/a"},
		{"path case preserved", "https://example.com/CaseSensitive", "https://example.com/CaseSensitive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Normalizing an already-normalized URL must return it unchanged; the
// frontier relies on this to keep one queue entry per canonical form.
func TestNormalizeURLIdempotent(t *testing.T) {
	inputs := []string{
		"HTTPS://Example.COM/Path?b=2&a=1#frag",
		"http://example.com",
		"https://example.com/a/b?x=1&x=0",
		"https://sub.example.com:9443/deep/path/",
	}

	for _, raw := range inputs {
		once, err := NormalizeURL(raw)
		require.NoError(t, err)

		twice, err := NormalizeURL(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "second pass changed %q", raw)
	}
}

func TestNormalizeURLRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"ftp scheme", "ftp://example.com/file"},
		{"no scheme", "example.com/path"},
		{"missing host", "https:///path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeURL(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestRegisteredDomain(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain host", "https://example.com/path", "example.com"},
		{"port stripped", "https://example.com:8443/", "example.com"},
		{"host lowercased", "https://EXAMPLE.com", "example.com"},
		{"subdomain kept", "http://news.example.com/a", "news.example.com"},
		{"unparseable", "http://bad url with spaces", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RegisteredDomain(tt.raw))
		})
	}
}

func TestURLHash(t *testing.T) {
	a := URLHash("https://example.com/")
	b := URLHash("https://example.com/")
	c := URLHash("https://example.com/other")

	assert.Equal(t, a, b, "same input must hash identically")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64, "expected hex-encoded SHA-256")
}
