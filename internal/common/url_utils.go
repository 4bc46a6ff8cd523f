package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL produces the canonical form of a URL: lowercase scheme and
// host, fragment stripped, query parameters sorted lexicographically (values
// within a repeated key are sorted too), empty path replaced with "/".
// Two inputs with the same normalized form identify the same queue entry, so
// this function must be deterministic and idempotent.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty URL")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %q: %w", raw, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in URL %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in URL %q", raw)
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.Path == "" {
		u.Path = "/"
	}

	if u.RawQuery != "" {
		// ParseQuery can fail on semicolon-delimited queries; leave those
		// untouched rather than dropping parameters.
		if q, qerr := url.ParseQuery(u.RawQuery); qerr == nil {
			for _, vs := range q {
				sort.Strings(vs)
			}
			u.RawQuery = q.Encode()
		}
	}

	return u.String(), nil
}

// RegisteredDomain extracts the lowercased host (without port) used as the
// rate-governor and robots key. Returns "" for unparseable input.
func RegisteredDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// URLHash returns the hex SHA-256 of a normalized URL. Used as the storage
// key for crawl results, visited-set members, and canonical mappings.
func URLHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
