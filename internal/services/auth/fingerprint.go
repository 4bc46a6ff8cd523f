package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintHints is the canonical subset of client hints folded into the
// device fingerprint, in fixed order so the hash is deterministic regardless
// of how the caller assembled the map.
var fingerprintHints = []string{"user_agent", "accept_language", "platform", "timezone", "screen"}

// DeviceFingerprint hashes the canonical hint subset. Hints outside the
// subset are ignored. An empty result disables device binding for the
// session, so callers that cannot supply hints still get sessions.
func DeviceFingerprint(hints map[string]string) string {
	if len(hints) == 0 {
		return ""
	}

	h := sha256.New()
	matched := false
	for _, name := range fingerprintHints {
		value, ok := hints[name]
		if !ok || value == "" {
			continue
		}
		matched = true
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(value))
		h.Write([]byte{'\n'})
	}
	if !matched {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
