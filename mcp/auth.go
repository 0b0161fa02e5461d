package mcp

import (
	"crypto/subtle"
	"strings"
)

// API keys carry a fixed prefix and a 48-hex-character secret. The prefix
// check is a cheap early reject; the secret comparison is constant-time.
const (
	keyPrefix    = "mcp_key_"
	keySecretLen = 48
	keyTotalLen  = len(keyPrefix) + keySecretLen
)

// Keyring holds the accepted bearer tokens.
type Keyring struct {
	keys []string
}

// NewKeyring builds a Keyring from the whitelist, dropping malformed
// entries. Returns the ring and the list of rejected entries.
func NewKeyring(keys []string) (*Keyring, []string) {
	ring := &Keyring{}
	var rejected []string
	for _, k := range keys {
		if !WellFormedKey(k) {
			rejected = append(rejected, k)
			continue
		}
		ring.keys = append(ring.keys, k)
	}
	return ring, rejected
}

// Empty reports whether the ring holds no keys. An empty ring accepts
// nothing.
func (r *Keyring) Empty() bool { return len(r.keys) == 0 }

// Accept reports whether token matches a whitelisted key. Each candidate is
// compared in constant time; the number of comparisons depends only on the
// ring size, never on where the token diverges.
func (r *Keyring) Accept(token string) bool {
	if !WellFormedKey(token) {
		return false
	}
	matched := 0
	for _, k := range r.keys {
		matched |= subtle.ConstantTimeCompare([]byte(token), []byte(k))
	}
	return matched == 1
}

// WellFormedKey reports whether k has the required shape: the fixed prefix
// followed by exactly 48 lowercase-hex characters. Case-sensitive.
func WellFormedKey(k string) bool {
	if len(k) != keyTotalLen || !strings.HasPrefix(k, keyPrefix) {
		return false
	}
	for _, c := range k[len(keyPrefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// bearerToken extracts the token from an Authorization header value.
// Returns "" when the header is absent or not a bearer scheme.
func bearerToken(header string) string {
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return ""
	}
	return header[len(scheme):]
}
