// Package fingerprint derives the stable identity of a finding. The identity
// is a function of (rule, endpoint, method) only; evidence and timestamps are
// deliberately excluded so the same issue recurring in a later scan maps to
// the same fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Compute hashes the normalized (rule, endpoint, method) triple.
func Compute(rule, endpoint, method string) string {
	norm := strings.ToLower(strings.TrimSpace(rule)) + "|" +
		normalizeEndpoint(endpoint) + "|" +
		strings.ToUpper(strings.TrimSpace(method))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// normalizeEndpoint strips trailing slashes and query strings so the same
// route reported with cosmetic differences collapses to one identity.
func normalizeEndpoint(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	if i := strings.IndexByte(e, '?'); i >= 0 {
		e = e[:i]
	}
	e = strings.TrimRight(e, "/")
	return strings.ToLower(e)
}
