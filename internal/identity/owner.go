// Package identity derives the ownership key that partitions stream and job
// state between callers.
package identity

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// hashLen is the number of hex characters kept from each digest (128 bits).
const hashLen = 32

// Credentials are the request attributes an owner key can be derived from.
// Any field may be empty.
type Credentials struct {
	UserID            string
	APIKeyFingerprint string
	APIKey            string
	Cookie            string
	ClientIP          string
	UserAgent         string
}

// OwnerKey returns the partition key for c. Precedence is authenticated user,
// verified API key fingerprint, raw API key, cookie header, then the
// anonymous IP and user agent fingerprint, which always yields a value.
func OwnerKey(c Credentials) string {
	switch {
	case strings.TrimSpace(c.UserID) != "":
		return "user:" + digest("user", strings.TrimSpace(c.UserID))
	case c.APIKeyFingerprint != "":
		return "api:" + digest("fingerprint", c.APIKeyFingerprint)
	case c.APIKey != "":
		return "api:" + digest("key", c.APIKey)
	case c.Cookie != "":
		return "cookie:" + digest("cookie", c.Cookie)
	default:
		return "fp:" + digest("fp", c.ClientIP+"|"+c.UserAgent)
	}
}

// digest hashes value with a per-tier domain so equal raw strings in
// different tiers never produce the same key.
func digest(domain, value string) string {
	sum := blake2b.Sum256([]byte(domain + "\x00" + value))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Tier reports the tier prefix of an owner key, e.g. "user" or "fp".
func Tier(ownerKey string) string {
	tier, _, _ := strings.Cut(ownerKey, ":")
	return tier
}
