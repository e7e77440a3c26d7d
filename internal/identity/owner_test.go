package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOwnerKey_Precedence(t *testing.T) {
	full := Credentials{
		UserID:            "42",
		APIKeyFingerprint: "team-a",
		APIKey:            "sk-raw",
		Cookie:            "sid=abc",
		ClientIP:          "10.0.0.1",
		UserAgent:         "curl/8",
	}

	cases := []struct {
		name string
		mut  func(c *Credentials)
		tier string
	}{
		{"user wins", func(c *Credentials) {}, "user"},
		{"fingerprint beats raw key", func(c *Credentials) { c.UserID = "" }, "api"},
		{"raw key", func(c *Credentials) { c.UserID, c.APIKeyFingerprint = "", "" }, "api"},
		{"cookie", func(c *Credentials) { c.UserID, c.APIKeyFingerprint, c.APIKey = "", "", "" }, "cookie"},
		{"fingerprint fallback", func(c *Credentials) { *c = Credentials{ClientIP: "10.0.0.1"} }, "fp"},
		{"empty still yields a key", func(c *Credentials) { *c = Credentials{} }, "fp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := full
			tc.mut(&c)
			key := OwnerKey(c)
			assert.Equal(t, tc.tier, Tier(key))
			assert.Len(t, strings.TrimPrefix(key, tc.tier+":"), hashLen)
		})
	}
}

func TestOwnerKey_DeterministicAndDistinct(t *testing.T) {
	a := Credentials{UserID: "42"}
	b := Credentials{UserID: "43"}

	assert.Equal(t, OwnerKey(a), OwnerKey(a))
	assert.NotEqual(t, OwnerKey(a), OwnerKey(b))

	// The fingerprint tier and the raw tier share a prefix but not a domain.
	assert.NotEqual(t,
		OwnerKey(Credentials{APIKeyFingerprint: "same"}),
		OwnerKey(Credentials{APIKey: "same"}),
	)
}

func TestOwnerKey_DoesNotLeakCredential(t *testing.T) {
	secret := "sk-live-very-secret-value"
	key := OwnerKey(Credentials{APIKey: secret})
	assert.NotContains(t, key, secret)
	assert.NotContains(t, key, "secret")
}

func TestOwnerKey_FingerprintDependsOnIPAndAgent(t *testing.T) {
	base := OwnerKey(Credentials{ClientIP: "1.2.3.4", UserAgent: "a"})
	assert.NotEqual(t, base, OwnerKey(Credentials{ClientIP: "1.2.3.5", UserAgent: "a"}))
	assert.NotEqual(t, base, OwnerKey(Credentials{ClientIP: "1.2.3.4", UserAgent: "b"}))
}
