package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-relay/internal/identity"
)

const (
	OwnerKeyKey  = "owner_key"
	APIKeyHeader = "X-API-Key"
)

// Identity derives the owner key from whatever credentials the request
// carries. knownKeys maps configured API key secrets to their ids.
func Identity(knownKeys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := identity.Credentials{
			Cookie:    c.GetHeader("Cookie"),
			ClientIP:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		if uid, ok := UserIDFrom(c); ok {
			creds.UserID = strconv.FormatUint(uid, 10)
		}
		if key := c.GetHeader(APIKeyHeader); key != "" {
			if id, ok := knownKeys[key]; ok {
				creds.APIKeyFingerprint = id
			} else {
				creds.APIKey = key
			}
		}
		c.Set(OwnerKeyKey, identity.OwnerKey(creds))
		c.Next()
	}
}

func OwnerKeyFrom(c *gin.Context) string {
	return c.GetString(OwnerKeyKey)
}
