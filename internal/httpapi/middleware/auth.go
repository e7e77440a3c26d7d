package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-relay/internal/auth"
	"github.com/suPer8Hu/ai-relay/internal/common"
)

const UserIDKey = "user_id"

// OptionalAuth accepts anonymous callers. A bearer token, when sent, must be
// valid: a bad token is rejected rather than silently downgraded.
func OptionalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			c.Next()
			return
		}
		tok, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(tok) == "" {
			common.Abort(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
			return
		}
		uid, err := auth.ParseJWT(strings.TrimSpace(tok), secret)
		if err != nil {
			common.Abort(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

func UserIDFrom(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
