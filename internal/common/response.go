package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Business codes carried in the envelope. The first digits mirror the HTTP
// status family.
const (
	CodeInvalidJSON      = 10001
	CodeInvalidSession   = 10004
	CodeInvalidSkip      = 10005
	CodeEmptyQuery       = 10006
	CodeInvalidMode      = 10007
	CodeIdempotencyKey   = 10003
	CodeUnauthorized     = 40101
	CodeBlocked          = 40301
	CodeRouteNotFound    = 40400
	CodeJobNotFound      = 40402
	CodeMethodNotAllowed = 40500
	CodeRateLimited      = 42901
	CodeInternal         = 50001
	CodeEnqueueFailed    = 50002
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// Abort is Fail for middleware: it also stops the handler chain.
func Abort(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
