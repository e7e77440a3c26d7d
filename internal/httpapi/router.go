package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/config"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeRouteNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeMethodNotAllowed, "method not allowed")
	})

	r.Use(middleware.RequestID())
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSAllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{
				"Authorization", "Content-Type", "Idempotency-Key",
				middleware.APIKeyHeader, middleware.RequestIDHeader, handlers.SessionHeader,
			},
			ExposeHeaders: []string{
				middleware.RequestIDHeader, handlers.SessionHeader,
				handlers.StreamHeader, handlers.ResumableHeader,
			},
			MaxAge: 12 * time.Hour,
		}))
	}

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// chat: anonymous callers are allowed, a bad token is not
	chatGroup := r.Group("/chat")
	chatGroup.Use(middleware.OptionalAuth(cfg.JWTSecret), middleware.Identity(cfg.APIKeys))
	limit := middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)

	chatGroup.POST("/stream", limit, h.CreateStream)
	chatGroup.GET("/stream/resume", h.ResumeStream)
	chatGroup.DELETE("/stream", h.ClearStream)

	chatGroup.POST("/jobs", limit, h.CreateJob)
	chatGroup.GET("/jobs/:job_id", h.GetJob)
	chatGroup.DELETE("/jobs/:job_id", h.CancelJob)
	chatGroup.GET("/jobs/:job_id/events", h.JobEvents)
	return r
}
