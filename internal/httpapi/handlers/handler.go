package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/jobs"
	"github.com/suPer8Hu/ai-relay/internal/store/redisstore"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Chat *chat.Service
	Jobs *jobs.Service
	Feed *redisstore.Feed

	// Redis is checked by /ping.
	Redis Pinger

	// PingInterval is the SSE keep-alive period.
	PingInterval time.Duration
}

func NewHandler(chatSvc *chat.Service, jobSvc *jobs.Service, fd *redisstore.Feed, redis Pinger) *Handler {
	return &Handler{
		Chat:         chatSvc,
		Jobs:         jobSvc,
		Feed:         fd,
		Redis:        redis,
		PingInterval: 15 * time.Second,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if h.Redis != nil {
		if err := h.Redis.Ping(ctx); err != nil {
			common.Fail(c, http.StatusServiceUnavailable, common.CodeInternal, "redis unavailable")
			return
		}
	}
	common.OK(c, gin.H{"pong": true})
}
