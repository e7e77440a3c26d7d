package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-relay/internal/jobs"
	"github.com/suPer8Hu/ai-relay/internal/metrics"
	"github.com/suPer8Hu/ai-relay/internal/stream"
	"github.com/suPer8Hu/ai-relay/pkg/feed"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
)

func jobView(j *jobs.Job) gin.H {
	return gin.H{
		"job_id":            j.ID,
		"session_id":        j.SessionID,
		"status":            j.Status,
		"stage":             j.Stage,
		"percent":           j.Percent,
		"message":           j.Message,
		"result":            j.Result,
		"error":             j.Error,
		"enable_web_search": j.EnableWebSearch,
		"created_at":        j.CreatedAt,
		"updated_at":        j.UpdatedAt,
	}
}

func (h *Handler) CreateJob(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	sid, err := sessionID(c, req.SessionID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	h.createJob(c, sid, req)
}

func (h *Handler) createJob(c *gin.Context, sid string, req chatReq) {
	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, common.CodeIdempotencyKey, "idempotency key too long")
		return
	}
	if err := stream.ValidateSessionID(sid); err != nil {
		failPrepare(c, err)
		return
	}

	msgs, err := h.Chat.Prepare(c.Request.Context(), req.messages())
	if err != nil {
		if failPrepare(c, err) {
			return
		}
		logger.WithFields(h.logFields(c)).WithError(err).Error("jobs: prepare failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}

	j, created, err := h.Jobs.Create(c.Request.Context(), jobs.CreateRequest{
		OwnerKey:        middleware.OwnerKeyFrom(c),
		SessionID:       sid,
		Messages:        msgs,
		EnableWebSearch: req.EnableWebSearch,
		IdempotencyKey:  idempoKey,
	})
	if err != nil {
		logger.WithFields(h.logFields(c)).WithError(err).Error("jobs: create failed")
		if errors.Is(err, jobs.ErrEnqueue) {
			common.Fail(c, http.StatusInternalServerError, common.CodeEnqueueFailed, "enqueue failed")
			return
		}
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}

	c.Header(SessionHeader, j.SessionID)
	view := jobView(j)
	view["created"] = created
	common.OK(c, view)
}

// loadJob answers 404 for missing jobs and jobs of other owners alike.
func (h *Handler) loadJob(c *gin.Context) (*jobs.Job, bool) {
	j, err := h.Jobs.Get(c.Request.Context(), middleware.OwnerKeyFrom(c), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, common.CodeJobNotFound, "job not found")
			return nil, false
		}
		logger.WithFields(h.logFields(c)).WithError(err).Error("jobs: load failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return nil, false
	}
	return j, true
}

func (h *Handler) GetJob(c *gin.Context) {
	j, ok := h.loadJob(c)
	if !ok {
		return
	}
	common.OK(c, jobView(j))
}

func (h *Handler) CancelJob(c *gin.Context) {
	j, err := h.Jobs.Cancel(c.Request.Context(), middleware.OwnerKeyFrom(c), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, common.CodeJobNotFound, "job not found")
			return
		}
		logger.WithFields(h.logFields(c)).WithError(err).Error("jobs: cancel failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	common.OK(c, jobView(j))
}

// terminalEvent rebuilds the outcome of a finished job whose feed already
// expired.
func terminalEvent(j *jobs.Job) (feed.Event, bool) {
	if !j.Status.Terminal() {
		return feed.Event{}, false
	}
	switch j.Status {
	case jobs.StatusCompleted:
		var content string
		if j.Result != nil {
			content = *j.Result
		}
		return feed.ResultEvent(j.ID, feed.Result{Content: content, SessionID: j.SessionID}), true
	case jobs.StatusErrored:
		return feed.ErrorEvent(j.ID, feed.CodeJobFailed, "AI engine request failed"), true
	case jobs.StatusTimedOut:
		return feed.ErrorEvent(j.ID, feed.CodeJobTimeout, "the job did not finish in time"), true
	case jobs.StatusCancelled:
		return feed.ErrorEvent(j.ID, feed.CodeCancelled, "job cancelled"), true
	}
	return feed.Event{}, false
}

// JobEvents is the job's push feed: connected, the current snapshot, then
// live events until a terminal one.
func (h *Handler) JobEvents(c *gin.Context) {
	j, ok := h.loadJob(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// subscribe before reading the snapshot so nothing falls in between
	sub, err := h.Feed.Subscribe(ctx, j.ID)
	if err != nil {
		logger.WithFields(h.logFields(c)).WithError(err).Error("jobs: subscribe failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	defer sub.Close()

	metrics.OpenFeeds.Inc()
	defer metrics.OpenFeeds.Dec()

	w, ok := startSSE(c)
	if !ok {
		return
	}
	send := w.event
	send(feed.Connected(j.ID))

	last, found, err := h.Feed.Last(ctx, j.ID)
	if err != nil {
		logger.WithFields(h.logFields(c)).WithError(err).Warn("jobs: snapshot read failed")
	}
	if found {
		send(last)
		if last.Terminal() {
			return
		}
	} else if ev, done := terminalEvent(j); done {
		send(ev)
		return
	} else {
		send(feed.ProgressEvent(j.ID, nonEmpty(j.Stage, "queued"), j.Percent, j.Message))
	}

	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	events := sub.Events()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			send(e)
			if e.Terminal() {
				return
			}
		case <-ticker.C:
			w.ping()
		case <-ctx.Done():
			return
		}
	}
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
