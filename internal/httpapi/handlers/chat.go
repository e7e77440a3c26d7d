package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-relay/internal/identity"
	"github.com/suPer8Hu/ai-relay/internal/security"
	"github.com/suPer8Hu/ai-relay/internal/stream"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
)

const (
	SessionHeader   = "X-Session-Id"
	StreamHeader    = "X-Stream-Id"
	ResumableHeader = "X-Stream-Resumable"

	modeStreaming = "streaming"
	modeJobQueue  = "job-queue"
)

type chatReq struct {
	SessionID       string       `json:"session_id"`
	Messages        []ai.Message `json:"messages"`
	Message         string       `json:"message"` // shorthand for one user message
	Mode            string       `json:"mode"`
	EnableWebSearch bool         `json:"enable_web_search"`
}

func (r chatReq) messages() []ai.Message {
	if len(r.Messages) == 0 && r.Message != "" {
		return []ai.Message{{Role: ai.RoleUser, Content: r.Message}}
	}
	return r.Messages
}

// sessionID applies header > body > query precedence and mints a ULID when
// none is supplied.
func sessionID(c *gin.Context, body string) (string, error) {
	for _, v := range []string{c.GetHeader(SessionHeader), body, c.Query("session_id")} {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return common.NewULID()
}

// failPrepare maps validation and gate errors to the envelope. It reports
// false when err was not one of them.
func failPrepare(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, stream.ErrInvalidSession):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidSession, "session_id must be 8-128 characters")
	case errors.Is(err, chat.ErrEmptyQuery):
		common.Fail(c, http.StatusBadRequest, common.CodeEmptyQuery, "query is empty")
	case errors.Is(err, chat.ErrBlocked):
		common.Fail(c, http.StatusForbidden, common.CodeBlocked, security.SafeMessage)
	default:
		return false
	}
	return true
}

func (h *Handler) logFields(c *gin.Context) logrus.Fields {
	return logrus.Fields{
		"request_id": middleware.RequestIDFrom(c),
		"path":       c.FullPath(),
		"owner_tier": identity.Tier(middleware.OwnerKeyFrom(c)),
	}
}

// CreateStream starts a streaming-mode reply, or a job when mode=job-queue.
func (h *Handler) CreateStream(c *gin.Context) {
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

	switch req.Mode {
	case "", modeStreaming:
	case modeJobQueue:
		h.createJob(c, sid, req)
		return
	default:
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidMode, "mode must be streaming or job-queue")
		return
	}

	owner := middleware.OwnerKeyFrom(c)
	st, err := h.Chat.StartStream(c.Request.Context(), chat.StreamRequest{
		OwnerKey:        owner,
		SessionID:       sid,
		Messages:        req.messages(),
		EnableWebSearch: req.EnableWebSearch,
	})
	if err != nil {
		if failPrepare(c, err) {
			return
		}
		logger.WithFields(h.logFields(c)).WithError(err).Error("stream: create failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}

	c.Header(SessionHeader, st.SessionID)
	c.Header(StreamHeader, st.StreamID)
	c.Header(ResumableHeader, strconv.FormatBool(st.Resumable))
	w, ok := startSSE(c)
	if !ok {
		st.Detach()
		return
	}
	h.pumpFrames(c.Request.Context(), w, st)
}

// pumpFrames forwards frames until the terminal one. If the client leaves
// first the stream is detached and keeps filling the ledger for a resume.
func (h *Handler) pumpFrames(ctx context.Context, w *sseWriter, st *chat.Stream) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	frames := st.Frames()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			w.writeJSON(f.Type, f.Payload())
		case <-ticker.C:
			w.ping()
		case <-ctx.Done():
			st.Detach()
			return
		}
	}
}

// ResumeStream replays the session's stream from skip. No stream gives 204.
func (h *Handler) ResumeStream(c *gin.Context) {
	sid := strings.TrimSpace(c.Query("session_id"))
	if sid == "" {
		sid = strings.TrimSpace(c.GetHeader(SessionHeader))
	}
	if err := stream.ValidateSessionID(sid); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidSession, "session_id must be 8-128 characters")
		return
	}
	var skip int64
	if raw := c.Query("skip"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			common.Fail(c, http.StatusBadRequest, common.CodeInvalidSkip, "skip must be a non-negative integer")
			return
		}
		skip = n
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.Chat.ResumeTimeout())
	defer cancel()

	r, err := h.Chat.Resume(ctx, middleware.OwnerKeyFrom(c), sid, skip)
	if err != nil {
		logger.WithFields(h.logFields(c)).WithError(err).Error("stream: resume failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	if r.State == stream.StateAbsent {
		c.Status(http.StatusNoContent)
		return
	}

	c.Header(SessionHeader, sid)
	c.Header(StreamHeader, r.StreamID)
	c.Header(ResumableHeader, "true")
	w, ok := startSSE(c)
	if !ok {
		return
	}
	w.writeJSON(chat.FrameStart, gin.H{
		"type":       chat.FrameStart,
		"stream_id":  r.StreamID,
		"session_id": sid,
		"resumed":    true,
		"skip":       skip,
		"state":      r.State,
	})

	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	next := skip
	chunks := r.Chunks()
	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				h.finishResume(c, w, r, next)
				return
			}
			next = ch.Index + 1
			w.writeJSON(chat.FrameChunk, chat.Frame{Type: chat.FrameChunk, Index: ch.Index, Delta: ch.Data}.Payload())
		case <-ticker.C:
			w.ping()
		}
	}
}

func (h *Handler) finishResume(c *gin.Context, w *sseWriter, r *stream.Replay, next int64) {
	err := r.Err()
	switch {
	case err == nil:
		w.writeJSON(chat.FrameDone, gin.H{"type": chat.FrameDone, "stream_id": r.StreamID, "chunks": next})
	case errors.Is(err, stream.ErrGone):
		w.writeJSON(chat.FrameError, gin.H{"type": chat.FrameError, "code": chat.CodeStreamGone, "message": "stream ended before completion"})
	case c.Request.Context().Err() != nil:
		// client went away
	case errors.Is(err, context.DeadlineExceeded):
		w.writeJSON(chat.FrameError, gin.H{"type": chat.FrameError, "code": chat.CodeTimeout, "message": "resume timed out, resume again"})
	default:
		logger.WithFields(h.logFields(c)).WithError(err).Warn("stream: resume ended")
		w.writeJSON(chat.FrameError, gin.H{"type": chat.FrameError, "code": chat.CodeUpstreamError, "message": "resume failed"})
	}
}

// ClearStream drops the session's stream state.
func (h *Handler) ClearStream(c *gin.Context) {
	sid := strings.TrimSpace(c.Query("session_id"))
	if sid == "" {
		sid = strings.TrimSpace(c.GetHeader(SessionHeader))
	}
	if err := h.Chat.Clear(c.Request.Context(), middleware.OwnerKeyFrom(c), sid); err != nil {
		if errors.Is(err, stream.ErrInvalidSession) {
			common.Fail(c, http.StatusBadRequest, common.CodeInvalidSession, "session_id must be 8-128 characters")
			return
		}
		logger.WithFields(h.logFields(c)).WithError(err).Error("stream: clear failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	common.OK(c, gin.H{"session_id": sid, "cleared": true})
}
