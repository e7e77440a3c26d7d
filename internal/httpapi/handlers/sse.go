package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-relay/pkg/feed"
)

// sseWriter writes named JSON frames and flushes after each one.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

// startSSE sends the event-stream headers. extra headers must be set by the
// caller before this.
func startSSE(c *gin.Context) (*sseWriter, bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		// can't stream
		fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"message\":\"flusher not supported\"}\n\n")
		return nil, false
	}
	return &sseWriter{c: c, flusher: flusher}, true
}

func (w *sseWriter) writeJSON(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		// last-resort: send a simple error that won't break SSE framing
		fmt.Fprintf(w.c.Writer, "event: error\ndata: {\"type\":\"error\",\"message\":\"json marshal failed\"}\n\n")
		w.flusher.Flush()
		return
	}
	if event != "" {
		fmt.Fprintf(w.c.Writer, "event: %s\n", event)
	}
	fmt.Fprintf(w.c.Writer, "data: %s\n\n", string(b))
	w.flusher.Flush()
}

// event writes a job feed event in the codec the feed client reads.
func (w *sseWriter) event(e feed.Event) {
	if err := feed.Encode(w.c.Writer, e); err != nil {
		w.writeJSON("error", gin.H{"type": "error", "message": "encode failed"})
		return
	}
	w.flusher.Flush()
}

func (w *sseWriter) ping() {
	w.writeJSON("ping", gin.H{
		"type": "ping",
		"ts":   time.Now().Unix(),
	})
}
