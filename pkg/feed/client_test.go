package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEvent(t *testing.T, w http.ResponseWriter, e Event) {
	t.Helper()
	require.NoError(t, Encode(w, e))
	w.(http.Flusher).Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func TestReader_ParsesFramesIncrementally(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Connected("j1")))
	buf.WriteString(": comment\n\nevent: ping\ndata: {}\n\n")
	require.NoError(t, Encode(&buf, ProgressEvent("j1", "generating", 50, "half")))

	r := NewReader(&buf)
	e, err := r.NextEvent()
	require.NoError(t, err)
	assert.Equal(t, KindConnected, e.Kind)

	e, err = r.NextEvent()
	require.NoError(t, err)
	assert.Equal(t, 50, e.Progress.Percent)
	assert.Equal(t, "half", e.Progress.Message)

	_, err = r.NextEvent()
	assert.Error(t, err)
}

func TestReader_RejectsInvalidEvent(t *testing.T) {
	r := NewReader(strings.NewReader("event: progress\ndata: {\"kind\":\"progress\",\"job_id\":\"j\"}\n\n"))
	_, err := r.NextEvent()
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestClient_CreateJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/jobs", r.URL.Path)
		assert.Equal(t, "k-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		var body CreateJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Messages[0].Content)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "message": "ok",
			"data": map[string]any{"job_id": "j1", "session_id": "session-1234", "status": "created"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Header.Set("X-API-Key", "secret")
	info, err := c.CreateJob(context.Background(), CreateJobRequest{
		Messages:       []Message{{Role: "user", Content: "hello"}},
		IdempotencyKey: "k-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "j1", info.JobID)
	assert.Equal(t, "created", info.Status)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":40402,"message":"job not found","data":null}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetJob(context.Background(), "nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40402, apiErr.Code)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestDriver_RejectedFeedIsNotRetried(t *testing.T) {
	for _, tc := range []struct {
		status   int
		wantHits int32
		wantCode string
	}{
		{http.StatusNotFound, 1, CodeRejected},
		{http.StatusUnauthorized, 1, CodeRejected},
		{http.StatusServiceUnavailable, 3, CodeConnectionLost},
		{http.StatusTooManyRequests, 3, CodeConnectionLost},
	} {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":40402,"message":"job not found","data":null}`))
			}))
			defer srv.Close()

			d := NewDriver(NewClient(srv.URL).Open)
			d.BaseDelay = time.Millisecond
			d.MaxDelay = 5 * time.Millisecond

			var events []Event
			err := d.Run(context.Background(), "job-1", func(e Event) { events = append(events, e) })
			require.Error(t, err)
			assert.Equal(t, tc.wantHits, hits.Load())

			last := events[len(events)-1]
			require.Equal(t, KindError, last.Kind)
			assert.Equal(t, tc.wantCode, last.Error.Code)

			if tc.wantCode == CodeRejected {
				assert.Len(t, events, 1)
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, tc.status, apiErr.Status)
				assert.Equal(t, 40402, apiErr.Code)
				assert.Contains(t, last.Error.Message, "40402")
			} else {
				assert.ErrorIs(t, err, ErrConnectionLost)
			}
		})
	}
}

func TestWatch_RejectedFeedEndsErrored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	w := NewClient(srv.URL).Watch("job-1", WatchOptions{IdleTimeout: time.Second})
	err := w.Run(context.Background(), func(Event) {})
	require.Error(t, err)
	assert.Equal(t, StatusErrored, w.Status())
}

func TestWatch_ReconnectsAfterDrop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/jobs/j1/events", r.URL.Path)
		sseHeaders(w)
		writeEvent(t, w, Connected("j1"))
		if calls.Add(1) == 1 {
			writeEvent(t, w, ProgressEvent("j1", "generating", 30, ""))
			return // drop
		}
		writeEvent(t, w, ResultEvent("j1", Result{Content: "done"}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	drv := NewDriver(c.Open)
	drv.BaseDelay, drv.MaxDelay = time.Millisecond, 2*time.Millisecond
	w := c.Watch("j1", WatchOptions{IdleTimeout: time.Second, Driver: drv})

	rec := &recorder{}
	require.NoError(t, w.Run(context.Background(), rec.emit))
	assert.Equal(t, StatusCompleted, w.Status())

	var reconnect *Event
	for _, e := range rec.all() {
		if e.Kind == KindProgress && e.Progress.Stage == StageReconnecting {
			e := e
			reconnect = &e
		}
	}
	require.NotNil(t, reconnect)
	assert.Equal(t, 30, reconnect.Progress.Percent)
}

func TestWatch_RollingTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeEvent(t, w, Connected("j1"))
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	w := c.Watch("j1", WatchOptions{IdleTimeout: 50 * time.Millisecond})

	rec := &recorder{}
	require.NoError(t, w.Run(context.Background(), rec.emit))
	assert.Equal(t, StatusTimedOut, w.Status())

	events := rec.all()
	last := events[len(events)-1]
	require.Equal(t, KindError, last.Kind)
	assert.Equal(t, CodeTimeout, last.Error.Code)
}

func TestWatch_ProgressExtendsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeEvent(t, w, Connected("j1"))
		// the whole job takes longer than one window
		for i := 1; i <= 6; i++ {
			time.Sleep(25 * time.Millisecond)
			writeEvent(t, w, ProgressEvent("j1", "generating", i*10, ""))
		}
		writeEvent(t, w, ResultEvent("j1", Result{Content: "slow but fine"}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	w := c.Watch("j1", WatchOptions{IdleTimeout: 80 * time.Millisecond})

	require.NoError(t, w.Run(context.Background(), func(Event) {}))
	assert.Equal(t, StatusCompleted, w.Status())
}

func TestWatch_CancelIsLocalEvenIfUpstreamFails(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		sseHeaders(w)
		writeEvent(t, w, Connected("j1"))
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	w := c.Watch("j1", WatchOptions{IdleTimeout: time.Minute})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), func(Event) {}) }()

	<-started
	require.Eventually(t, func() bool { return w.Status() == StatusRunning }, time.Second, 5*time.Millisecond)

	err := w.Cancel(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusCancelled, w.Status())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Cancel")
	}
}
