package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client talks to the relay's job endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Header is added to every request, e.g. Authorization or X-API-Key.
	Header http.Header
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
		Header:  http.Header{},
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CreateJobRequest struct {
	SessionID       string    `json:"session_id,omitempty"`
	Messages        []Message `json:"messages"`
	EnableWebSearch bool      `json:"enable_web_search,omitempty"`
	// IdempotencyKey is sent as the Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}

type JobInfo struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Stage     string `json:"stage,omitempty"`
	Percent   int    `json:"percent"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// APIError is a non-2xx reply in the relay's envelope.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feed: http %d code=%d: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later: server
// errors, 408 and 429.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return err
	}
	if resp.StatusCode >= 300 || env.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func jobPath(jobID string) string { return "/chat/jobs/" + url.PathEscape(jobID) }

func (c *Client) CreateJob(ctx context.Context, in CreateJobRequest) (JobInfo, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/jobs", in)
	if err != nil {
		return JobInfo{}, err
	}
	if in.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	}
	var out JobInfo
	if err := c.do(req, &out); err != nil {
		return JobInfo{}, err
	}
	return out, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (JobInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, jobPath(jobID), nil)
	if err != nil {
		return JobInfo{}, err
	}
	var out JobInfo
	if err := c.do(req, &out); err != nil {
		return JobInfo{}, err
	}
	return out, nil
}

// Cancel asks the relay to cancel jobID.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, jobPath(jobID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

type sseConn struct {
	body io.ReadCloser
	r    *Reader
}

func (s *sseConn) Next() (Event, error) { return s.r.NextEvent() }

func (s *sseConn) Close() error { return s.body.Close() }

// Open connects to the job's event feed. It is a Dialer.
func (c *Client) Open(ctx context.Context, jobID string) (Conn, error) {
	req, err := c.newRequest(ctx, http.MethodGet, jobPath(jobID)+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var env envelope
		if json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&env) == nil && env.Code != 0 {
			apiErr.Code, apiErr.Message = env.Code, env.Message
		}
		if !apiErr.Retryable() {
			// a missing or foreign job will not come back on a redial
			return nil, backoff.Permanent(apiErr)
		}
		return nil, apiErr
	}
	return &sseConn{body: resp.Body, r: NewReader(resp.Body)}, nil
}

// Local job states seen by a Watcher.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

var (
	errIdle      = errors.New("feed: no progress within the timeout window")
	errCancelled = errors.New("feed: cancelled locally")
)

type WatchOptions struct {
	// IdleTimeout is the rolling window; every connected or server progress
	// event restarts it.
	IdleTimeout time.Duration
	Driver      *Driver
}

// Watcher follows one job's feed and tracks its local state.
type Watcher struct {
	client *Client
	jobID  string
	opts   WatchOptions

	mu     sync.Mutex
	status Status
	stop   context.CancelCauseFunc
}

func (c *Client) Watch(jobID string, opts WatchOptions) *Watcher {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	if opts.Driver == nil {
		opts.Driver = NewDriver(c.Open)
	}
	return &Watcher{client: c, jobID: jobID, opts: opts, status: StatusPending}
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// setStatus never leaves a terminal state.
func (w *Watcher) setStatus(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.status {
	case StatusCompleted, StatusErrored, StatusTimedOut, StatusCancelled:
		return
	}
	w.status = s
}

// Run follows the feed until a terminal event, the rolling timeout, a local
// Cancel or ctx ending. emit sees every event, synthetic ones included.
func (w *Watcher) Run(ctx context.Context, emit func(Event)) error {
	rctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	w.mu.Lock()
	w.stop = stop
	w.mu.Unlock()

	idle := time.AfterFunc(w.opts.IdleTimeout, func() { stop(errIdle) })
	defer idle.Stop()

	err := w.opts.Driver.Run(rctx, w.jobID, func(e Event) {
		switch e.Kind {
		case KindConnected:
			idle.Reset(w.opts.IdleTimeout)
			w.setStatus(StatusRunning)
		case KindProgress:
			if e.Progress.Stage != StageReconnecting {
				idle.Reset(w.opts.IdleTimeout)
				w.setStatus(StatusRunning)
			}
		case KindResult:
			w.setStatus(StatusCompleted)
		case KindError:
			switch e.Error.Code {
			case CodeJobTimeout, CodeTimeout:
				w.setStatus(StatusTimedOut)
			case CodeCancelled:
				w.setStatus(StatusCancelled)
			default:
				w.setStatus(StatusErrored)
			}
		}
		emit(e)
	})

	switch cause := context.Cause(rctx); {
	case err == nil || errors.Is(err, ErrConnectionLost):
		return err
	case errors.Is(cause, errIdle):
		w.setStatus(StatusTimedOut)
		emit(ErrorEvent(w.jobID, CodeTimeout, "no progress received in time"))
		return nil
	case errors.Is(cause, errCancelled):
		return nil
	default:
		return err
	}
}

// Cancel sends a best-effort cancel upstream and stops Run. The local state
// becomes cancelled whatever the relay answers; the upstream error, if any,
// is returned for logging.
func (w *Watcher) Cancel(ctx context.Context) error {
	w.setStatus(StatusCancelled)
	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()
	if stop != nil {
		stop(errCancelled)
	}
	return w.client.Cancel(ctx, w.jobID)
}
