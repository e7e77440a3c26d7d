// Package feed is the Job-Queue mode event feed: the event union shared by
// server and client, its SSE codec, and the client-side reconnection driver.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindConnected Kind = "connected"
	KindProgress  Kind = "progress"
	KindResult    Kind = "result"
	KindError     Kind = "error"
)

// Error codes. The last four are produced client-side.
const (
	CodeJobFailed      = "job_failed"
	CodeJobTimeout     = "job_timeout"
	CodeCancelled      = "cancelled"
	CodeConnectionLost = "connection_lost"
	CodeTimeout        = "timeout"
	CodeRejected       = "rejected"
)

// StageReconnecting is the synthetic progress stage emitted while the
// driver backs off between feed connections.
const StageReconnecting = "reconnecting"

type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

type Result struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event carries exactly one payload, chosen by Kind. Connected carries none.
type Event struct {
	Kind     Kind       `json:"kind"`
	JobID    string     `json:"job_id"`
	At       time.Time  `json:"at"`
	Progress *Progress  `json:"progress,omitempty"`
	Result   *Result    `json:"result,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

var ErrInvalidEvent = errors.New("feed: invalid event")

func Connected(jobID string) Event {
	return Event{Kind: KindConnected, JobID: jobID, At: time.Now().UTC()}
}

func ProgressEvent(jobID, stage string, percent int, msg string) Event {
	return Event{
		Kind:     KindProgress,
		JobID:    jobID,
		At:       time.Now().UTC(),
		Progress: &Progress{Stage: stage, Percent: clampPercent(percent), Message: msg},
	}
}

func ResultEvent(jobID string, r Result) Event {
	return Event{Kind: KindResult, JobID: jobID, At: time.Now().UTC(), Result: &r}
}

func ErrorEvent(jobID, code, msg string) Event {
	return Event{Kind: KindError, JobID: jobID, At: time.Now().UTC(), Error: &ErrorInfo{Code: code, Message: msg}}
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Kind == KindResult || e.Kind == KindError
}

// Validate checks that the payload matches the kind.
func (e Event) Validate() error {
	payloads := 0
	for _, set := range []bool{e.Progress != nil, e.Result != nil, e.Error != nil} {
		if set {
			payloads++
		}
	}

	switch e.Kind {
	case KindConnected:
		if payloads != 0 {
			return fmt.Errorf("%w: connected carries no payload", ErrInvalidEvent)
		}
	case KindProgress:
		if e.Progress == nil || payloads != 1 {
			return fmt.Errorf("%w: progress requires only a progress payload", ErrInvalidEvent)
		}
		if e.Progress.Percent < 0 || e.Progress.Percent > 100 {
			return fmt.Errorf("%w: percent %d out of range", ErrInvalidEvent, e.Progress.Percent)
		}
		if e.Progress.Stage == "" {
			return fmt.Errorf("%w: progress stage is empty", ErrInvalidEvent)
		}
	case KindResult:
		if e.Result == nil || payloads != 1 {
			return fmt.Errorf("%w: result requires only a result payload", ErrInvalidEvent)
		}
	case KindError:
		if e.Error == nil || payloads != 1 {
			return fmt.Errorf("%w: error requires only an error payload", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Decode parses and validates one event.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
