package stream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoRecord is returned by stores when a key is missing.
	ErrNoRecord = errors.New("stream: no record")
	// ErrGone is reported by a live replay whose ledger disappeared before
	// completion, i.e. the producer failed or the stream was cleared.
	ErrGone = errors.New("stream: gone before completion")
	// ErrInvalidSession and ErrInvalidSkip are input-validation failures.
	ErrInvalidSession = errors.New("stream: session id must be 8-128 characters")
	ErrInvalidSkip    = errors.New("stream: skip must be a non-negative integer")
)

const (
	MinSessionIDLen = 8
	MaxSessionIDLen = 128
)

// State is derived from the ledger, never stored on its own.
type State string

const (
	StateAbsent    State = "absent"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

// Record is the registry pointer from (owner, session) to the stream that
// currently serves it.
type Record struct {
	SessionID string    `json:"session_id"`
	OwnerKey  string    `json:"owner_key"`
	StreamID  string    `json:"stream_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is one ledger entry.
type Chunk struct {
	Index int64
	Data  string
}

// Registry maps (ownerKey, sessionID) to a Record with a TTL. Implementations
// return ErrNoRecord for a missing key.
type Registry interface {
	Get(ctx context.Context, ownerKey, sessionID string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, ownerKey, sessionID string) error
}

// Ledger is the ordered, replayable log of a stream's fragments. Reads after
// writes on one stream must be ordered: index N+1 is never visible before N.
type Ledger interface {
	Open(ctx context.Context, streamID string) error
	// Append returns the chunk index, or ErrNoRecord once the stream was
	// cleared.
	Append(ctx context.Context, streamID, data string) (int64, error)
	// Complete sets the completion marker. It returns ErrNoRecord when the
	// stream was already cleared.
	Complete(ctx context.Context, streamID string) error
	Status(ctx context.Context, streamID string) (State, error)
	// Range returns every chunk with index >= from.
	Range(ctx context.Context, streamID string, from int64) ([]Chunk, error)
	Delete(ctx context.Context, streamID string) error
}

// ValidateSessionID enforces the 8-128 character bound.
func ValidateSessionID(sessionID string) error {
	if n := len(sessionID); n < MinSessionIDLen || n > MaxSessionIDLen {
		return ErrInvalidSession
	}
	return nil
}
