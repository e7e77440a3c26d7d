// Package stream owns the lifecycle of resumable streams: the registry that
// points a session at its stream, the chunk ledger, and resume semantics.
//
// At most one live stream per (owner, session) is enforced by a best-effort
// clear before every create. Two concurrent creates can both survive for a
// moment; the next create or the store TTL removes the loser. The cost is a
// duplicate upstream call, never mixed output, because chunks are keyed by
// stream id.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
)

type Controller struct {
	registry     Registry
	ledger       Ledger
	pollInterval time.Duration
	now          func() time.Time
}

func NewController(registry Registry, ledger Ledger, pollInterval time.Duration) *Controller {
	if pollInterval <= 0 {
		pollInterval = 150 * time.Millisecond
	}
	return &Controller{
		registry:     registry,
		ledger:       ledger,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Begin registers streamID as the stream for (ownerKey, sessionID). Any other
// stream still registered for the pair is cleared first. The ledger is opened
// before the registry write so a racing resume sees an empty active stream.
func (c *Controller) Begin(ctx context.Context, ownerKey, sessionID, streamID string) error {
	prev, err := c.registry.Get(ctx, ownerKey, sessionID)
	switch {
	case err == nil && prev.StreamID != streamID:
		if err := c.ledger.Delete(ctx, prev.StreamID); err != nil {
			logger.WithFields(logrus.Fields{"stream_id": prev.StreamID, "session_id": sessionID}).
				WithError(err).Warn("stream: stale ledger cleanup failed")
		}
	case err != nil && !errors.Is(err, ErrNoRecord):
		logger.WithFields(logrus.Fields{"session_id": sessionID}).
			WithError(err).Warn("stream: stale registry lookup failed")
	}

	if err := c.ledger.Open(ctx, streamID); err != nil {
		return fmt.Errorf("stream: open ledger: %w", err)
	}
	rec := Record{
		SessionID: sessionID,
		OwnerKey:  ownerKey,
		StreamID:  streamID,
		CreatedAt: c.now().UTC(),
	}
	if err := c.registry.Put(ctx, rec); err != nil {
		_ = c.ledger.Delete(ctx, streamID)
		return fmt.Errorf("stream: register: %w", err)
	}
	return nil
}

func (c *Controller) Append(ctx context.Context, streamID, data string) (int64, error) {
	return c.ledger.Append(ctx, streamID, data)
}

// Complete marks the ledger completed. The registry mapping is kept so a
// disconnected client can resume once.
func (c *Controller) Complete(ctx context.Context, streamID string) error {
	return c.ledger.Complete(ctx, streamID)
}

// Clear removes whatever stream is registered for (ownerKey, sessionID).
func (c *Controller) Clear(ctx context.Context, ownerKey, sessionID string) error {
	rec, err := c.registry.Get(ctx, ownerKey, sessionID)
	if errors.Is(err, ErrNoRecord) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream: clear lookup: %w", err)
	}
	if err := c.ledger.Delete(ctx, rec.StreamID); err != nil {
		return fmt.Errorf("stream: clear ledger: %w", err)
	}
	if err := c.registry.Delete(ctx, ownerKey, sessionID); err != nil {
		return fmt.Errorf("stream: clear registry: %w", err)
	}
	return nil
}

// ClearStream deletes streamID's ledger and drops the registry mapping only
// if it still points at streamID, so a newer stream for the same session
// survives the cleanup of an older one.
func (c *Controller) ClearStream(ctx context.Context, ownerKey, sessionID, streamID string) error {
	if err := c.ledger.Delete(ctx, streamID); err != nil {
		return fmt.Errorf("stream: clear ledger: %w", err)
	}
	rec, err := c.registry.Get(ctx, ownerKey, sessionID)
	if errors.Is(err, ErrNoRecord) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream: clear lookup: %w", err)
	}
	if rec.StreamID != streamID {
		return nil
	}
	if err := c.registry.Delete(ctx, ownerKey, sessionID); err != nil {
		return fmt.Errorf("stream: clear registry: %w", err)
	}
	return nil
}

// Replay is the result of a resume. For StateAbsent Chunks is closed and
// empty. Err is meaningful once Chunks is closed.
type Replay struct {
	StreamID string
	State    State

	chunks chan Chunk
	err    error
}

func (r *Replay) Chunks() <-chan Chunk { return r.chunks }

// Err reports why a live replay stopped early: ErrGone when the stream was
// cleared before completion, or the context error.
func (r *Replay) Err() error { return r.err }

func closedReplay(streamID string, state State, chunks []Chunk) *Replay {
	ch := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &Replay{StreamID: streamID, State: state, chunks: ch}
}

// Resume classifies the stream registered for (ownerKey, sessionID) and
// returns a replay of every chunk from index skip onward.
//
//   - absent: no registry entry, or a registry entry whose ledger is gone
//     (the stale entry is removed).
//   - completed: a one-shot replay; the mapping is deleted before returning,
//     so the next resume reports absent.
//   - active: a live replay that keeps following the ledger until it
//     completes, disappears, or ctx ends.
func (c *Controller) Resume(ctx context.Context, ownerKey, sessionID string, skip int64) (*Replay, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if skip < 0 {
		return nil, ErrInvalidSkip
	}

	rec, err := c.registry.Get(ctx, ownerKey, sessionID)
	if errors.Is(err, ErrNoRecord) {
		return closedReplay("", StateAbsent, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: resume lookup: %w", err)
	}

	state, err := c.ledger.Status(ctx, rec.StreamID)
	if err != nil {
		return nil, fmt.Errorf("stream: resume status: %w", err)
	}

	switch state {
	case StateAbsent:
		if err := c.registry.Delete(ctx, ownerKey, sessionID); err != nil {
			logger.WithFields(logrus.Fields{"stream_id": rec.StreamID, "session_id": sessionID}).
				WithError(err).Warn("stream: stale registry delete failed")
		}
		return closedReplay("", StateAbsent, nil), nil

	case StateCompleted:
		chunks, err := c.ledger.Range(ctx, rec.StreamID, skip)
		if err != nil {
			return nil, fmt.Errorf("stream: resume range: %w", err)
		}
		if err := c.ClearStream(ctx, ownerKey, sessionID, rec.StreamID); err != nil {
			logger.WithFields(logrus.Fields{"stream_id": rec.StreamID, "session_id": sessionID}).
				WithError(err).Warn("stream: one-shot cleanup failed")
		}
		return closedReplay(rec.StreamID, StateCompleted, chunks), nil

	default:
		r := &Replay{StreamID: rec.StreamID, State: StateActive, chunks: make(chan Chunk, 16)}
		go c.follow(ctx, r, skip)
		return r, nil
	}
}

// follow polls the ledger and forwards chunks in index order. Status is read
// before each range so a completion marker observed means the range that
// follows already holds the final chunk.
func (c *Controller) follow(ctx context.Context, r *Replay, next int64) {
	defer close(r.chunks)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		state, err := c.ledger.Status(ctx, r.StreamID)
		if err != nil {
			r.err = err
			return
		}

		chunks, err := c.ledger.Range(ctx, r.StreamID, next)
		if err != nil {
			r.err = err
			return
		}
		for _, ch := range chunks {
			select {
			case r.chunks <- ch:
				next = ch.Index + 1
			case <-ctx.Done():
				r.err = ctx.Err()
				return
			}
		}

		switch state {
		case StateCompleted:
			return
		case StateAbsent:
			r.err = ErrGone
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			r.err = ctx.Err()
			return
		}
	}
}
