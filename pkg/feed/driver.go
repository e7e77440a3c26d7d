package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrConnectionLost = errors.New("feed: connection lost")

// Conn is one open feed connection. Next returns an error once the
// connection is unusable; io.EOF before a terminal event is a transport
// failure like any other.
type Conn interface {
	Next() (Event, error)
	Close() error
}

type Dialer func(ctx context.Context, jobID string) (Conn, error)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultJitter      = 0.1
)

// Driver keeps a job feed open across transport failures. Server error
// events are terminal and passed through untouched; transport failures are
// retried with capped exponential backoff.
type Driver struct {
	Dial        Dialer
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

func NewDriver(dial Dialer) *Driver {
	return &Driver{
		Dial:        dial,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// reconnectState is owned by a single Run call.
type reconnectState struct {
	attempt     int
	lastPercent int
	max         int
	maxDelay    time.Duration
	backoff     backoff.BackOff
}

func (d *Driver) newState() *reconnectState {
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	base, maxDelay := d.BaseDelay, d.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.RandomizationFactor = d.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return &reconnectState{max: maxAttempts, maxDelay: maxDelay, backoff: b}
}

func (s *reconnectState) connected() {
	s.attempt = 0
	s.backoff.Reset()
}

// failed records a transport error and reports the delay before the next
// dial, or false once the attempt budget is spent.
func (s *reconnectState) failed() (time.Duration, bool) {
	s.attempt++
	if s.attempt >= s.max {
		return 0, false
	}
	return min(s.backoff.NextBackOff(), s.maxDelay), true
}

// Run dials the feed for jobID and calls emit for every event until a
// terminal one. It returns nil after a terminal server event,
// ErrConnectionLost after the attempt budget is spent (having emitted a
// connection_lost error event), or the context error. A dial error wrapped
// with backoff.Permanent is not retried: Run emits one rejected error event
// and returns the wrapped error.
func (d *Driver) Run(ctx context.Context, jobID string, emit func(Event)) error {
	st := d.newState()

	for {
		terminal, err := d.session(ctx, jobID, st, emit)
		if terminal {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			emit(ErrorEvent(jobID, CodeRejected, perm.Err.Error()))
			return perm.Err
		}

		delay, ok := st.failed()
		if !ok {
			emit(ErrorEvent(jobID, CodeConnectionLost,
				fmt.Sprintf("connection lost after %d attempts: %v", st.attempt, err)))
			return ErrConnectionLost
		}
		emit(ProgressEvent(jobID, StageReconnecting, st.lastPercent,
			fmt.Sprintf("reconnecting (attempt %d)", st.attempt)))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// session runs one connection. It reports whether a terminal event was seen.
func (d *Driver) session(ctx context.Context, jobID string, st *reconnectState, emit func(Event)) (bool, error) {
	conn, err := d.Dial(ctx, jobID)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	for {
		e, err := conn.Next()
		if err != nil {
			return false, err
		}
		switch e.Kind {
		case KindConnected:
			st.connected()
		case KindProgress:
			st.lastPercent = e.Progress.Percent
		}
		emit(e)
		if e.Terminal() {
			return true, nil
		}
	}
}
