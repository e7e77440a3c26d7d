package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/budget"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/metrics"
	"github.com/suPer8Hu/ai-relay/internal/security"
	"github.com/suPer8Hu/ai-relay/internal/stream"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
)

var (
	ErrEmptyQuery = errors.New("chat: empty query")
	ErrBlocked    = errors.New("chat: blocked by security gate")
)

// BlockedError carries the gate's reasons. It matches ErrBlocked.
type BlockedError struct {
	Reasons []string
}

func (e *BlockedError) Error() string {
	return "chat: blocked: " + strings.Join(e.Reasons, "; ")
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

const (
	defaultProvider = "agent"
	cleanupTimeout  = 5 * time.Second
)

type Options struct {
	Provider          string
	Model             string
	ContextWindowSize int
	Budget            budget.Calculator
}

type Service struct {
	registry *ai.Registry
	gate     security.Gate
	streams  *stream.Controller

	provider string
	model    string
	window   int
	budget   budget.Calculator

	// base bounds every producer. It ends on shutdown, never on a client
	// disconnect.
	base  context.Context
	newID func() (string, error)
	wg    sync.WaitGroup
}

func NewService(base context.Context, registry *ai.Registry, gate security.Gate, streams *stream.Controller, opts Options) *Service {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.Provider == "" {
		opts.Provider = defaultProvider
	}
	return &Service{
		registry: registry,
		gate:     gate,
		streams:  streams,
		provider: opts.Provider,
		model:    opts.Model,
		window:   opts.ContextWindowSize,
		budget:   opts.Budget,
		base:     base,
		newID:    common.NewULID,
	}
}

// Prepare runs the final user message through the gate and trims the
// context. It allocates nothing.
func (s *Service) Prepare(ctx context.Context, msgs []ai.Message) ([]ai.Message, error) {
	i := lastUserIndex(msgs)
	if i < 0 || strings.TrimSpace(msgs[i].Content) == "" {
		return nil, ErrEmptyQuery
	}

	v, err := s.gate.Check(ctx, msgs[i].Content)
	if err != nil {
		return nil, fmt.Errorf("chat: security gate: %w", err)
	}
	if v.ShouldBlock {
		return nil, &BlockedError{Reasons: v.Reasons}
	}
	if v.SanitizedInput == "" {
		return nil, ErrEmptyQuery
	}

	out := append([]ai.Message(nil), msgs...)
	out[i].Content = v.SanitizedInput
	return TrimContext(out, s.window), nil
}

type StreamRequest struct {
	OwnerKey        string
	SessionID       string
	Messages        []ai.Message
	EnableWebSearch bool
}

// Stream is a live delivery in progress. Frames is closed after the terminal
// frame. A consumer that goes away must call Detach; the producer then keeps
// filling the ledger without blocking on the consumer.
type Stream struct {
	StreamID  string
	SessionID string
	Resumable bool

	frames   chan Frame
	detached chan struct{}
	once     sync.Once
}

func newStream(streamID, sessionID string, resumable bool) *Stream {
	return &Stream{
		StreamID:  streamID,
		SessionID: sessionID,
		Resumable: resumable,
		frames:    make(chan Frame, 32),
		detached:  make(chan struct{}),
	}
}

func (st *Stream) Frames() <-chan Frame { return st.frames }

func (st *Stream) Detach() { st.once.Do(func() { close(st.detached) }) }

func (st *Stream) send(f Frame) {
	select {
	case st.frames <- f:
	case <-st.detached:
	}
}

// StartStream validates the request, registers a new stream for the
// (owner, session) pair and starts exactly one upstream call. Input and gate
// failures are returned as errors before anything is written. An engine that
// cannot be resolved yields a Stream carrying a single error frame and no
// registry entry.
func (s *Service) StartStream(ctx context.Context, req StreamRequest) (*Stream, error) {
	if err := stream.ValidateSessionID(req.SessionID); err != nil {
		return nil, err
	}
	msgs, err := s.Prepare(ctx, req.Messages)
	if err != nil {
		return nil, err
	}

	streamID, err := s.newID()
	if err != nil {
		return nil, err
	}
	log := logger.WithFields(logrus.Fields{"stream_id": streamID, "session_id": req.SessionID})

	sp, err := s.streamProvider(ctx)
	if err != nil {
		log.WithError(err).Warn("chat: engine unavailable")
		metrics.StreamEnds.WithLabelValues(CodeUpstreamUnavailable).Inc()
		st := newStream(streamID, req.SessionID, false)
		st.frames <- errorFrame(CodeUpstreamUnavailable, "AI engine is not available")
		close(st.frames)
		return st, nil
	}

	if err := s.streams.Begin(ctx, req.OwnerKey, req.SessionID, streamID); err != nil {
		return nil, err
	}
	metrics.StreamsCreated.WithLabelValues("streaming").Inc()

	st := newStream(streamID, req.SessionID, true)
	pctx, cancel := context.WithTimeout(s.base, s.budget.Abort(budget.RouteStream))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(st.frames)
		s.produce(pctx, log, sp, st, req.OwnerKey, ai.Request{
			SessionID:       req.SessionID,
			Messages:        msgs,
			EnableWebSearch: req.EnableWebSearch,
		})
	}()
	return st, nil
}

func (s *Service) streamProvider(ctx context.Context) (ai.StreamProvider, error) {
	p, err := s.registry.Get(ctx, s.provider, s.model)
	if err != nil {
		return nil, err
	}
	sp, ok := p.(ai.StreamProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q does not support streaming", ai.ErrEngineNotConfigured, s.provider)
	}
	return sp, nil
}

// produce tees upstream fragments into the ledger, then forwards them. A
// ledger that refuses an append was cleared or replaced, so upstream is
// cancelled and the rest is drained.
func (s *Service) produce(ctx context.Context, log *logrus.Entry, sp ai.StreamProvider, st *Stream, ownerKey string, req ai.Request) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	st.send(Frame{Type: FrameStart, StreamID: st.StreamID, SessionID: st.SessionID, Resumable: true})

	pChunks, pErrs := sp.StreamChat(ctx, req)

	var next int64
	var cleared bool
	for frag := range pChunks {
		if frag == "" || cleared {
			continue
		}
		if _, err := s.streams.Append(ctx, st.StreamID, frag); err != nil {
			if errors.Is(err, stream.ErrNoRecord) {
				cleared = true
				stop()
				continue
			}
			log.WithError(err).Warn("chat: ledger append failed")
		} else {
			metrics.Fragments.Inc()
		}
		st.send(Frame{Type: FrameChunk, Index: next, Delta: frag})
		next++
	}
	upErr := <-pErrs

	if cleared {
		log.WithField("chunks", next).Info("chat: stream cleared while producing")
		metrics.StreamEnds.WithLabelValues(CodeInterrupted).Inc()
		st.send(errorFrame(CodeInterrupted, "stream interrupted, please retry"))
		return
	}

	if upErr == nil && ctx.Err() == nil {
		if err := s.streams.Complete(ctx, st.StreamID); err != nil {
			log.WithError(err).Warn("chat: ledger complete failed")
		}
		metrics.StreamEnds.WithLabelValues(FrameDone).Inc()
		st.send(Frame{Type: FrameDone, StreamID: st.StreamID, Chunks: next})
		return
	}

	cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.streams.ClearStream(cctx, ownerKey, st.SessionID, st.StreamID); err != nil {
		log.WithError(err).Warn("chat: stream cleanup failed")
	}

	var frame Frame
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		frame = errorFrame(CodeTimeout, msgTimedOut)
	case ctx.Err() != nil:
		frame = errorFrame(CodeInterrupted, "stream interrupted, please retry")
	case errors.Is(upErr, ai.ErrEngineNotConfigured):
		frame = errorFrame(CodeUpstreamUnavailable, "AI engine is not available")
	default:
		frame = errorFrame(CodeUpstreamError, "AI engine request failed")
	}
	log.WithError(upErr).WithField("code", frame.Code).Warn("chat: stream aborted")
	metrics.StreamEnds.WithLabelValues(frame.Code).Inc()
	st.send(frame)
}

// Resume classifies the session's stream and replays from skip.
func (s *Service) Resume(ctx context.Context, ownerKey, sessionID string, skip int64) (*stream.Replay, error) {
	r, err := s.streams.Resume(ctx, ownerKey, sessionID, skip)
	if err != nil {
		return nil, err
	}
	metrics.Resumes.WithLabelValues(string(r.State)).Inc()
	return r, nil
}

func (s *Service) Clear(ctx context.Context, ownerKey, sessionID string) error {
	if err := stream.ValidateSessionID(sessionID); err != nil {
		return err
	}
	return s.streams.Clear(ctx, ownerKey, sessionID)
}

// ResumeTimeout bounds a single resume connection.
func (s *Service) ResumeTimeout() time.Duration {
	return s.budget.Abort(budget.RouteResume)
}

// Wait blocks until every producer has finished.
func (s *Service) Wait() { s.wg.Wait() }
