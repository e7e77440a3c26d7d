package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/budget"
	"github.com/suPer8Hu/ai-relay/internal/security"
	"github.com/suPer8Hu/ai-relay/internal/store/redisstore"
	"github.com/suPer8Hu/ai-relay/internal/stream"
)

const (
	testOwner   = "user:0123456789abcdef"
	testSession = "session-1234"
)

// scriptedEngine emits frags one at a time. When step is set each fragment
// waits for a tick; failAt is the index that errors instead of emitting.
type scriptedEngine struct {
	frags  []string
	failAt int
	step   chan struct{}
	last   ai.Request
}

func (e *scriptedEngine) Chat(ctx context.Context, req ai.Request) (string, error) {
	return strings.Join(e.frags, ""), nil
}

func (e *scriptedEngine) StreamChat(ctx context.Context, req ai.Request) (<-chan string, <-chan error) {
	e.last = req
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i, f := range e.frags {
			if e.step != nil {
				select {
				case <-e.step:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if i == e.failAt {
				errs <- errors.New("upstream returned 502")
				return
			}
			select {
			case chunks <- f:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

// hangingEngine never produces anything until ctx ends.
type hangingEngine struct{}

func (hangingEngine) Chat(ctx context.Context, req ai.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (hangingEngine) StreamChat(ctx context.Context, req ai.Request) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return chunks, errs
}

type fixture struct {
	svc *Service
	reg stream.Registry
	led stream.Ledger
}

func newFixture(t *testing.T, engine ai.Provider, calc budget.Calculator) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.NewWithClient(rdb, 10*time.Minute, time.Hour)

	reg := ai.NewRegistry()
	if engine != nil {
		reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
			return engine, nil
		})
	}

	ctl := stream.NewController(store.Registry(), store.Ledger(), 5*time.Millisecond)
	svc := NewService(context.Background(), reg, security.NewBasic(100, []string{"forbidden"}), ctl, Options{
		Provider:          "fake",
		ContextWindowSize: 20,
		Budget:            calc,
	})
	t.Cleanup(svc.Wait)
	return fixture{svc: svc, reg: store.Registry(), led: store.Ledger()}
}

func generousBudget() budget.Calculator {
	return budget.Calculator{DefaultMax: time.Minute, Reserve: time.Second, SoftTarget: 30 * time.Second, Floor: time.Second}
}

func userMessages(q string) []ai.Message {
	return []ai.Message{{Role: ai.RoleUser, Content: q}}
}

func collectFrames(t *testing.T, st *Stream) []Frame {
	t.Helper()
	var out []Frame
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-st.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatalf("stream did not finish, got %v", out)
		}
	}
}

func collectReplay(t *testing.T, r *stream.Replay) []string {
	t.Helper()
	var out []string
	timeout := time.After(3 * time.Second)
	for {
		select {
		case c, ok := <-r.Chunks():
			if !ok {
				return out
			}
			out = append(out, c.Data)
		case <-timeout:
			t.Fatalf("replay did not finish, got %v", out)
		}
	}
}

func waitForChunks(t *testing.T, led stream.Ledger, streamID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		chunks, err := led.Range(context.Background(), streamID, 0)
		return err == nil && len(chunks) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func frameTypes(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type)
	}
	return out
}

func TestStartStream_ForwardsAndCompletes(t *testing.T) {
	engine := &scriptedEngine{frags: []string{"a", "b", "c"}, failAt: -1}
	f := newFixture(t, engine, generousBudget())

	st, err := f.svc.StartStream(context.Background(), StreamRequest{
		OwnerKey: testOwner, SessionID: testSession, Messages: userMessages("  hi  "), EnableWebSearch: true,
	})
	require.NoError(t, err)
	assert.True(t, st.Resumable)

	frames := collectFrames(t, st)
	assert.Equal(t, []string{FrameStart, FrameChunk, FrameChunk, FrameChunk, FrameDone}, frameTypes(frames))
	for i, fr := range frames[1:4] {
		assert.Equal(t, int64(i), fr.Index)
	}
	assert.Equal(t, int64(3), frames[4].Chunks)

	assert.Equal(t, "hi", engine.last.Messages[0].Content)
	assert.True(t, engine.last.EnableWebSearch)

	state, err := f.led.Status(context.Background(), st.StreamID)
	require.NoError(t, err)
	assert.Equal(t, stream.StateCompleted, state)
}

func TestStartStream_ResumeMidStreamContinuesLive(t *testing.T) {
	engine := &scriptedEngine{frags: []string{"f1", "f2", "f3"}, failAt: -1, step: make(chan struct{})}
	f := newFixture(t, engine, generousBudget())
	ctx := context.Background()

	st, err := f.svc.StartStream(ctx, StreamRequest{OwnerKey: testOwner, SessionID: testSession, Messages: userMessages("q")})
	require.NoError(t, err)
	st.Detach()

	engine.step <- struct{}{}
	waitForChunks(t, f.led, st.StreamID, 1)

	r, err := f.svc.Resume(ctx, testOwner, testSession, 1)
	require.NoError(t, err)
	assert.Equal(t, stream.StateActive, r.State)

	engine.step <- struct{}{}
	engine.step <- struct{}{}

	assert.Equal(t, []string{"f2", "f3"}, collectReplay(t, r))
	assert.NoError(t, r.Err())
}

func TestStartStream_UpstreamErrorClearsStream(t *testing.T) {
	engine := &scriptedEngine{frags: []string{"f1", "f2", "f3"}, failAt: 2, step: make(chan struct{})}
	f := newFixture(t, engine, generousBudget())
	ctx := context.Background()

	st, err := f.svc.StartStream(ctx, StreamRequest{OwnerKey: testOwner, SessionID: testSession, Messages: userMessages("q")})
	require.NoError(t, err)

	engine.step <- struct{}{}
	waitForChunks(t, f.led, st.StreamID, 1)

	r, err := f.svc.Resume(ctx, testOwner, testSession, 1)
	require.NoError(t, err)

	engine.step <- struct{}{}
	select {
	case c := <-r.Chunks():
		assert.Equal(t, "f2", c.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not receive f2")
	}
	engine.step <- struct{}{}

	assert.Empty(t, collectReplay(t, r))
	assert.ErrorIs(t, r.Err(), stream.ErrGone)

	frames := collectFrames(t, st)
	assert.Equal(t, []string{FrameStart, FrameChunk, FrameChunk, FrameError}, frameTypes(frames))
	assert.Equal(t, CodeUpstreamError, frames[3].Code)

	again, err := f.svc.Resume(ctx, testOwner, testSession, 0)
	require.NoError(t, err)
	assert.Equal(t, stream.StateAbsent, again.State)
}

func TestStartStream_ClearedMidStreamStopsUpstream(t *testing.T) {
	engine := &scriptedEngine{frags: []string{"f1", "f2", "f3"}, failAt: -1, step: make(chan struct{})}
	f := newFixture(t, engine, generousBudget())
	ctx := context.Background()

	st, err := f.svc.StartStream(ctx, StreamRequest{OwnerKey: testOwner, SessionID: testSession, Messages: userMessages("q")})
	require.NoError(t, err)

	engine.step <- struct{}{}
	waitForChunks(t, f.led, st.StreamID, 1)
	require.NoError(t, f.svc.Clear(ctx, testOwner, testSession))

	// f2 is refused by the ledger; the third step is never sent, so the
	// frames only close if upstream was cancelled
	engine.step <- struct{}{}

	frames := collectFrames(t, st)
	assert.Equal(t, []string{FrameStart, FrameChunk, FrameError}, frameTypes(frames))
	assert.Equal(t, CodeInterrupted, frames[2].Code)

	chunks, err := f.led.Range(ctx, st.StreamID, 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	state, err := f.led.Status(ctx, st.StreamID)
	require.NoError(t, err)
	assert.Equal(t, stream.StateAbsent, state)
}

func TestStartStream_AbortDeadline(t *testing.T) {
	calc := budget.Calculator{DefaultMax: time.Second, SoftTarget: 50 * time.Millisecond, Floor: 10 * time.Millisecond}
	f := newFixture(t, hangingEngine{}, calc)

	st, err := f.svc.StartStream(context.Background(), StreamRequest{OwnerKey: testOwner, SessionID: testSession, Messages: userMessages("q")})
	require.NoError(t, err)

	frames := collectFrames(t, st)
	require.Len(t, frames, 2)
	assert.Equal(t, CodeTimeout, frames[1].Code)
	assert.Equal(t, "AI response timed out", frames[1].Message)

	_, err = f.reg.Get(context.Background(), testOwner, testSession)
	require.ErrorIs(t, err, stream.ErrNoRecord)
}

func TestStartStream_DetachedProducerStillCompletes(t *testing.T) {
	engine := &scriptedEngine{frags: []string{"x", "y"}, failAt: -1}
	f := newFixture(t, engine, generousBudget())
	ctx := context.Background()

	st, err := f.svc.StartStream(ctx, StreamRequest{OwnerKey: testOwner, SessionID: testSession, Messages: userMessages("q")})
	require.NoError(t, err)
	st.Detach()
	f.svc.Wait()

	r, err := f.svc.Resume(ctx, testOwner, testSession, 0)
	require.NoError(t, err)
	assert.Equal(t, stream.StateCompleted, r.State)
	assert.Equal(t, []string{"x", "y"}, collectReplay(t, r))
}

func TestStartStream_EngineNotConfigured(t *testing.T) {
	f := newFixture(t, nil, generousBudget())

	st, err := f.svc.StartStream(context.Background(), StreamRequest{OwnerKey: testOwner, SessionID: testSession, Messages: userMessages("q")})
	require.NoError(t, err)
	assert.False(t, st.Resumable)

	frames := collectFrames(t, st)
	require.Len(t, frames, 1)
	assert.Equal(t, CodeUpstreamUnavailable, frames[0].Code)

	_, err = f.reg.Get(context.Background(), testOwner, testSession)
	require.ErrorIs(t, err, stream.ErrNoRecord)
}

func TestStartStream_RejectsBeforeAllocating(t *testing.T) {
	f := newFixture(t, &scriptedEngine{failAt: -1}, generousBudget())
	ctx := context.Background()

	cases := []struct {
		name    string
		session string
		msgs    []ai.Message
		want    error
	}{
		{"short session", "abc", userMessages("q"), stream.ErrInvalidSession},
		{"empty query", testSession, userMessages("   "), ErrEmptyQuery},
		{"no user message", testSession, []ai.Message{{Role: ai.RoleSystem, Content: "s"}}, ErrEmptyQuery},
		{"blocked", testSession, userMessages("this is Forbidden"), ErrBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.StartStream(ctx, StreamRequest{OwnerKey: testOwner, SessionID: tc.session, Messages: tc.msgs})
			require.ErrorIs(t, err, tc.want)

			_, err = f.reg.Get(ctx, testOwner, tc.session)
			require.ErrorIs(t, err, stream.ErrNoRecord)
		})
	}
}

func TestBlockedErrorCarriesReasons(t *testing.T) {
	f := newFixture(t, &scriptedEngine{failAt: -1}, generousBudget())
	_, err := f.svc.Prepare(context.Background(), userMessages("forbidden"))

	var be *BlockedError
	require.ErrorAs(t, err, &be)
	assert.NotEmpty(t, be.Reasons)
}

func TestTrimContext(t *testing.T) {
	msgs := []ai.Message{
		{Role: ai.RoleSystem, Content: "sys"},
		{Role: ai.RoleUser, Content: "u1"},
		{Role: ai.RoleAssistant, Content: "a1"},
		{Role: ai.RoleSystem, Content: "sys2"},
		{Role: ai.RoleUser, Content: "u2"},
		{Role: ai.RoleAssistant, Content: "a2"},
		{Role: ai.RoleUser, Content: "u3"},
	}

	got := TrimContext(msgs, 3)
	want := []string{"sys", "sys2", "u2", "a2", "u3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i, m := range got {
		if m.Content != want[i] {
			t.Fatalf("message %d: expected %q, got %q", i, want[i], m.Content)
		}
	}

	if n := len(TrimContext(msgs, 100)); n != len(msgs) {
		t.Fatalf("large window should keep everything, got %d", n)
	}
	if n := len(TrimContext(msgs, 0)); n != 2 {
		t.Fatalf("zero window should keep only system messages, got %d", n)
	}
	for _, w := range []int{-1, -5, -10} {
		got := TrimContext([]ai.Message{{Role: ai.RoleSystem, Content: "sys"}, {Role: ai.RoleUser, Content: "u"}}, w)
		if len(got) != 1 || got[0].Content != "sys" {
			t.Fatalf("window %d should keep only system messages, got %+v", w, got)
		}
	}
}
