package chat

// Frame types written on the wire as SSE event names.
const (
	FrameStart = "start"
	FrameChunk = "chunk"
	FrameDone  = "done"
	FrameError = "error"
)

// In-stream error codes.
const (
	CodeUpstreamError       = "upstream_error"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeTimeout             = "timeout"
	CodeInterrupted         = "interrupted"
	CodeStreamGone          = "stream_gone"
)

const msgTimedOut = "AI response timed out"

// Frame is one protocol event on a stream. Only the fields relevant to Type
// are set; Payload renders them.
type Frame struct {
	Type      string
	StreamID  string
	SessionID string
	Resumable bool
	Index     int64
	Delta     string
	Chunks    int64
	Code      string
	Message   string
}

func (f Frame) Payload() map[string]any {
	switch f.Type {
	case FrameStart:
		return map[string]any{
			"type":       f.Type,
			"stream_id":  f.StreamID,
			"session_id": f.SessionID,
			"resumable":  f.Resumable,
		}
	case FrameChunk:
		return map[string]any{"type": f.Type, "index": f.Index, "delta": f.Delta}
	case FrameDone:
		return map[string]any{"type": f.Type, "stream_id": f.StreamID, "chunks": f.Chunks}
	default:
		return map[string]any{"type": f.Type, "code": f.Code, "message": f.Message}
	}
}

func errorFrame(code, msg string) Frame {
	return Frame{Type: FrameError, Code: code, Message: msg}
}
