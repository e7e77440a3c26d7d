package chat

import "github.com/suPer8Hu/ai-relay/internal/ai"

// TrimContext keeps every system message plus the most recent window
// non-system messages, in their original order. A non-positive window keeps
// only system messages.
func TrimContext(msgs []ai.Message, window int) []ai.Message {
	keepFrom := len(msgs)
	seen := 0
	for i := len(msgs) - 1; i >= 0 && seen < window; i-- {
		if msgs[i].Role != ai.RoleSystem {
			seen++
			keepFrom = i
		}
	}

	out := make([]ai.Message, 0, min(len(msgs), max(window, 0)+4))
	for i, m := range msgs {
		if m.Role == ai.RoleSystem || i >= keepFrom {
			out = append(out, m)
		}
	}
	return out
}

// lastUserIndex returns the index of the final user message, or -1.
func lastUserIndex(msgs []ai.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == ai.RoleUser {
			return i
		}
	}
	return -1
}
