// Package security is the input gate consulted before any stream or job is
// created. Real deployments put a prompt-injection and PII filter behind
// Gate; Basic covers size limits and a phrase blocklist.
package security

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

type Verdict struct {
	SanitizedInput string
	ShouldBlock    bool
	Reasons        []string
}

type Gate interface {
	Check(ctx context.Context, raw string) (Verdict, error)
}

// SafeMessage is what a blocked caller is told.
const SafeMessage = "your message could not be processed, please rephrase it"

type Basic struct {
	MaxChars       int
	BlockedPhrases []string
}

func NewBasic(maxChars int, blocked []string) *Basic {
	phrases := make([]string, 0, len(blocked))
	for _, p := range blocked {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Basic{MaxChars: maxChars, BlockedPhrases: phrases}
}

func (g *Basic) Check(ctx context.Context, raw string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	// strip NULs and other C0 controls except tab and newlines
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, raw)
	v := Verdict{SanitizedInput: strings.TrimSpace(cleaned)}

	if g.MaxChars > 0 {
		if n := utf8.RuneCountInString(v.SanitizedInput); n > g.MaxChars {
			v.ShouldBlock = true
			v.Reasons = append(v.Reasons, fmt.Sprintf("query too long: %d > %d characters", n, g.MaxChars))
		}
	}

	lower := strings.ToLower(v.SanitizedInput)
	for _, p := range g.BlockedPhrases {
		if strings.Contains(lower, p) {
			v.ShouldBlock = true
			v.Reasons = append(v.Reasons, "blocked phrase: "+p)
		}
	}
	return v, nil
}
