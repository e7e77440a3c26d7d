package security

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasic_Check(t *testing.T) {
	g := NewBasic(20, []string{" Ignore Previous ", ""})

	cases := []struct {
		name    string
		in      string
		block   bool
		cleaned string
	}{
		{"plain", "  hello \x00 ", false, "hello"},
		{"oversize", strings.Repeat("é", 21), true, strings.Repeat("é", 21)},
		{"exact limit", strings.Repeat("a", 20), false, strings.Repeat("a", 20)},
		{"phrase", "IGNORE previous", true, "IGNORE previous"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := g.Check(context.Background(), tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.block, v.ShouldBlock)
			assert.Equal(t, tc.cleaned, v.SanitizedInput)
			if tc.block {
				assert.NotEmpty(t, v.Reasons)
			} else {
				assert.Empty(t, v.Reasons)
			}
		})
	}
}

func TestBasic_CheckHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBasic(0, nil).Check(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
}
