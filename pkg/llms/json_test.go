package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uxmcp/uxmcp/pkg/errs"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"bare array", `[1,2]`, `[1,2]`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no language", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around object", `Here you go: {"a":1} hope that helps`, `{"a":1}`},
		{"leading whitespace", "\n\n  {\"a\": 1}", `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := ExtractJSON(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

func TestExtractJSON_Invalid(t *testing.T) {
	for _, in := range []string{"", "just prose", "{broken", "```\nnot json\n```"} {
		_, err := ExtractJSON(in)
		require.Error(t, err, "input %q", in)
		assert.Equal(t, errs.KindBadJSON, errs.KindOf(err))
	}
}

func TestScripted_ReplaysInOrder(t *testing.T) {
	s := NewScripted().
		RespondToolCalls(ToolCall{ID: "c1", Name: "add", Arguments: `{"a":1,"b":2}`}).
		RespondText("done")

	r1, err := s.Complete(t.Context(), Request{})
	require.NoError(t, err)
	require.Len(t, r1.ToolCalls, 1)

	r2, err := s.Complete(t.Context(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", r2.Text)

	_, err = s.Complete(t.Context(), Request{})
	require.Error(t, err, "script exhausted")
	assert.Len(t, s.Calls(), 3)
}
