package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	ctx := map[string]any{
		"thread_id": "t-1",
		"error":     map[string]any{"status_code": 503, "message": "upstream"},
		"list":      []any{"a", "b"},
		"tmpl":      "${thread_id}",
	}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"plain", "no tokens", "no tokens"},
		{"mixed", "thread ${thread_id} failed: ${error.message}", "thread t-1 failed: upstream"},
		{"whole preserves type", "${error.status_code}", 503},
		{"whole preserves list", "${list}", []any{"a", "b"}},
		{"absent mixed", "x=${nope}!", "x=!"},
		{"absent whole", "${nope}", ""},
		{"escaped dollar", "cost $$5 for ${thread_id}", "cost $5 for t-1"},
		{"escaped token", "$${thread_id}", "${thread_id}"},
		{"single pass", "value: ${tmpl}", "value: ${thread_id}"},
		{"unterminated", "${thread_id", "${thread_id"},
		{"trailing dollar", "cost$", "cost$"},
		{"non string", 42, 42},
		{
			"nested map",
			map[string]any{"id": "${thread_id}", "args": []any{"${error.status_code}", "code ${error.status_code}"}},
			map[string]any{"id": "t-1", "args": []any{503, "code 503"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.in, ctx))
		})
	}
}

func TestRenderAlwaysString(t *testing.T) {
	ctx := map[string]any{"n": 2.5}
	assert.Equal(t, "2.5", Render("${n}", ctx))
}
