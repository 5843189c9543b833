package threads

import "github.com/everydev1618/threads/llm"

// DefaultContinuationMessage closes the carried context of a handoff.
const DefaultContinuationMessage = "Continue executing the directive. Pick up where the previous thread left off."

// carriedContextNote opens a carried window that would otherwise start with
// the model's own turn.
const carriedContextNote = "Context carried over from the previous thread follows."

// TrailingMessages selects the newest messages whose estimated tokens fit in
// ceiling, always keeping at least the last one, and appends the continuation
// message. A window that starts on a tool result is widened back to the
// assistant message that issued the call, and a window that opens on an
// assistant message is prefixed with a user note so the seed still alternates.
func TrailingMessages(msgs []llm.Message, ceiling int, continuation string) []llm.Message {
	if continuation == "" {
		continuation = DefaultContinuationMessage
	}
	start := len(msgs)
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		n := llm.EstimateTokens(msgs[i].Content)
		if used+n > ceiling {
			break
		}
		used += n
		start = i
	}
	if start == len(msgs) && len(msgs) > 0 {
		start = len(msgs) - 1
	}
	for start > 0 && start < len(msgs) && msgs[start].Role == llm.RoleTool {
		start--
	}
	// A system message never belongs to the carried window.
	for start < len(msgs) && msgs[start].Role == llm.RoleSystem {
		start++
	}

	var out []llm.Message
	if start < len(msgs) && msgs[start].Role != llm.RoleUser {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: carriedContextNote})
	}
	out = append(out, msgs[start:]...)
	return append(out, llm.Message{Role: llm.RoleUser, Content: continuation})
}
