package bridge

import (
	"errors"
	"log/slog"
	"strings"
)

// FixedSystemPrompt is the only system string the upstream accepts for this
// credential class. Any deviation is silently rejected, so caller-supplied
// system content is folded into the conversation body instead.
const FixedSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// ErrEmptyMessages rejects a request with no messages before any upstream
// call is made.
var ErrEmptyMessages = errors.New("messages must not be empty")

// Converter maps the caller's multi-role conversation onto the upstream's
// two-role turn sequence.
type Converter struct {
	logger *slog.Logger
}

func NewConverter(logger *slog.Logger) *Converter {
	return &Converter{logger: logger}
}

// Convert partitions the external messages by role, collapses them onto
// user/assistant turns, merges same-role neighbors, and injects the context
// block (identity text plus tool instructions) into the first user turn.
//
// Assistant messages that carried tool calls are reconstructed with their
// exact invocation markup rather than a placeholder. Shown a vague summary
// of its own past action, the model fails to recognize that it already
// acted and announces the same tool call over and over; replaying the
// literal markup restores its grounding.
func (c *Converter) Convert(messages []ChatMessage, tools []Tool) ([]Turn, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyMessages
	}

	var (
		systemParts []string
		turns       []Turn
	)

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}

		case RoleUser:
			turns = append(turns, Turn{Role: RoleUser, Content: msg.Text()})

		case RoleAssistant:
			content := msg.Text()
			if len(msg.ToolCalls) > 0 {
				markup := EncodeToolCalls(msg.ToolCalls)
				if content != "" {
					content = content + "\n\n" + markup
				} else {
					content = markup
				}
			}

			if content == "" {
				c.logger.Debug("Dropping empty assistant message")
				continue
			}

			turns = append(turns, Turn{Role: RoleAssistant, Content: content})

		case RoleTool:
			turns = append(turns, Turn{
				Role:    RoleUser,
				Content: WrapToolResult(msg.ToolCallID, msg.Text()),
			})

		default:
			c.logger.Warn("Dropping message with unrecognized role", "role", msg.Role)
		}
	}

	turns = mergeAdjacent(turns)

	if context := BuildContextBlock(strings.Join(systemParts, "\n\n"), tools); context != "" {
		turns = injectContext(turns, context)
	}

	return turns, nil
}

// mergeAdjacent concatenates consecutive same-role turns; the upstream
// rejects same-role adjacency. The blank-line separator is a compatibility
// choice, not a semantic one.
func mergeAdjacent(turns []Turn) []Turn {
	merged := make([]Turn, 0, len(turns))

	for _, turn := range turns {
		if n := len(merged); n > 0 && merged[n-1].Role == turn.Role {
			merged[n-1].Content = merged[n-1].Content + "\n\n" + turn.Content
			continue
		}

		merged = append(merged, turn)
	}

	return merged
}

// injectContext prepends the context block to the first user turn. It is
// placed once per request, never duplicated into later turns. When no user
// turn exists, a new one is prepended to carry it.
func injectContext(turns []Turn, context string) []Turn {
	for i := range turns {
		if turns[i].Role == RoleUser {
			if turns[i].Content == "" {
				turns[i].Content = context
			} else {
				turns[i].Content = context + "\n\n" + turns[i].Content
			}

			return turns
		}
	}

	return append([]Turn{{Role: RoleUser, Content: context}}, turns...)
}
