package bridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConverter() *Converter {
	return NewConverter(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func textMsg(role, text string) ChatMessage {
	raw, _ := json.Marshal(text)
	return ChatMessage{Role: role, Content: json.RawMessage(raw)}
}

func TestConvert_EmptyMessagesRejected(t *testing.T) {
	_, err := testConverter().Convert(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyMessages)
}

func TestConvert_SimpleConversation(t *testing.T) {
	turns, err := testConverter().Convert([]ChatMessage{
		textMsg(RoleUser, "hello"),
		textMsg(RoleAssistant, "hi there"),
		textMsg(RoleUser, "how are you?"),
	}, nil)
	require.NoError(t, err)

	require.Len(t, turns, 3)
	assert.Equal(t, Turn{Role: RoleUser, Content: "hello"}, turns[0])
	assert.Equal(t, Turn{Role: RoleAssistant, Content: "hi there"}, turns[1])
	assert.Equal(t, Turn{Role: RoleUser, Content: "how are you?"}, turns[2])
}

func TestConvert_NoSameRoleAdjacency(t *testing.T) {
	tests := []struct {
		name     string
		messages []ChatMessage
	}{
		{
			name: "consecutive users",
			messages: []ChatMessage{
				textMsg(RoleUser, "one"),
				textMsg(RoleUser, "two"),
				textMsg(RoleAssistant, "reply"),
			},
		},
		{
			name: "tool result after user",
			messages: []ChatMessage{
				textMsg(RoleUser, "go"),
				textMsg(RoleAssistant, "acting"),
				{Role: RoleTool, ToolCallID: "call_1", Content: json.RawMessage(`"result"`)},
				textMsg(RoleUser, "continue"),
			},
		},
		{
			name: "system then everything doubled",
			messages: []ChatMessage{
				textMsg(RoleSystem, "be brief"),
				textMsg(RoleUser, "a"),
				textMsg(RoleUser, "b"),
				textMsg(RoleAssistant, "c"),
				textMsg(RoleAssistant, "d"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turns, err := testConverter().Convert(tt.messages, nil)
			require.NoError(t, err)

			for i := 1; i < len(turns); i++ {
				assert.NotEqual(t, turns[i-1].Role, turns[i].Role,
					"turns %d and %d share role %s", i-1, i, turns[i].Role)
			}
		})
	}
}

func TestConvert_SystemContentMovesIntoFirstUserTurn(t *testing.T) {
	turns, err := testConverter().Convert([]ChatMessage{
		textMsg(RoleSystem, "You are a pirate."),
		textMsg(RoleSystem, "Speak in rhyme."),
		textMsg(RoleUser, "hello"),
	}, nil)
	require.NoError(t, err)

	require.Len(t, turns, 1)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Contains(t, turns[0].Content, "You are a pirate.")
	assert.Contains(t, turns[0].Content, "Speak in rhyme.")
	assert.Contains(t, turns[0].Content, "hello")
}

func TestConvert_ContextBlockInjectedOnlyOnce(t *testing.T) {
	tools := []Tool{{Type: "function", Function: ToolFunction{Name: "get_weather"}}}

	turns, err := testConverter().Convert([]ChatMessage{
		textMsg(RoleUser, "first"),
		textMsg(RoleAssistant, "ok"),
		textMsg(RoleUser, "second"),
	}, tools)
	require.NoError(t, err)

	require.Len(t, turns, 3)
	assert.Contains(t, turns[0].Content, "get_weather")
	assert.NotContains(t, turns[2].Content, "get_weather")
}

func TestConvert_HistoryReconstructsToolMarkup(t *testing.T) {
	messages := []ChatMessage{
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: ToolCallFunction{
					Name:      "get_weather",
					Arguments: `{"city":"Tokyo"}`,
				},
			}},
		},
		textMsg(RoleUser, "and in Osaka?"),
	}

	turns, err := testConverter().Convert(messages, nil)
	require.NoError(t, err)

	var assistant *Turn
	for i := range turns {
		if turns[i].Role == RoleAssistant {
			assistant = &turns[i]
		}
	}
	require.NotNil(t, assistant)

	assert.Contains(t, assistant.Content, `<invoke name="get_weather">`)
	assert.Contains(t, assistant.Content, `<parameter name="city">Tokyo</parameter>`)
}

func TestConvert_AssistantTextAndToolCallsCombined(t *testing.T) {
	messages := []ChatMessage{
		textMsg(RoleUser, "weather?"),
		{
			Role:    RoleAssistant,
			Content: json.RawMessage(`"Let me look."`),
			ToolCalls: []ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: ToolCallFunction{Name: "get_weather", Arguments: `{"city":"Tokyo"}`},
			}},
		},
	}

	turns, err := testConverter().Convert(messages, nil)
	require.NoError(t, err)

	require.Len(t, turns, 2)
	assert.Contains(t, turns[1].Content, "Let me look.")
	assert.Contains(t, turns[1].Content, `<invoke name="get_weather">`)
}

func TestConvert_ToolResultBecomesMarkedUserTurn(t *testing.T) {
	turns, err := testConverter().Convert([]ChatMessage{
		textMsg(RoleUser, "go"),
		textMsg(RoleAssistant, "acting"),
		{Role: RoleTool, ToolCallID: "call_42", Content: json.RawMessage(`"sunny"`)},
	}, nil)
	require.NoError(t, err)

	require.Len(t, turns, 3)
	assert.Equal(t, RoleUser, turns[2].Role)
	assert.Contains(t, turns[2].Content, `call_id="call_42"`)
	assert.Contains(t, turns[2].Content, "sunny")
}

func TestConvert_UnrecognizedRoleDropped(t *testing.T) {
	turns, err := testConverter().Convert([]ChatMessage{
		textMsg(RoleUser, "hello"),
		textMsg("narrator", "meanwhile..."),
	}, nil)
	require.NoError(t, err)

	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].Content)
}

func TestConvert_MultiPartContentFlattened(t *testing.T) {
	content := json.RawMessage(`[{"type":"text","text":"part one. "},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"part two."}]`)

	turns, err := testConverter().Convert([]ChatMessage{
		{Role: RoleUser, Content: content},
	}, nil)
	require.NoError(t, err)

	require.Len(t, turns, 1)
	assert.Equal(t, "part one. part two.", turns[0].Content)
}

func TestConvert_NoUserTurnGetsPrependedContext(t *testing.T) {
	tools := []Tool{{Type: "function", Function: ToolFunction{Name: "lookup"}}}

	turns, err := testConverter().Convert([]ChatMessage{
		textMsg(RoleAssistant, "previous reply"),
	}, tools)
	require.NoError(t, err)

	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Contains(t, turns[0].Content, "lookup")
	assert.Equal(t, RoleAssistant, turns[1].Role)
}
