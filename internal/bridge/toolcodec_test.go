package bridge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReply_ScenarioReply(t *testing.T) {
	reply := "I'll check.<function_calls><invoke name=\"get_weather\"><parameter name=\"city\">Tokyo</parameter></invoke></function_calls>"

	res := DecodeReply(reply)

	assert.True(t, res.HasContent)
	assert.Equal(t, "I'll check.", res.Content)

	require.Len(t, res.ToolCalls, 1)
	call := res.ToolCalls[0]
	assert.Equal(t, "get_weather", call.Function.Name)
	assert.Equal(t, "function", call.Type)
	assert.NotEmpty(t, call.ID)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(call.Function.Arguments), &args))
	assert.Equal(t, map[string]any{"city": "Tokyo"}, args)
}

func TestDecodeReply_StrippingIsComplete(t *testing.T) {
	reply := "before\n" +
		"<function_calls>\n<invoke name=\"a\">\n<parameter name=\"x\">1</parameter>\n</invoke>\n</function_calls>\n" +
		"middle\n" +
		"<function_calls>\n<invoke name=\"b\">\n</invoke>\n</function_calls>\n" +
		"after"

	res := DecodeReply(reply)

	assert.NotContains(t, res.Content, "<function_calls>")
	assert.NotContains(t, res.Content, "</function_calls>")
	assert.Contains(t, res.Content, "before")
	assert.Contains(t, res.Content, "middle")
	assert.Contains(t, res.Content, "after")
	assert.Len(t, res.ToolCalls, 2)
}

func TestDecodeReply_MalformedSpanSkipped(t *testing.T) {
	// The first block is unterminated; the scanner must advance past its
	// open tag and still parse the later well-formed block.
	reply := "text <function_calls><invoke name=\"broken\"> more text " +
		"<function_calls>\n<invoke name=\"ok\">\n<parameter name=\"k\">v</parameter>\n</invoke>\n</function_calls> tail"

	res := DecodeReply(reply)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "ok", res.ToolCalls[0].Function.Name)
	// The malformed span stays in the visible text.
	assert.Contains(t, res.Content, "<function_calls><invoke name=\"broken\">")
	assert.Contains(t, res.Content, "tail")
}

func TestDecodeReply_RepeatedParameterLastWriteWins(t *testing.T) {
	reply := "<function_calls>\n<invoke name=\"t\">\n" +
		"<parameter name=\"x\">first</parameter>\n" +
		"<parameter name=\"x\">second</parameter>\n" +
		"</invoke>\n</function_calls>"

	res := DecodeReply(reply)

	require.Len(t, res.ToolCalls, 1)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.ToolCalls[0].Function.Arguments), &args))
	assert.Equal(t, "second", args["x"])
}

func TestDecodeReply_ToolOnlyReplyHasAbsentContent(t *testing.T) {
	reply := "<function_calls>\n<invoke name=\"t\">\n</invoke>\n</function_calls>"

	res := DecodeReply(reply)

	assert.False(t, res.HasContent)
	assert.Empty(t, res.Content)
	assert.Len(t, res.ToolCalls, 1)
}

func TestDecodeReply_EmptyReplyGetsFiller(t *testing.T) {
	res := DecodeReply("   \n  ")

	assert.True(t, res.HasContent)
	assert.Equal(t, "Done.", res.Content)
	assert.Empty(t, res.ToolCalls)
}

func TestDecodeReply_UniqueIDsWithinReply(t *testing.T) {
	reply := "<function_calls>\n<invoke name=\"a\">\n</invoke>\n<invoke name=\"b\">\n</invoke>\n</function_calls>"

	res := DecodeReply(reply)

	require.Len(t, res.ToolCalls, 2)
	assert.NotEqual(t, res.ToolCalls[0].ID, res.ToolCalls[1].ID)
}

func TestEncodeToolCalls_Deterministic(t *testing.T) {
	calls := []ToolCall{{
		ID:   "call_1",
		Type: "function",
		Function: ToolCallFunction{
			Name:      "search",
			Arguments: `{"query":"go","limit":3,"zebra":"last","alpha":"first"}`,
		},
	}}

	first := EncodeToolCalls(calls)
	second := EncodeToolCalls(calls)

	assert.Equal(t, first, second, "encoding must be byte-identical across calls")
	assert.Contains(t, first, `<invoke name="search">`)

	// Parameters are emitted in sorted key order.
	alpha := indexOf(t, first, `name="alpha"`)
	limit := indexOf(t, first, `name="limit"`)
	query := indexOf(t, first, `name="query"`)
	zebra := indexOf(t, first, `name="zebra"`)
	assert.Less(t, alpha, limit)
	assert.Less(t, limit, query)
	assert.Less(t, query, zebra)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := []ToolCall{{
		ID:   "call_abc",
		Type: "function",
		Function: ToolCallFunction{
			Name:      "get_weather",
			Arguments: `{"city":"Tokyo","unit":"celsius"}`,
		},
	}}

	res := DecodeReply(EncodeToolCalls(original))

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "get_weather", res.ToolCalls[0].Function.Name)

	var want, got map[string]any
	require.NoError(t, json.Unmarshal([]byte(original[0].Function.Arguments), &want))
	require.NoError(t, json.Unmarshal([]byte(res.ToolCalls[0].Function.Arguments), &got))
	assert.Equal(t, want, got)
}

func TestBuildContextBlock(t *testing.T) {
	tools := []Tool{{
		Type: "function",
		Function: ToolFunction{
			Name:        "get_weather",
			Description: "Get current weather",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		},
	}}

	block := BuildContextBlock("You are a travel agent.", tools)

	assert.Contains(t, block, "You are a travel agent.")
	assert.Contains(t, block, "get_weather: Get current weather")
	assert.Contains(t, block, funcCallsOpen)
	assert.Contains(t, block, "Never show")
}

func TestBuildContextBlock_NoToolsNoInstructions(t *testing.T) {
	block := BuildContextBlock("identity only", nil)

	assert.Equal(t, "identity only", block)
	assert.NotContains(t, block, funcCallsOpen)
}

func TestBuildContextBlock_Empty(t *testing.T) {
	assert.Empty(t, BuildContextBlock("", nil))
}

func TestWrapToolResult(t *testing.T) {
	wrapped := WrapToolResult("call_1", "sunny, 22C")

	assert.Contains(t, wrapped, `call_id="call_1"`)
	assert.Contains(t, wrapped, "sunny, 22C")
	assert.Contains(t, wrapped, resultsClose)
}

func indexOf(t *testing.T, s, sub string) int {
	t.Helper()

	i := strings.Index(s, sub)
	require.NotEqual(t, -1, i, "substring %q not found", sub)
	return i
}
