package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// The upstream credential class exposes no structured tool channel, so tool
// definitions and invocations travel inside ordinary message content as a
// literal markup grammar the model is taught once per request:
//
//	<function_calls>
//	<invoke name="TOOL_NAME">
//	<parameter name="PARAM_NAME">VALUE</parameter>
//	</invoke>
//	</function_calls>
//
// The codec renders that grammar on the way out and parses it back out of
// the model's reply, stripping every well-formed block from the visible text.

const (
	funcCallsOpen  = "<function_calls>"
	funcCallsClose = "</function_calls>"
	invokeOpen     = "<invoke"
	invokeClose    = "</invoke>"
	paramOpen      = "<parameter"
	paramClose     = "</parameter>"

	resultsOpen  = "<function_results"
	resultsClose = "</function_results>"
)

// fillerContent stands in for an assistant reply that produced neither text
// nor tool calls. The external format requires non-empty assistant content.
const fillerContent = "Done."

const toolInstructions = `To use a tool, emit a block in exactly this format as part of your reply:

` + funcCallsOpen + `
<invoke name="TOOL_NAME">
<parameter name="PARAM_NAME">VALUE</parameter>
</invoke>
` + funcCallsClose + `

One block may contain several <invoke> elements. Results will be returned
to you inside ` + resultsOpen + `> blocks on the next turn. Never show,
quote, or mention these blocks to the user; they are removed from your
reply before the user sees it.`

// BuildContextBlock assembles the per-request context injected into the
// first user turn: the caller's system/identity text (which cannot occupy
// the real system slot) and, when tools were supplied, the tool roster plus
// the invocation instructions.
func BuildContextBlock(identity string, tools []Tool) string {
	var b strings.Builder

	if identity != "" {
		b.WriteString(identity)
	}

	if len(tools) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}

		b.WriteString("You have access to the following tools:\n")

		for _, tool := range tools {
			fn := tool.Function
			b.WriteString("- ")
			b.WriteString(fn.Name)

			if fn.Description != "" {
				b.WriteString(": ")
				b.WriteString(fn.Description)
			}

			if len(fn.Parameters) > 0 {
				fmt.Fprintf(&b, "\n  Parameters: %s", compactJSON(fn.Parameters))
			}

			b.WriteString("\n")
		}

		b.WriteString("\n")
		b.WriteString(toolInstructions)
	}

	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}

	return buf.String()
}

// EncodeToolCalls regenerates the markup for previously decoded tool calls.
// Encoding is deterministic: parameters are emitted in sorted key order, so
// the same records always produce byte-identical markup. That exact
// recurrence is what lets the model recognize its own prior invocations
// when the conversation is replayed.
func EncodeToolCalls(calls []ToolCall) string {
	var b strings.Builder

	b.WriteString(funcCallsOpen)
	b.WriteString("\n")

	for _, call := range calls {
		fmt.Fprintf(&b, "<invoke name=%q>\n", call.Function.Name)

		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err == nil {
			keys := make([]string, 0, len(args))
			for k := range args {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				fmt.Fprintf(&b, "<parameter name=%q>%s</parameter>\n", k, parameterValue(args[k]))
			}
		}

		b.WriteString(invokeClose)
		b.WriteString("\n")
	}

	b.WriteString(funcCallsClose)

	return b.String()
}

// parameterValue renders an argument as opaque text. Strings pass through
// untouched; anything else keeps its JSON form.
func parameterValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	return string(data)
}

// WrapToolResult marks a tool's result text so the model can correlate it
// with the invocation it answers. The upstream has no tool-result role, so
// the wrapped text is sent as an ordinary user turn.
func WrapToolResult(callID, content string) string {
	return fmt.Sprintf("%s call_id=%q>\n%s\n%s", resultsOpen, callID, content, resultsClose)
}

// DecodeResult is the structured form of a model reply: visible text with
// every well-formed markup block removed, plus the tool calls those blocks
// encoded.
type DecodeResult struct {
	Content    string
	HasContent bool
	ToolCalls  []ToolCall
}

// DecodeReply scans a reply for markup blocks, synthesizes one ToolCall per
// invoke element, and strips the matched spans from the visible text.
// Malformed spans are skipped, not fatal: the scanner advances past the
// offending open tag and keeps going, leaving that span in the text.
//
// Postcondition: the result carries visible content or tool calls, never
// neither. A tool-only reply has absent content (HasContent false); a fully
// empty reply gets minimal filler text.
func DecodeReply(reply string) DecodeResult {
	var (
		calls []ToolCall
		spans [][2]int
	)

	pos := 0
	for {
		i := strings.Index(reply[pos:], funcCallsOpen)
		if i < 0 {
			break
		}

		start := pos + i
		blockCalls, end, ok := parseBlock(reply, start+len(funcCallsOpen))
		if !ok {
			// Skip just the open tag and rescan; later blocks may
			// still be well formed.
			pos = start + len(funcCallsOpen)
			continue
		}

		calls = append(calls, blockCalls...)
		spans = append(spans, [2]int{start, end})
		pos = end
	}

	var b strings.Builder
	last := 0
	for _, span := range spans {
		b.WriteString(reply[last:span[0]])
		last = span[1]
	}
	b.WriteString(reply[last:])

	visible := strings.TrimSpace(b.String())

	res := DecodeResult{ToolCalls: calls}

	switch {
	case visible != "":
		res.Content = visible
		res.HasContent = true
	case len(calls) == 0:
		res.Content = fillerContent
		res.HasContent = true
	}

	return res
}

// parseBlock consumes the body of a <function_calls> block starting just
// past its open tag. It returns the decoded calls and the offset one past
// the closing tag, or ok=false if the block is malformed.
func parseBlock(src string, pos int) ([]ToolCall, int, bool) {
	var calls []ToolCall

	for {
		pos = skipSpace(src, pos)
		if pos >= len(src) {
			return nil, 0, false
		}

		if strings.HasPrefix(src[pos:], funcCallsClose) {
			return calls, pos + len(funcCallsClose), true
		}

		if !strings.HasPrefix(src[pos:], invokeOpen) {
			return nil, 0, false
		}

		call, next, ok := parseInvoke(src, pos)
		if !ok {
			return nil, 0, false
		}

		calls = append(calls, call)
		pos = next
	}
}

func parseInvoke(src string, pos int) (ToolCall, int, bool) {
	name, pos, ok := parseNameAttr(src, pos+len(invokeOpen))
	if !ok {
		return ToolCall{}, 0, false
	}

	// Parameter collection is last-write-wins on repeated names.
	params := make(map[string]any)

	for {
		pos = skipSpace(src, pos)
		if pos >= len(src) {
			return ToolCall{}, 0, false
		}

		if strings.HasPrefix(src[pos:], invokeClose) {
			args, err := json.Marshal(params)
			if err != nil {
				return ToolCall{}, 0, false
			}

			call := ToolCall{
				ID:   NewToolCallID(),
				Type: "function",
				Function: ToolCallFunction{
					Name:      name,
					Arguments: string(args),
				},
			}

			return call, pos + len(invokeClose), true
		}

		if !strings.HasPrefix(src[pos:], paramOpen) {
			return ToolCall{}, 0, false
		}

		pname, next, ok := parseNameAttr(src, pos+len(paramOpen))
		if !ok {
			return ToolCall{}, 0, false
		}

		end := strings.Index(src[next:], paramClose)
		if end < 0 {
			return ToolCall{}, 0, false
		}

		// Values are opaque text: no nested parsing, no type coercion.
		params[pname] = src[next : next+end]
		pos = next + end + len(paramClose)
	}
}

// parseNameAttr consumes `name="..."` plus the element's closing '>',
// starting just past the element's tag name.
func parseNameAttr(src string, pos int) (string, int, bool) {
	pos = skipSpace(src, pos)
	if !strings.HasPrefix(src[pos:], `name="`) {
		return "", 0, false
	}

	pos += len(`name="`)

	end := strings.IndexByte(src[pos:], '"')
	if end < 0 {
		return "", 0, false
	}

	name := src[pos : pos+end]
	pos += end + 1

	pos = skipSpace(src, pos)
	if pos >= len(src) || src[pos] != '>' {
		return "", 0, false
	}

	return name, pos + 1, true
}

func skipSpace(src string, pos int) int {
	for pos < len(src) {
		switch src[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		default:
			return pos
		}
	}

	return pos
}

// NewToolCallID generates a fresh id in the external format's convention.
func NewToolCallID() string {
	return "call_" + uuid.NewString()
}
