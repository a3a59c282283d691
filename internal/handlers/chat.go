package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/Davincible/claude-bridge/internal/auth"
	"github.com/Davincible/claude-bridge/internal/bridge"
	"github.com/Davincible/claude-bridge/internal/config"
	"github.com/Davincible/claude-bridge/internal/relay"
)

// ChatHandler serves POST /v1/chat/completions: it translates the caller's
// OpenAI-style request into the upstream turn sequence, relays it, and
// translates the reply back.
type ChatHandler struct {
	config    *config.Manager
	converter *bridge.Converter
	engine    *relay.Engine
	logger    *slog.Logger
}

func NewChatHandler(cfg *config.Manager, converter *bridge.Converter, engine *relay.Engine, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		config:    cfg,
		converter: converter,
		engine:    engine,
		logger:    logger,
	}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "only POST is supported")
		return
	}

	var req bridge.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}

	turns, err := h.converter.Convert(req.Messages, req.Tools)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	cfg := h.config.Get()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.Upstream.DefaultMaxTokens
	}

	upstream := &relay.Request{
		Model:       cfg.ResolveModel(req.Model),
		System:      bridge.FixedSystemPrompt,
		Messages:    turns,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	h.logger.Info("Relaying chat completion",
		"model", req.Model,
		"upstream_model", upstream.Model,
		"turns", len(turns),
		"tools", len(req.Tools),
		"stream", req.Stream,
	)

	// Tool-bearing requests must be materialized before the markup can be
	// stripped safely; streaming the raw reply would leak partial markup
	// to the caller. The caller's stream request is honored afterwards
	// with a synthetic event pair.
	if req.Stream && len(req.Tools) == 0 {
		h.serveStream(w, r, &req, upstream)
		return
	}

	resp, err := h.engine.Complete(r.Context(), upstream)
	if err != nil {
		h.relayError(w, err)
		return
	}

	decoded := bridge.DecodeReply(resp.Text())
	out := h.buildResponse(&req, resp, decoded)

	if req.Stream {
		h.replayAsStream(w, out)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}

func (h *ChatHandler) buildResponse(req *bridge.ChatRequest, resp *relay.Response, decoded bridge.DecodeResult) *bridge.ChatResponse {
	finish := bridge.FinishStop
	switch {
	case len(decoded.ToolCalls) > 0:
		finish = bridge.FinishToolCalls
	case resp.StopReason == "max_tokens":
		finish = bridge.FinishLength
	}

	msg := bridge.ResponseMessage{
		Role:      bridge.RoleAssistant,
		ToolCalls: decoded.ToolCalls,
	}
	if decoded.HasContent {
		content := decoded.Content
		msg.Content = &content
	}

	usage := bridge.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage = h.estimateUsage(req, decoded.Content)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	return &bridge.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []bridge.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
		Usage: usage,
	}
}

// serveStream relays an upstream incremental delivery as OpenAI chunk
// frames. A mid-stream failure still terminates the sequence cleanly: an
// error frame followed by the end sentinel.
func (h *ChatHandler) serveStream(w http.ResponseWriter, r *http.Request, req *bridge.ChatRequest, upstream *relay.Request) {
	h.setStreamHeaders(w)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	first := true

	resp, err := h.engine.Stream(r.Context(), upstream, func(text string) {
		chunk := bridge.ChatChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []bridge.ChunkChoice{{Delta: bridge.Delta{Content: text}}},
		}
		if first {
			chunk.Choices[0].Delta.Role = bridge.RoleAssistant
			first = false
		}

		h.writeChunk(w, &chunk)
	})
	if err != nil {
		h.writeStreamError(w, err)
		return
	}

	finish := bridge.FinishStop
	if resp.StopReason == "max_tokens" {
		finish = bridge.FinishLength
	}

	final := bridge.ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   req.Model,
		Choices: []bridge.ChunkChoice{{FinishReason: &finish}},
		Usage: &bridge.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	h.writeChunk(w, &final)
	h.writeDone(w)
}

// replayAsStream satisfies a stream request whose reply was materialized in
// single-shot mode: one content event carrying the decoded result, one
// completion event, then the end sentinel.
func (h *ChatHandler) replayAsStream(w http.ResponseWriter, out *bridge.ChatResponse) {
	h.setStreamHeaders(w)

	choice := out.Choices[0]

	delta := bridge.Delta{
		Role:      bridge.RoleAssistant,
		ToolCalls: choice.Message.ToolCalls,
	}
	if choice.Message.Content != nil {
		delta.Content = *choice.Message.Content
	}

	h.writeChunk(w, &bridge.ChatChunk{
		ID:      out.ID,
		Object:  "chat.completion.chunk",
		Created: out.Created,
		Model:   out.Model,
		Choices: []bridge.ChunkChoice{{Delta: delta}},
	})

	finish := choice.FinishReason
	h.writeChunk(w, &bridge.ChatChunk{
		ID:      out.ID,
		Object:  "chat.completion.chunk",
		Created: out.Created,
		Model:   out.Model,
		Choices: []bridge.ChunkChoice{{FinishReason: &finish}},
		Usage:   &out.Usage,
	})
	h.writeDone(w)
}

func (h *ChatHandler) setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func (h *ChatHandler) writeChunk(w http.ResponseWriter, chunk *bridge.ChatChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		h.logger.Error("Failed to marshal stream chunk", "error", err)
		return
	}

	fmt.Fprintf(w, "data: %s\n\n", data)
	h.flush(w)
}

func (h *ChatHandler) writeDone(w http.ResponseWriter) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	h.flush(w)
}

func (h *ChatHandler) writeStreamError(w http.ResponseWriter, err error) {
	h.logger.Error("Stream failed", "error", err)

	body := bridge.ErrorResponse{Error: bridge.ErrorDetail{
		Message: err.Error(),
		Type:    "api_error",
	}}

	data, merr := json.Marshal(body)
	if merr == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
	}

	h.writeDone(w)
}

func (h *ChatHandler) flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// relayError maps bridge failures onto caller-visible statuses. Upstream
// errors pass through verbatim, credential failures surface as auth errors,
// everything else is a gateway fault.
func (h *ChatHandler) relayError(w http.ResponseWriter, err error) {
	var upstreamErr *relay.UpstreamError
	if errors.As(err, &upstreamErr) {
		h.logger.Error("Upstream error", "status", upstreamErr.Status)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upstreamErr.Status)
		w.Write(upstreamErr.Body)
		return
	}

	if errors.Is(err, auth.ErrCredentialUnavailable) || errors.Is(err, auth.ErrCredentialExpired) {
		h.writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
		return
	}

	h.writeError(w, http.StatusBadGateway, "api_error", err.Error())
}

func (h *ChatHandler) writeError(w http.ResponseWriter, status int, errType, message string) {
	h.logger.Error("Request failed", "status", status, "type", errType, "message", message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(bridge.ErrorResponse{Error: bridge.ErrorDetail{
		Message: message,
		Type:    errType,
	}})
}

// estimateUsage approximates token counts when the upstream reports none.
func (h *ChatHandler) estimateUsage(req *bridge.ChatRequest, completion string) bridge.Usage {
	tke, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		h.logger.Error("Failed to get tiktoken encoding", "error", err)
		return bridge.Usage{}
	}

	var prompt int
	for _, msg := range req.Messages {
		prompt += len(tke.Encode(msg.Text(), nil, nil))
	}

	return bridge.Usage{
		PromptTokens:     prompt,
		CompletionTokens: len(tke.Encode(completion, nil, nil)),
	}
}
