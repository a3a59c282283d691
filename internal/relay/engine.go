package relay

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/Davincible/claude-bridge/internal/auth"
	"github.com/Davincible/claude-bridge/internal/bridge"
)

const (
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"

	apiVersion = "2023-06-01"
	oauthBeta  = "oauth-2025-04-20"
)

// Request is the upstream wire shape. System always carries the fixed
// required string; the caller's system content never reaches this field.
type Request struct {
	Model       string        `json:"model"`
	System      string        `json:"system"`
	Messages    []bridge.Turn `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// Response is the materialized upstream reply.
type Response struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Text concatenates the reply's text blocks.
func (r *Response) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	return b.String()
}

// UpstreamError carries a non-success upstream status and body, forwarded
// to the caller verbatim. The engine never retries.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

// CredentialSource yields the credential attached to each upstream call.
type CredentialSource interface {
	Resolve(ctx context.Context) (auth.Credential, error)
}

// Engine issues translated requests to the upstream endpoint, in either
// single-shot or incremental delivery.
type Engine struct {
	endpoint string
	client   *http.Client
	creds    CredentialSource
	logger   *slog.Logger
}

func NewEngine(endpoint string, creds CredentialSource, logger *slog.Logger) *Engine {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	return &Engine{
		endpoint: endpoint,
		client:   http.DefaultClient,
		creds:    creds,
		logger:   logger,
	}
}

// Complete issues one upstream call and returns the fully materialized
// reply.
func (e *Engine) Complete(ctx context.Context, req *Request) (*Response, error) {
	req.Stream = false

	resp, err := e.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := e.readBody(resp)
	if err != nil {
		return nil, err
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}

	return &out, nil
}

// Stream issues an upstream call with incremental delivery and invokes emit
// for each text fragment in arrival order. The accumulated reply is
// returned once the event sequence terminates. Cancelling ctx (the caller
// disconnecting) tears down the upstream connection.
func (e *Engine) Stream(ctx context.Context, req *Request, emit func(text string)) (*Response, error) {
	req.Stream = true

	resp, err := e.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader, err := e.decompress(resp)
	if err != nil {
		return nil, err
	}

	var (
		out  Response
		text strings.Builder
	)

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			e.logger.Warn("Skipping unparseable stream event", "error", err)
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				out.ID = event.Message.ID
				out.Model = event.Message.Model
				out.Usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				text.WriteString(event.Delta.Text)
				emit(event.Delta.Text)
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				out.StopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				out.Usage.OutputTokens = event.Usage.OutputTokens
			}
		case "error":
			if event.Error != nil {
				return nil, fmt.Errorf("upstream stream error: %s", event.Error.Message)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read upstream stream: %w", err)
	}

	out.Content = []ContentBlock{{Type: "text", Text: text.String()}}

	return &out, nil
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage Usage  `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *Engine) send(ctx context.Context, req *Request) (*http.Response, error) {
	cred, err := e.creds.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("anthropic-beta", oauthBeta)

	e.logger.Debug("Dispatching upstream request",
		"model", req.Model,
		"turns", len(req.Messages),
		"stream", req.Stream,
	)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, readErr := e.readBody(resp)
		resp.Body.Close()
		if readErr != nil {
			body = nil
		}

		return nil, &UpstreamError{Status: resp.StatusCode, Body: body}
	}

	return resp, nil
}

func (e *Engine) readBody(resp *http.Response) ([]byte, error) {
	reader, err := e.decompress(resp)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	return body, nil
}

func (e *Engine) decompress(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
