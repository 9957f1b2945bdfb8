package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// anthropicCapabilities maps model ID prefixes to context geometry.
var anthropicCapabilities = []struct {
	prefix string
	cap    Capability
}{
	{"claude-opus-4", Capability{ContextLimit: 200_000, OutputLimit: 32_000}},
	{"claude-sonnet-4", Capability{ContextLimit: 200_000, OutputLimit: 64_000}},
	{"claude-haiku-4", Capability{ContextLimit: 200_000, OutputLimit: 64_000}},
	{"claude-3-5", Capability{ContextLimit: 200_000, OutputLimit: 8_192}},
	{"claude-3", Capability{ContextLimit: 200_000, OutputLimit: 4_096}},
}

// AnthropicProvider streams from the Anthropic Messages API over net/http SSE.
type AnthropicProvider struct {
	apiKey      string
	baseURL     string
	client      *http.Client
	retryConfig RetryConfig
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithAnthropicHTTPClient(c *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) { p.client = c }
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:      apiKey,
		baseURL:     anthropicAPIBase,
		client:      &http.Client{Timeout: 10 * time.Minute},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Capability(model string) (Capability, bool) {
	for _, entry := range anthropicCapabilities {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.cap, true
		}
	}
	return Capability{}, false
}

// Stream opens a streaming Messages call and converts SSE events to StreamParts.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan StreamPart, error) {
	body := p.buildRequestBody(req)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	parts := make(chan StreamPart, 16)
	go func() {
		defer close(parts)
		defer respBody.Close()
		p.readStream(ctx, respBody, parts)
	}()
	return parts, nil
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body map[string]any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		msg := fmt.Sprintf("anthropic: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		if resp.StatusCode == http.StatusBadRequest && looksLikeOverflow(string(errBody)) {
			return nil, fmt.Errorf("%s: %w", msg, ErrContextOverflow)
		}
		return nil, &httpStatusError{status: resp.StatusCode, msg: msg}
	}
	return resp.Body, nil
}

func looksLikeOverflow(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "prompt is too long") || strings.Contains(lower, "too many tokens")
}

// SSE event payloads (subset of the Messages streaming schema).
type anthropicContentBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// readStream converts the SSE body into StreamParts. Always ends with exactly
// one terminal part: finish, abort, or error.
func (p *AnthropicProvider) readStream(ctx context.Context, body io.Reader, parts chan<- StreamPart) {
	usage := &Usage{}
	finishReason := FinishStop
	textOpen := false

	// Tool input JSON accumulates per block index; the tool-call part is emitted
	// when the block stops.
	type pendingTool struct {
		id, name string
		argsJSON strings.Builder
	}
	pendingTools := make(map[int]*pendingTool)

	emit := func(part StreamPart) bool {
		select {
		case parts <- part:
			return true
		case <-ctx.Done():
			return false
		}
	}
	closeText := func() bool {
		if !textOpen {
			return true
		}
		textOpen = false
		return emit(StreamPart{Type: StreamTextEnd})
	}

	scanner := newSSEScanner(body)
	var currentEvent string

	for scanner.Scan() {
		if ctx.Err() != nil {
			parts <- StreamPart{Type: StreamAbort}
			return
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStart
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
				usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
				usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev anthropicContentBlockStart
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.ContentBlock.Type {
			case "text":
				textOpen = true
				if !emit(StreamPart{Type: StreamTextStart}) {
					return
				}
			case "tool_use":
				pendingTools[ev.Index] = &pendingTool{
					id:   ev.ContentBlock.ID,
					name: strings.TrimSpace(ev.ContentBlock.Name),
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDelta
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if !emit(StreamPart{Type: StreamTextDelta, Text: ev.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if !emit(StreamPart{Type: StreamReasoningDelta, Text: ev.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if pt, ok := pendingTools[ev.Index]; ok {
					pt.argsJSON.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			var ev anthropicContentBlockStart
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if pt, ok := pendingTools[ev.Index]; ok {
				delete(pendingTools, ev.Index)
				args := json.RawMessage(pt.argsJSON.String())
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				if !emit(StreamPart{Type: StreamToolCall, ToolCallID: pt.id, ToolName: pt.name, Args: args}) {
					return
				}
			} else if textOpen {
				if !closeText() {
					return
				}
			}

		case "message_delta":
			var ev anthropicMessageDelta
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.StopReason {
				case "tool_use":
					finishReason = FinishToolCalls
				case "max_tokens":
					finishReason = FinishLength
				case "":
				default:
					finishReason = FinishStop
				}
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				streamErr := fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
				if looksLikeOverflow(ev.Error.Message) {
					streamErr = fmt.Errorf("%v: %w", streamErr, ErrContextOverflow)
				}
				closeText()
				emit(StreamPart{Type: StreamError, Err: streamErr})
				return
			}

		case "message_stop":
			// terminal; fall through to finish below
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			parts <- StreamPart{Type: StreamAbort}
			return
		}
		closeText()
		emit(StreamPart{Type: StreamError, Err: fmt.Errorf("anthropic: read stream: %w", err)})
		return
	}
	if ctx.Err() != nil {
		parts <- StreamPart{Type: StreamAbort}
		return
	}

	if !closeText() {
		return
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	emit(StreamPart{Type: StreamFinish, FinishReason: finishReason, Usage: usage})
}

// buildRequestBody translates a Request into the Messages API shape.
func (p *AnthropicProvider) buildRequestBody(req Request) map[string]any {
	var messages []map[string]any

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			var blocks []map[string]any
			for _, part := range msg.Parts {
				switch part.Type {
				case PartText:
					blocks = append(blocks, map[string]any{"type": "text", "text": part.Text})
				case PartImage:
					blocks = append(blocks, map[string]any{
						"type":   "image",
						"source": map[string]any{"type": "url", "url": part.URL},
					})
				case PartFile:
					blocks = append(blocks, map[string]any{
						"type":   "document",
						"source": map[string]any{"type": "url", "url": part.URL},
					})
				}
			}
			if len(blocks) == 0 {
				blocks = append(blocks, map[string]any{"type": "text", "text": ""})
			}
			messages = append(messages, map[string]any{"role": "user", "content": blocks})

		case RoleAssistant:
			var blocks []map[string]any
			for _, part := range msg.Parts {
				switch part.Type {
				case PartText:
					if part.Text != "" {
						blocks = append(blocks, map[string]any{"type": "text", "text": part.Text})
					}
				case PartToolCall:
					var input any = map[string]any{}
					if len(part.Args) > 0 {
						var parsed any
						if json.Unmarshal(part.Args, &parsed) == nil {
							input = parsed
						}
					}
					blocks = append(blocks, map[string]any{
						"type":  "tool_use",
						"id":    part.ToolCallID,
						"name":  part.ToolName,
						"input": input,
					})
				}
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})

		case RoleTool:
			var blocks []map[string]any
			for _, part := range msg.Parts {
				switch part.Type {
				case PartToolResult:
					blocks = append(blocks, map[string]any{
						"type":        "tool_result",
						"tool_use_id": part.ToolCallID,
						"content":     part.Output,
					})
				case PartErrorText:
					blocks = append(blocks, map[string]any{
						"type":        "tool_result",
						"tool_use_id": part.ToolCallID,
						"content":     part.Text,
						"is_error":    true,
					})
				}
			}
			messages = append(messages, map[string]any{"role": "user", "content": blocks})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
		"stream":     true,
	}
	if req.System != "" {
		body["system"] = []map[string]any{{"type": "text", "text": req.System}}
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}
	for k, v := range req.Options {
		body[k] = v
	}
	return body
}
