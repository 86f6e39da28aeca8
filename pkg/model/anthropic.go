package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/kaptinlin/jsonrepair"
)

const (
	defaultAnthropicModel = anthropicsdk.ModelClaudeSonnet4_5
	defaultMaxTokens      = 4096
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	System      string
	Temperature *float64
	HTTPClient  *http.Client
}

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
	NewStreaming(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
}

// Anthropic implements Model over the Messages API.
type Anthropic struct {
	msgs        anthropicMessages
	model       anthropicsdk.Model
	maxTokens   int
	maxRetries  int
	system      string
	temperature *float64
}

// NewAnthropic constructs an Anthropic-backed Model.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := anthropicsdk.NewClient(opts...)
	return newAnthropic(&client.Messages, cfg), nil
}

func newAnthropic(msgs anthropicMessages, cfg AnthropicConfig) *Anthropic {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		msgs:        msgs,
		model:       anthropicModelName(cfg.Model),
		maxTokens:   maxTokens,
		maxRetries:  max(cfg.MaxRetries, 0),
		system:      strings.TrimSpace(cfg.System),
		temperature: cfg.Temperature,
	}
}

// Complete issues a non-streaming completion.
func (m *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := m.params(req)
	if err != nil {
		return nil, err
	}
	var resp *Response
	err = withRetry(ctx, m.maxRetries, func(ctx context.Context) error {
		msg, err := m.msgs.New(ctx, params)
		if err != nil {
			return err
		}
		resp = &Response{
			Message:    fromAnthropicMessage(*msg),
			Usage:      fromAnthropicUsage(msg.Usage),
			StopReason: string(msg.StopReason),
		}
		return nil
	})
	return resp, err
}

// CompleteStream forwards text and thinking deltas and completed tool calls,
// then a final result carrying the accumulated message.
func (m *Anthropic) CompleteStream(ctx context.Context, req Request, cb StreamHandler) error {
	if cb == nil {
		return errors.New("anthropic: stream callback required")
	}
	params, err := m.params(req)
	if err != nil {
		return err
	}
	return withRetry(ctx, m.maxRetries, func(ctx context.Context) error {
		stream := m.msgs.NewStreaming(ctx, params)
		if stream == nil {
			return errors.New("anthropic: stream not available")
		}
		defer stream.Close()

		var final anthropicsdk.Message
		for stream.Next() {
			event := stream.Current()
			if err := final.Accumulate(event); err != nil {
				return fmt.Errorf("anthropic: accumulate stream: %w", err)
			}
			var out StreamResult
			switch ev := event.AsAny().(type) {
			case anthropicsdk.ContentBlockDeltaEvent:
				switch ev.Delta.Type {
				case "text_delta":
					out.Delta = ev.Delta.Text
				case "thinking_delta":
					out.Reasoning = ev.Delta.Thinking
				}
			case anthropicsdk.ContentBlockStopEvent:
				if n := len(final.Content); n > 0 {
					out.ToolCall = toolCallFromBlock(final.Content[n-1])
				}
			}
			if out.Delta == "" && out.Reasoning == "" && out.ToolCall == nil {
				continue
			}
			if err := cb(out); err != nil {
				return err
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}
		return cb(StreamResult{Final: true, Response: &Response{
			Message:    fromAnthropicMessage(final),
			Usage:      fromAnthropicUsage(final.Usage),
			StopReason: string(final.StopReason),
		}})
	})
}

func (m *Anthropic) params(req Request) (anthropicsdk.MessageNewParams, error) {
	system, msgs := toAnthropicMessages(req.Messages, m.system, req.System)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	model := m.model
	if strings.TrimSpace(req.Model) != "" {
		model = anthropicModelName(req.Model)
	}
	params := anthropicsdk.MessageNewParams{
		Model:     model,
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		System:    system,
	}
	for _, def := range req.Tools {
		tool, err := toAnthropicTool(def)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		if tool != nil {
			params.Tools = append(params.Tools, anthropicsdk.ToolUnionParam{OfTool: tool})
		}
	}
	switch {
	case req.Temperature != nil:
		params.Temperature = param.NewOpt(*req.Temperature)
	case m.temperature != nil:
		params.Temperature = param.NewOpt(*m.temperature)
	}
	return params, nil
}

func toAnthropicMessages(msgs []Message, system ...string) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var blocks []anthropicsdk.TextBlockParam
	addSystem := func(text string) {
		if text = strings.TrimSpace(text); text != "" {
			blocks = append(blocks, anthropicsdk.TextBlockParam{Text: text})
		}
	}
	for _, s := range system {
		addSystem(s)
	}

	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			addSystem(msg.Content)
		case "assistant":
			var content []anthropicsdk.ContentBlockParamUnion
			if strings.TrimSpace(msg.Content) != "" {
				content = append(content, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				if call.ID == "" || call.Name == "" {
					continue
				}
				content = append(content, anthropicsdk.NewToolUseBlock(call.ID, call.Arguments, call.Name))
			}
			if len(content) == 0 {
				content = append(content, anthropicsdk.NewTextBlock("."))
			}
			out = append(out, anthropicsdk.NewAssistantMessage(content...))
		case "tool":
			var content []anthropicsdk.ContentBlockParamUnion
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				result := call.Result
				if result == "" {
					result = msg.Content
				}
				content = append(content, anthropicsdk.NewToolResultBlock(call.ID, result, false))
			}
			if len(content) == 0 {
				content = append(content, anthropicsdk.NewTextBlock(msg.Content))
			}
			out = append(out, anthropicsdk.NewUserMessage(content...))
		default:
			text := msg.Content
			if strings.TrimSpace(text) == "" {
				text = "."
			}
			out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(text)))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(".")))
	}
	return blocks, out
}

func toAnthropicTool(def ToolDefinition) (*anthropicsdk.ToolParam, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, nil
	}
	schema := anthropicsdk.ToolInputSchemaParam{}
	if len(def.Parameters) > 0 {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", name, err)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", name, err)
		}
	}
	tool := &anthropicsdk.ToolParam{Name: name, InputSchema: schema}
	if d := strings.TrimSpace(def.Description); d != "" {
		tool.Description = anthropicsdk.String(d)
	}
	return tool, nil
}

func fromAnthropicMessage(msg anthropicsdk.Message) Message {
	var text, thinking strings.Builder
	var calls []ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			if tc := toolCallFromBlock(block); tc != nil {
				calls = append(calls, *tc)
			}
		case "thinking":
			thinking.WriteString(block.Thinking)
		default:
			text.WriteString(block.Text)
		}
	}
	return Message{
		Role:             "assistant",
		Content:          text.String(),
		ToolCalls:        calls,
		ReasoningContent: thinking.String(),
	}
}

func toolCallFromBlock(block anthropicsdk.ContentBlockUnion) *ToolCall {
	if block.Type != "tool_use" || block.ID == "" || block.Name == "" {
		return nil
	}
	return &ToolCall{ID: block.ID, Name: block.Name, Arguments: decodeArguments(block.Input)}
}

// decodeArguments parses tool arguments, repairing truncated or sloppy JSON
// before giving up and returning the raw text.
func decodeArguments(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(string(raw))
		if repairErr != nil || json.Unmarshal([]byte(fixed), &v) != nil {
			return map[string]any{"raw": string(raw)}
		}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

func fromAnthropicUsage(u anthropicsdk.Usage) Usage {
	return Usage{
		InputTokens:         int(u.InputTokens),
		OutputTokens:        int(u.OutputTokens),
		TotalTokens:         int(u.InputTokens + u.OutputTokens),
		CacheReadTokens:     int(u.CacheReadInputTokens),
		CacheCreationTokens: int(u.CacheCreationInputTokens),
	}
}

func anthropicModelName(name string) anthropicsdk.Model {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return anthropicsdk.Model(trimmed)
	}
	return defaultAnthropicModel
}
