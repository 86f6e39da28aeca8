package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures the OpenAI chat completions adapter.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	System      string
	Temperature *float64
	HTTPClient  *http.Client
}

// OpenAI implements Model over the chat completions API.
type OpenAI struct {
	client      openai.Client
	model       string
	maxTokens   int
	maxRetries  int
	system      string
	temperature *float64
}

// NewOpenAI constructs an OpenAI-backed Model. SDK-level retries are disabled;
// retry policy is shared with the other adapters.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		name = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       name,
		maxTokens:   maxTokens,
		maxRetries:  max(cfg.MaxRetries, 0),
		system:      strings.TrimSpace(cfg.System),
		temperature: cfg.Temperature,
	}, nil
}

// Complete issues a non-streaming chat completion.
func (m *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	params := m.params(req)
	var resp *Response
	err := withRetry(ctx, m.maxRetries, func(ctx context.Context) error {
		out, err := m.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		resp = fromOpenAICompletion(out)
		return nil
	})
	return resp, err
}

// CompleteStream forwards content deltas and finished tool calls, then a final
// result built from the accumulated completion.
func (m *OpenAI) CompleteStream(ctx context.Context, req Request, cb StreamHandler) error {
	if cb == nil {
		return errors.New("openai: stream callback required")
	}
	params := m.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	return withRetry(ctx, m.maxRetries, func(ctx context.Context) error {
		stream := m.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if tool, ok := acc.JustFinishedToolCall(); ok {
				call := &ToolCall{ID: tool.ID, Name: tool.Name, Arguments: decodeArguments([]byte(tool.Arguments))}
				if err := cb(StreamResult{ToolCall: call}); err != nil {
					return err
				}
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if err := cb(StreamResult{Delta: chunk.Choices[0].Delta.Content}); err != nil {
					return err
				}
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}
		return cb(StreamResult{Final: true, Response: fromOpenAICompletion(&acc.ChatCompletion)})
	})
}

func (m *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	name := m.model
	if strings.TrimSpace(req.Model) != "" {
		name = strings.TrimSpace(req.Model)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               oshared.ChatModel(name),
		Messages:            toOpenAIMessages(req.Messages, m.system, req.System),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	switch {
	case req.Temperature != nil:
		params.Temperature = openai.Float(*req.Temperature)
	case m.temperature != nil:
		params.Temperature = openai.Float(*m.temperature)
	}
	for _, def := range req.Tools {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		fn := oshared.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		if len(def.Parameters) > 0 {
			fn.Parameters = oshared.FunctionParameters(def.Parameters)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return params
}

func toOpenAIMessages(msgs []Message, system ...string) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+len(system))
	for _, s := range system {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, openai.SystemMessage(s))
		}
	}
	for _, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil || call.Arguments == nil {
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:       call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{Name: call.Name, Arguments: string(args)},
				})
			}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case "tool":
			for _, call := range msg.ToolCalls {
				result := call.Result
				if result == "" {
					result = msg.Content
				}
				out = append(out, openai.ToolMessage(result, call.ID))
			}
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	if len(out) == 0 {
		out = append(out, openai.UserMessage("Continue."))
	}
	return out
}

func fromOpenAICompletion(c *openai.ChatCompletion) *Response {
	resp := &Response{
		Message: Message{Role: "assistant"},
		Usage: Usage{
			InputTokens:     int(c.Usage.PromptTokens),
			OutputTokens:    int(c.Usage.CompletionTokens),
			TotalTokens:     int(c.Usage.TotalTokens),
			CacheReadTokens: int(c.Usage.PromptTokensDetails.CachedTokens),
		},
	}
	if len(c.Choices) == 0 {
		return resp
	}
	choice := c.Choices[0]
	resp.StopReason = choice.FinishReason
	resp.Message.Content = choice.Message.Content
	for i, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: decodeArguments([]byte(tc.Function.Arguments)),
		})
	}
	return resp
}
