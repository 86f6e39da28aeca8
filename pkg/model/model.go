// Package model adapts LLM provider SDKs to a single completion interface.
package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cexll/agentcore/pkg/message"
)

// Message and ToolCall are shared with the history layer.
type (
	Message  = message.Message
	ToolCall = message.ToolCall
)

// ToolDefinition describes a callable tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a provider-neutral completion request.
type Request struct {
	Messages    []Message
	System      string
	Model       string
	MaxTokens   int
	Temperature *float64
	Tools       []ToolDefinition
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	CacheReadTokens     int
	CacheCreationTokens int
}

// Response is a completed model turn.
type Response struct {
	Message    Message
	Usage      Usage
	StopReason string
}

// StreamResult is one streaming callback payload. Exactly one of Delta,
// Reasoning, ToolCall or Final is meaningful per call.
type StreamResult struct {
	Delta     string
	Reasoning string
	ToolCall  *ToolCall
	Final     bool
	Response  *Response
}

// StreamHandler receives streaming results. Returning an error aborts the stream.
type StreamHandler func(StreamResult) error

// Model is implemented by every provider adapter.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	CompleteStream(ctx context.Context, req Request, cb StreamHandler) error
}

// Func adapts a plain function into a non-streaming Model. CompleteStream
// delivers the whole response as a single delta.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Complete(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

func (f Func) CompleteStream(ctx context.Context, req Request, cb StreamHandler) error {
	if cb == nil {
		return errors.New("model: stream callback required")
	}
	resp, err := f(ctx, req)
	if err != nil {
		return err
	}
	if resp.Message.Content != "" {
		if err := cb(StreamResult{Delta: resp.Message.Content}); err != nil {
			return err
		}
	}
	return cb(StreamResult{Final: true, Response: resp})
}

// ErrUnknownProvider is returned by Open for providers without an adapter.
var ErrUnknownProvider = errors.New("model: unknown provider")

// Open builds a provider adapter, reading the API key from the provider's
// conventional environment variable.
func Open(provider, name string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			Model:   name,
		})
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
			Model:   name,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// Text returns the trimmed assistant content of resp, tolerating nil.
func Text(resp *Response) string {
	if resp == nil {
		return ""
	}
	return strings.TrimSpace(resp.Message.Content)
}
