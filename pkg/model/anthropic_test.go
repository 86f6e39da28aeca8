package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/stretchr/testify/require"
)

func TestAnthropicCompleteBuildsParams(t *testing.T) {
	t.Parallel()
	var seen anthropicsdk.MessageNewParams
	mock := &fakeMessages{
		newFn: func(_ context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
			seen = params
			msg := anthropicsdk.Message{
				Content: []anthropicsdk.ContentBlockUnion{
					{Type: "thinking", Thinking: "hmm"},
					{Type: "text", Text: "done"},
					{Type: "tool_use", ID: "call-1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
				},
				Usage: anthropicsdk.Usage{InputTokens: 10, OutputTokens: 3},
			}
			msg.StopReason = "end_turn"
			return &msg, nil
		},
	}
	m := newAnthropic(mock, AnthropicConfig{Model: "claude-test", MaxTokens: 256, System: "base-system"})

	resp, err := m.Complete(context.Background(), Request{
		System: "inline-system",
		Messages: []Message{
			{Role: "system", Content: "extra"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "call-1", Name: "search", Arguments: map[string]any{"q": "go"}}}},
			{Role: "tool", ToolCalls: []ToolCall{{ID: "call-1", Result: `{"ok":true}`}}},
		},
		Tools: []ToolDefinition{{
			Name:        "search",
			Description: "desc",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}},
		}, {Name: "  "}},
		MaxTokens: 64,
	})
	require.NoError(t, err)

	require.EqualValues(t, 64, seen.MaxTokens)
	require.Equal(t, anthropicsdk.Model("claude-test"), seen.Model)
	require.Len(t, seen.System, 3)
	require.Len(t, seen.Messages, 3)
	require.Len(t, seen.Tools, 1)
	require.Equal(t, "search", seen.Tools[0].OfTool.Name)

	require.Equal(t, "done", resp.Message.Content)
	require.Equal(t, "hmm", resp.Message.ReasoningContent)
	require.Len(t, resp.Message.ToolCalls, 1)
	require.Equal(t, "go", resp.Message.ToolCalls[0].Arguments["q"])
	require.Equal(t, Usage{InputTokens: 10, OutputTokens: 3, TotalTokens: 13}, resp.Usage)
	require.Equal(t, "end_turn", resp.StopReason)
}

func TestAnthropicRetriesServerErrors(t *testing.T) {
	t.Parallel()
	calls := 0
	mock := &fakeMessages{
		newFn: func(context.Context, anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
			calls++
			if calls == 1 {
				return nil, &anthropicsdk.Error{StatusCode: http.StatusServiceUnavailable}
			}
			return &anthropicsdk.Message{Content: []anthropicsdk.ContentBlockUnion{{Type: "text", Text: "ok"}}}, nil
		},
	}
	m := newAnthropic(mock, AnthropicConfig{MaxRetries: 1})
	resp, err := m.Complete(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, "ok", Text(resp))
	require.Equal(t, 2, calls)
}

func TestAnthropicDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	calls := 0
	mock := &fakeMessages{
		newFn: func(context.Context, anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
			calls++
			return nil, &anthropicsdk.Error{StatusCode: http.StatusUnauthorized}
		},
	}
	m := newAnthropic(mock, AnthropicConfig{MaxRetries: 3})
	_, err := m.Complete(context.Background(), Request{})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestAnthropicStream(t *testing.T) {
	t.Parallel()
	evts := []ssestream.Event{
		mkEvent(anthropicsdk.MessageStartEvent{
			Type:    constant.MessageStart("message_start"),
			Message: anthropicsdk.Message{Role: constant.Assistant("assistant")},
		}),
		mkEvent(anthropicsdk.ContentBlockStartEvent{
			Type:         constant.ContentBlockStart("content_block_start"),
			Index:        0,
			ContentBlock: anthropicsdk.ContentBlockStartEventContentBlockUnion{Type: "text"},
		}),
		mkEvent(anthropicsdk.ContentBlockDeltaEvent{
			Type:  constant.ContentBlockDelta("content_block_delta"),
			Index: 0,
			Delta: anthropicsdk.RawContentBlockDeltaUnion{Type: "text_delta", Text: "hel"},
		}),
		mkEvent(anthropicsdk.ContentBlockDeltaEvent{
			Type:  constant.ContentBlockDelta("content_block_delta"),
			Index: 0,
			Delta: anthropicsdk.RawContentBlockDeltaUnion{Type: "text_delta", Text: "lo"},
		}),
		mkEvent(anthropicsdk.ContentBlockStopEvent{Type: constant.ContentBlockStop("content_block_stop"), Index: 0}),
		mkEvent(anthropicsdk.ContentBlockStartEvent{
			Type:         constant.ContentBlockStart("content_block_start"),
			Index:        1,
			ContentBlock: anthropicsdk.ContentBlockStartEventContentBlockUnion{Type: "tool_use", ID: "tool-1", Name: "search"},
		}),
		mkEvent(anthropicsdk.ContentBlockDeltaEvent{
			Type:  constant.ContentBlockDelta("content_block_delta"),
			Index: 1,
			Delta: anthropicsdk.RawContentBlockDeltaUnion{Type: "input_json_delta", PartialJSON: `{"q":"doc"}`},
		}),
		mkEvent(anthropicsdk.ContentBlockStopEvent{Type: constant.ContentBlockStop("content_block_stop"), Index: 1}),
		mkEvent(anthropicsdk.MessageDeltaEvent{
			Type:  constant.MessageDelta("message_delta"),
			Delta: anthropicsdk.MessageDeltaEventDelta{StopReason: "tool_use"},
			Usage: anthropicsdk.MessageDeltaUsage{InputTokens: 9, OutputTokens: 3},
		}),
		mkEvent(anthropicsdk.MessageStopEvent{Type: constant.MessageStop("message_stop")}),
	}
	mock := &fakeMessages{
		streamFn: func(context.Context, anthropicsdk.MessageNewParams) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion] {
			return ssestream.NewStream[anthropicsdk.MessageStreamEventUnion](&sequenceDecoder{events: evts}, nil)
		},
	}
	m := newAnthropic(mock, AnthropicConfig{})

	var deltas []string
	var tools []*ToolCall
	var final *Response
	err := m.CompleteStream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}}, func(sr StreamResult) error {
		switch {
		case sr.Delta != "":
			deltas = append(deltas, sr.Delta)
		case sr.ToolCall != nil:
			tools = append(tools, sr.ToolCall)
		case sr.Final:
			final = sr.Response
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"hel", "lo"}, deltas)
	require.Len(t, tools, 1)
	require.Equal(t, "search", tools[0].Name)
	require.Equal(t, "doc", tools[0].Arguments["q"])
	require.NotNil(t, final)
	require.Equal(t, "hello", final.Message.Content)
	require.Equal(t, 3, final.Usage.OutputTokens)
}

func TestAnthropicStreamRequiresCallback(t *testing.T) {
	t.Parallel()
	m := newAnthropic(&fakeMessages{}, AnthropicConfig{})
	require.Error(t, m.CompleteStream(context.Background(), Request{}, nil))
	require.Error(t, m.CompleteStream(context.Background(), Request{}, func(StreamResult) error { return nil }))
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := NewAnthropic(AnthropicConfig{})
	require.Error(t, err)
	m, err := NewAnthropic(AnthropicConfig{APIKey: "k"})
	require.NoError(t, err)
	require.Equal(t, defaultAnthropicModel, m.model)
	require.Equal(t, defaultMaxTokens, m.maxTokens)
}

func TestOpenRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	_, err := Open("acme", "x")
	require.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestFuncStreamsWholeResponse(t *testing.T) {
	t.Parallel()
	fn := Func(func(context.Context, Request) (*Response, error) {
		return &Response{Message: Message{Content: "hi"}}, nil
	})
	var got []StreamResult
	require.NoError(t, fn.CompleteStream(context.Background(), Request{}, func(sr StreamResult) error {
		got = append(got, sr)
		return nil
	}))
	require.Len(t, got, 2)
	require.Equal(t, "hi", got[0].Delta)
	require.True(t, got[1].Final)
}

type fakeMessages struct {
	newFn    func(context.Context, anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error)
	streamFn func(context.Context, anthropicsdk.MessageNewParams) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
}

func (f *fakeMessages) New(ctx context.Context, params anthropicsdk.MessageNewParams, _ ...option.RequestOption) (*anthropicsdk.Message, error) {
	if f.newFn == nil {
		return nil, errors.New("newFn not set")
	}
	return f.newFn(ctx, params)
}

func (f *fakeMessages) NewStreaming(ctx context.Context, params anthropicsdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion] {
	if f.streamFn == nil {
		return nil
	}
	return f.streamFn(ctx, params)
}

type sequenceDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *sequenceDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *sequenceDecoder) Event() ssestream.Event { return d.events[d.i-1] }
func (d *sequenceDecoder) Close() error           { return nil }
func (d *sequenceDecoder) Err() error             { return nil }

func mkEvent(v any) ssestream.Event {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		panic(err)
	}
	return ssestream.Event{Type: head.Type, Data: data}
}
