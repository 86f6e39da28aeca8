package message

import "maps"

// Roles used in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one history entry handed to model adapters.
type Message struct {
	Role             string
	Content          string
	ToolCalls        []ToolCall
	ReasoningContent string
}

// ToolCall is a tool invocation requested by the model. Result is filled in
// once the tool ran.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	Result    string
}

func (c ToolCall) clone() ToolCall {
	c.Arguments = maps.Clone(c.Arguments)
	return c
}

// CloneMessage copies msg including its tool call arguments.
func CloneMessage(msg Message) Message {
	msg.ToolCalls = cloneToolCalls(msg.ToolCalls)
	return msg
}

// CloneMessages copies a history. The result is never nil.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, msg := range msgs {
		out[i] = CloneMessage(msg)
	}
	return out
}

// Exchange returns the user/assistant pair a finished turn adds to the
// history. Internal turns never reached the user and add nothing.
func Exchange(prompt string, turn *Turn) []Message {
	if turn == nil || turn.Internal {
		return nil
	}
	if prompt == "" {
		prompt = turn.Input
	}
	out := []Message{{Role: RoleUser, Content: prompt}}
	if text := turn.OutputText(); text != "" {
		out = append(out, Message{Role: RoleAssistant, Content: text, ToolCalls: turn.ToolCalls()})
	}
	return out
}

func cloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, call := range calls {
		out[i] = call.clone()
	}
	return out
}
