package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentcore/pkg/message"
	"github.com/cexll/agentcore/pkg/model"
	"github.com/cexll/agentcore/pkg/tool"
)

const defaultTopK = 4

// RetrieverTool exposes an index to the model as a search tool named
// "retrieve_<index>".
func RetrieverTool(s *Store, index string) tool.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "What to look up."},
			"limit": map[string]any{"type": "integer", "description": "Maximum passages to return."},
		},
		"required": []any{"query"},
	}
	desc := fmt.Sprintf("Search the %q index and return the most relevant passages.", index)
	return tool.Func("retrieve_"+index, desc, schema, func(ctx context.Context, params map[string]any) (*tool.Result, error) {
		query, _ := params["query"].(string)
		if strings.TrimSpace(query) == "" {
			return nil, errors.New("index: query is empty")
		}
		k := defaultTopK
		if v, ok := params["limit"].(float64); ok && v > 0 {
			k = int(v)
		}
		hits, err := s.Query(ctx, index, query, k)
		if err != nil {
			return nil, err
		}
		return &tool.Result{Output: formatHits(hits), Data: hits}, nil
	})
}

// Retriever returns a factory suitable for tool.Assembler.
func Retriever(s *Store) tool.RetrieverFactory {
	return func(index string) (tool.Tool, error) {
		if s == nil {
			return nil, errors.New("index: store not configured")
		}
		return RetrieverTool(s, index), nil
	}
}

// Quick answers prompt from the index: it retrieves passages, asks m to answer
// using them, and writes the answer to the turn output.
func Quick(ctx context.Context, s *Store, m model.Model, index, prompt, system string, turn *message.Turn) error {
	if s == nil || m == nil {
		return errors.New("index: quick query needs a store and a model")
	}
	hits, err := s.Query(ctx, index, prompt, defaultTopK)
	if err != nil {
		return err
	}
	var b strings.Builder
	if len(hits) > 0 {
		b.WriteString("Context:\n")
		b.WriteString(formatHits(hits))
		b.WriteString("\n\n")
	}
	b.WriteString(prompt)
	resp, err := m.Complete(ctx, model.Request{
		System:   system,
		Messages: []model.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return err
	}
	turn.SetOutput(model.Text(resp))
	return nil
}

func formatHits(hits []Hit) string {
	if len(hits) == 0 {
		return "No matching passages."
	}
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = fmt.Sprintf("[%d] (%s, %.2f) %s", i+1, h.Document.ID, h.Similarity, h.Document.Content)
	}
	return strings.Join(parts, "\n")
}
