package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Schema is the JSON Schema for web_search arguments.
var Schema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "What to search for.",
		},
		"max_results": map[string]any{
			"type":        "integer",
			"description": "How many results to return (1-10, default 5).",
		},
	},
	"required": []string{"query"},
}

// Handle runs web_search with model-supplied arguments and returns a
// JSON array of {title, url, snippet}. An empty result set is "[]".
func (m *Manager) Handle(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("query is required")
	}
	var opts Options
	// JSON numbers arrive as float64.
	if n, ok := args["max_results"].(float64); ok {
		opts.MaxResults = int(n)
	}

	results, err := m.Search(ctx, query, opts)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
