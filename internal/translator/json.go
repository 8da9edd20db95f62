package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"coderider-gateway/internal/models"
)

// ErrInvalidRequest marks a caller payload that cannot be normalised at all.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// decodeObject parses a JSON object body, keeping key order.
func decodeObject(body []byte) (*models.Params, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, invalid("request body is required")
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, invalid("request body must be a JSON object")
	}

	fields := models.NewParams()
	if err := fields.UnmarshalJSON(trimmed); err != nil {
		return nil, invalid("decode request body: %v", err)
	}
	return fields, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

// truthy applies JavaScript truthiness to a JSON value.
func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

func parseModel(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var model string
	if err := json.Unmarshal(raw, &model); err != nil {
		return "", invalid("model must be a string")
	}
	return strings.TrimSpace(model), nil
}

// parseMessages converts a messages array into canonical messages. Content
// is flattened to text: strings pass through, part arrays keep only their
// text blocks joined by newlines.
func parseMessages(raw json.RawMessage) ([]models.Message, error) {
	if isNull(raw) {
		return []models.Message{}, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, invalid("messages must be an array")
	}

	out := make([]models.Message, 0, len(entries))
	for i, entry := range entries {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(entry, &fields); err != nil || fields == nil {
			return nil, invalid("messages[%d] must be an object", i)
		}
		out = append(out, models.Message{
			Role:    stringField(fields["role"]),
			Content: flattenContent(fields["content"]),
			Name:    stringField(fields["name"]),
		})
	}
	return out, nil
}

func stringField(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func flattenContent(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var blocks []any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	texts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		obj, ok := block.(map[string]any)
		if !ok || obj["type"] != models.PartTypeText {
			continue
		}
		if s, ok := obj["text"].(string); ok {
			texts = append(texts, s)
		}
	}
	return strings.Join(texts, "\n")
}
