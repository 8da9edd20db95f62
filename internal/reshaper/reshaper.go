// Package reshaper turns whatever the upstream returned into a canonical
// chat-completions response that strict clients can always index into.
//
// Every function here is total over arbitrary JSON values: malformed input
// degrades to the nearest valid structure instead of producing an error.
package reshaper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"

	"coderider-gateway/internal/models"
	"coderider-gateway/internal/registry"
)

const (
	defaultObject = "chat.completion"
	idPrefix      = "chatcmpl-"
)

// Stats counts the repairs performed while reshaping one response.
type Stats struct {
	DroppedChoices  int
	DroppedParts    int
	CollapsedArrays int
	PaddedContents  int
	SyntheticChoice bool
}

// Repaired reports whether any repair was needed.
func (s Stats) Repaired() bool {
	return s.DroppedChoices > 0 || s.DroppedParts > 0 || s.CollapsedArrays > 0 || s.PaddedContents > 0 || s.SyntheticChoice
}

// Reshaper holds the clock and ID source used for missing fields.
type Reshaper struct {
	Now   func() time.Time
	NewID func() string
}

// New returns a reshaper using wall-clock time and random IDs.
func New() *Reshaper {
	return &Reshaper{
		Now:   time.Now,
		NewID: func() string { return idPrefix + uuid.NewString() },
	}
}

var defaultReshaper = New()

// Reshape normalises raw upstream JSON using the default reshaper.
func Reshape(raw any, d models.ModelDescriptor) models.CanonicalResponse {
	resp, _ := defaultReshaper.ReshapeWithStats(raw, d)
	return resp
}

// Decode parses upstream bytes into a generic JSON value with numbers kept
// as json.Number. Bytes that are not a single JSON value decode to nil.
func Decode(body []byte) any {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	if dec.More() {
		return nil
	}
	return v
}

// Reshape normalises raw upstream JSON for the given model.
func (r *Reshaper) Reshape(raw any, d models.ModelDescriptor) models.CanonicalResponse {
	resp, _ := r.ReshapeWithStats(raw, d)
	return resp
}

// ReshapeWithStats normalises raw upstream JSON and reports the repairs made.
func (r *Reshaper) ReshapeWithStats(raw any, d models.ModelDescriptor) (models.CanonicalResponse, Stats) {
	var stats Stats
	obj, _ := raw.(map[string]any)

	rawChoices, _ := obj["choices"].([]any)
	choices := make([]models.Choice, 0, len(rawChoices))
	for position, entry := range rawChoices {
		choiceObj, ok := entry.(map[string]any)
		if !ok {
			stats.DroppedChoices++
			continue
		}
		choices = append(choices, reshapeChoice(choiceObj, position, d, &stats))
	}

	if len(choices) == 0 {
		stats.SyntheticChoice = true
		choices = append(choices, models.Choice{
			Index:        0,
			FinishReason: string(goopenai.FinishReasonStop),
			Role:         goopenai.ChatMessageRoleAssistant,
			Content:      emptyContent(d),
		})
	}

	resp := models.CanonicalResponse{
		ID:      nonEmptyString(obj["id"], ""),
		Object:  nonEmptyString(obj["object"], defaultObject),
		Model:   d.RequestedID,
		Choices: choices,
		Usage:   reshapeUsage(obj["usage"]),
	}
	if resp.ID == "" {
		resp.ID = r.NewID()
	}
	if resp.Model == "" {
		resp.Model = nonEmptyString(obj["model"], registry.DefaultModel)
	}
	if created, ok := asInt(obj["created"]); ok {
		resp.Created = created
	} else {
		resp.Created = r.Now().Unix()
	}

	return resp, stats
}

func reshapeChoice(obj map[string]any, position int, d models.ModelDescriptor, stats *Stats) models.Choice {
	msg, _ := obj["message"].(map[string]any)

	index := position
	if v, ok := asInt(obj["index"]); ok && v >= 0 {
		index = int(v)
	}

	content := reshapeContent(msg["content"], d, stats)
	if d.Multimodal && len(content.Parts()) == 0 {
		stats.PaddedContents++
		content = emptyContent(d)
	}

	return models.Choice{
		Index:        index,
		FinishReason: nonEmptyString(obj["finish_reason"], string(goopenai.FinishReasonStop)),
		Role:         nonEmptyString(msg["role"], goopenai.ChatMessageRoleAssistant),
		Content:      content,
	}
}

func reshapeContent(raw any, d models.ModelDescriptor, stats *Stats) models.Content {
	switch v := raw.(type) {
	case nil:
		if d.Multimodal {
			return models.PartsContent(nil)
		}
		return models.StringContent("")
	case string:
		return scalarContent(v, d)
	case []any:
		parts := reshapeParts(v, stats)
		if d.Multimodal {
			return models.PartsContent(parts)
		}
		stats.CollapsedArrays++
		for _, part := range parts {
			if part.IsText() {
				return models.StringContent(part.Text)
			}
		}
		return models.StringContent("")
	default:
		return scalarContent(strings.TrimSpace(stringify(v)), d)
	}
}

func scalarContent(text string, d models.ModelDescriptor) models.Content {
	blank := strings.TrimSpace(text) == ""
	if d.Multimodal {
		if blank {
			return models.PartsContent(nil)
		}
		return models.PartsContent([]models.ContentPart{models.TextPart(text)})
	}
	if blank {
		return models.StringContent("")
	}
	return models.StringContent(text)
}

func reshapeParts(raw []any, stats *Stats) []models.ContentPart {
	parts := make([]models.ContentPart, 0, len(raw))
	for _, entry := range raw {
		part, ok := reshapePart(entry)
		if !ok {
			stats.DroppedParts++
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

func reshapePart(raw any) (models.ContentPart, bool) {
	switch v := raw.(type) {
	case nil:
		return models.ContentPart{}, false
	case string:
		if strings.TrimSpace(v) == "" {
			return models.ContentPart{}, false
		}
		return models.TextPart(v), true
	case map[string]any:
		if part, ok := recognisedPart(v); ok {
			return part, true
		}
	}

	text := strings.TrimSpace(stringify(raw))
	if text == "" {
		return models.ContentPart{}, false
	}
	return models.TextPart(text), true
}

// recognisedPart accepts objects that already look like content parts: a
// type tag plus text or an image reference. Text parts missing their text
// get an empty one.
func recognisedPart(obj map[string]any) (models.ContentPart, bool) {
	typeTag, _ := obj["type"].(string)
	if typeTag == "" {
		return models.ContentPart{}, false
	}

	text, hasText := obj["text"]
	_, hasImage := obj[string(goopenai.ChatMessagePartTypeImageURL)]

	if typeTag == models.PartTypeText {
		if !hasText || text == nil {
			return models.TextPart(""), true
		}
		return models.TextPart(stringify(text)), true
	}
	if !hasText && !hasImage {
		return models.ContentPart{}, false
	}
	return models.OtherPart(typeTag, obj), true
}

func reshapeUsage(raw any) *models.Usage {
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil
	}

	prompt, _ := asInt(obj["prompt_tokens"])
	completion, _ := asInt(obj["completion_tokens"])
	total, ok := asInt(obj["total_tokens"])
	if !ok {
		total = prompt + completion
	}

	return &models.Usage{
		PromptTokens:     int(prompt),
		CompletionTokens: int(completion),
		TotalTokens:      int(total),
	}
}

func emptyContent(d models.ModelDescriptor) models.Content {
	if d.Multimodal {
		return models.PartsContent([]models.ContentPart{models.TextPart("")})
	}
	return models.StringContent("")
}

func nonEmptyString(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case bool, float64, int, int64:
		return fmt.Sprint(s)
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(data)
	}
}
