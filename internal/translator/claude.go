package translator

import (
	"encoding/json"
	"strings"

	"coderider-gateway/internal/models"
)

const (
	claudeDefaultStopReason = "end_turn"
	claudeMessageType       = "message"
)

// Aliaser maps an externally known model name to the upstream alias.
type Aliaser interface {
	Alias(name string) string
}

// claudeTuning lists Anthropic tuning fields and their OpenAI-dialect names.
var claudeTuning = []struct {
	from, to string
	keep     func(json.RawMessage) bool
}{
	{from: "max_tokens", to: "max_tokens", keep: truthy},
	{from: "temperature", to: "temperature", keep: notNull},
	{from: "top_p", to: "top_p", keep: notNull},
	{from: "top_k", to: "top_k", keep: notNull},
	{from: "stop_sequences", to: "stop", keep: truthy},
}

func notNull(raw json.RawMessage) bool {
	return !isNull(raw)
}

// ClaudeMessageRequest is an Anthropic /v1/messages request after
// normalisation.
type ClaudeMessageRequest struct {
	// Model is the name the caller asked for and is echoed back unchanged.
	Model string
	// UpstreamModel is Model translated through the alias table.
	UpstreamModel string
	Messages      []models.Message
	Stream        bool
	Params        *models.Params
}

// ParseClaudeRequest normalises an Anthropic-dialect body. Non-text content
// blocks are dropped because the upstream is text-only.
func ParseClaudeRequest(body []byte, aliases Aliaser) (ClaudeMessageRequest, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return ClaudeMessageRequest{}, err
	}

	var req ClaudeMessageRequest
	if raw, ok := fields.Get(fieldModel); ok {
		if req.Model, err = parseModel(raw); err != nil {
			return ClaudeMessageRequest{}, err
		}
	}
	req.UpstreamModel = aliases.Alias(req.Model)

	raw, _ := fields.Get(fieldMessages)
	messages, err := parseMessages(raw)
	if err != nil {
		return ClaudeMessageRequest{}, err
	}

	req.Messages = make([]models.Message, 0, len(messages)+1)
	if raw, ok := fields.Get("system"); ok {
		if system := flattenContent(raw); strings.TrimSpace(system) != "" {
			req.Messages = append(req.Messages, models.Message{Role: "system", Content: system})
		}
	}
	req.Messages = append(req.Messages, messages...)

	if raw, ok := fields.Get(fieldStream); ok {
		req.Stream = truthy(raw)
	}

	req.Params = models.NewParams()
	for _, field := range claudeTuning {
		if raw, ok := fields.Get(field.from); ok && field.keep(raw) {
			req.Params.Set(field.to, raw)
		}
	}

	return req, nil
}

// ToCanonical converts the request into a canonical call for the upstream model.
func (r ClaudeMessageRequest) ToCanonical() models.CanonicalCall {
	return models.CanonicalCall{
		Model:    r.UpstreamModel,
		Messages: r.Messages,
		Params:   r.Params,
	}
}

// ClaudeMessageResponse models the Anthropic response payload.
type ClaudeMessageResponse struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Role         string            `json:"role"`
	Model        string            `json:"model"`
	Content      []ClaudeTextBlock `json:"content"`
	StopReason   string            `json:"stop_reason"`
	StopSequence *string           `json:"stop_sequence"`
	Usage        *ClaudeUsage      `json:"usage,omitempty"`
}

// ClaudeTextBlock represents a text content block in the response.
type ClaudeTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeUsage carries the canonical usage fields verbatim alongside their
// Anthropic names.
type ClaudeUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BuildClaudeResponse renders the canonical response as an Anthropic message
// labelled with the model name the caller originally requested.
func BuildClaudeResponse(resp models.CanonicalResponse, requestedModel string) ClaudeMessageResponse {
	out := ClaudeMessageResponse{
		ID:         resp.ID,
		Type:       claudeMessageType,
		Role:       "assistant",
		Model:      requestedModel,
		Content:    []ClaudeTextBlock{},
		StopReason: claudeDefaultStopReason,
	}

	if len(resp.Choices) > 0 {
		first := resp.Choices[0]
		if text := first.Content.String(); text != "" {
			out.Content = append(out.Content, ClaudeTextBlock{Type: models.PartTypeText, Text: text})
		}
		if first.FinishReason != "" {
			out.StopReason = first.FinishReason
		}
	}

	if resp.Usage != nil {
		out.Usage = &ClaudeUsage{
			InputTokens:      resp.Usage.PromptTokens,
			OutputTokens:     resp.Usage.CompletionTokens,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return out
}
