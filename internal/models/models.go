package models

import (
	"encoding/json"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Params holds request tuning fields forwarded opaquely to the upstream,
// in the order the caller supplied them.
type Params = orderedmap.OrderedMap[string, json.RawMessage]

// NewParams returns an empty parameter map.
func NewParams() *Params {
	return orderedmap.New[string, json.RawMessage]()
}

// Message represents a single conversational message in the canonical call.
type Message struct {
	Role    string
	Content string
	Name    string
}

// CanonicalCall is the dialect-neutral description of one upstream call.
type CanonicalCall struct {
	Model    string
	Messages []Message
	Params   *Params
}

// ModelDescriptor is the resolved identity and output capability of a model.
type ModelDescriptor struct {
	RequestedID   string
	UpstreamAlias string
	Multimodal    bool
}

// PartTypeText tags a plain text content part.
const PartTypeText = "text"

// ContentPart is one unit of response content: either a text block or an
// opaque part of some other type whose fields are kept verbatim.
type ContentPart struct {
	Type   string
	Text   string
	Fields map[string]any
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: text}
}

// OtherPart builds a non-text content part carrying its raw fields.
func OtherPart(typeTag string, fields map[string]any) ContentPart {
	return ContentPart{Type: typeTag, Fields: fields}
}

// IsText reports whether the part is a text block.
func (p ContentPart) IsText() bool {
	return p.Type == PartTypeText
}

// MarshalJSON renders text parts as {"type":"text","text":...} and other parts
// as their original fields.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	if p.IsText() {
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: PartTypeText, Text: p.Text})
	}

	fields := make(map[string]any, len(p.Fields)+1)
	for k, v := range p.Fields {
		fields[k] = v
	}
	fields["type"] = p.Type
	return json.Marshal(fields)
}

// Content is a choice's message content: a plain string, or an ordered
// sequence of parts for multimodal models.
type Content struct {
	text    string
	parts   []ContentPart
	isParts bool
}

// StringContent wraps a scalar string content.
func StringContent(text string) Content {
	return Content{text: text}
}

// PartsContent wraps a content-part sequence.
func PartsContent(parts []ContentPart) Content {
	if parts == nil {
		parts = []ContentPart{}
	}
	return Content{parts: parts, isParts: true}
}

// IsParts reports whether the content is a part sequence.
func (c Content) IsParts() bool {
	return c.isParts
}

// Parts returns the part sequence, or nil for string content.
func (c Content) Parts() []ContentPart {
	if !c.isParts {
		return nil
	}
	return c.parts
}

// String returns the scalar content, or the concatenated text of all text
// parts when the content is a part sequence.
func (c Content) String() string {
	if !c.isParts {
		return c.text
	}
	var b strings.Builder
	for _, part := range c.parts {
		if part.IsText() {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// MarshalJSON renders the content as a JSON string or array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.isParts {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

// Choice is a single normalised completion choice.
type Choice struct {
	Index        int
	FinishReason string
	Role         string
	Content      Content
}

// MarshalJSON renders the choice in the OpenAI chat-completions shape.
func (c Choice) MarshalJSON() ([]byte, error) {
	type message struct {
		Role    string  `json:"role"`
		Content Content `json:"content"`
	}
	return json.Marshal(struct {
		Index        int     `json:"index"`
		FinishReason string  `json:"finish_reason"`
		Message      message `json:"message"`
	}{
		Index:        c.Index,
		FinishReason: c.FinishReason,
		Message:      message{Role: c.Role, Content: c.Content},
	})
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CanonicalResponse is the normalised upstream result. It already has the
// OpenAI chat-completions wire shape.
type CanonicalResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}
