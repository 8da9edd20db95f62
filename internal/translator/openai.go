package translator

import (
	"encoding/json"
	"fmt"

	"coderider-gateway/internal/models"
)

const (
	fieldModel    = "model"
	fieldMessages = "messages"
	fieldStream   = "stream"
)

// ChatRequest is an OpenAI chat/completions request split into the fields
// the gateway interprets and the ones it forwards untouched.
type ChatRequest struct {
	Model    string
	Messages []models.Message
	// Stream records what the caller asked for. Responses are never streamed.
	Stream bool
	Params *models.Params
}

// ParseChatRequest splits an OpenAI-dialect body. Every key other than
// messages, model and stream is kept verbatim, in order, in Params.
func ParseChatRequest(body []byte) (ChatRequest, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return ChatRequest{}, err
	}

	req := ChatRequest{
		Messages: []models.Message{},
		Params:   models.NewParams(),
	}

	for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
		switch pair.Key {
		case fieldMessages:
			req.Messages, err = parseMessages(pair.Value)
		case fieldModel:
			req.Model, err = parseModel(pair.Value)
		case fieldStream:
			req.Stream = truthy(pair.Value)
		default:
			req.Params.Set(pair.Key, pair.Value)
		}
		if err != nil {
			return ChatRequest{}, err
		}
	}

	return req, nil
}

// ToCanonical converts the request into a canonical call.
func (r ChatRequest) ToCanonical() models.CanonicalCall {
	return models.CanonicalCall{
		Model:    r.Model,
		Messages: r.Messages,
		Params:   r.Params,
	}
}

type upstreamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// UpstreamPayload renders the body sent to the upstream provider:
// {model, messages, stream:false, ...params}. Params can never override the
// first three keys.
func UpstreamPayload(call models.CanonicalCall, d models.ModelDescriptor) (*models.Params, error) {
	messages := make([]upstreamMessage, 0, len(call.Messages))
	for _, msg := range call.Messages {
		messages = append(messages, upstreamMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		})
	}

	model, err := json.Marshal(d.UpstreamAlias)
	if err != nil {
		return nil, fmt.Errorf("marshal model: %w", err)
	}
	encodedMessages, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}

	payload := models.NewParams()
	payload.Set(fieldModel, model)
	payload.Set(fieldMessages, encodedMessages)
	payload.Set(fieldStream, json.RawMessage("false"))

	if call.Params != nil {
		for pair := call.Params.Oldest(); pair != nil; pair = pair.Next() {
			switch pair.Key {
			case fieldModel, fieldMessages, fieldStream:
				continue
			}
			payload.Set(pair.Key, pair.Value)
		}
	}
	return payload, nil
}

// BuildChatResponse renders the OpenAI-dialect response. The canonical
// response already has this shape.
func BuildChatResponse(resp models.CanonicalResponse) models.CanonicalResponse {
	return resp
}
