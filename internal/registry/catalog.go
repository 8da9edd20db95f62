package registry

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// ObjectModel is the object tag of every model listing entry.
const ObjectModel = "model"

// CatalogEntry is one row of the detailed model listing. Fields taken from
// the upstream parameters are kept as raw JSON because the upstream does not
// type them consistently.
type CatalogEntry struct {
	ID            string          `json:"id"`
	Object        string          `json:"object"`
	OwnedBy       string          `json:"owned_by"`
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	Provider      json.RawMessage `json:"provider,omitempty"`
	ContextWindow json.RawMessage `json:"context_window"`
	Temperature   json.RawMessage `json:"temperature,omitempty"`
	Raw           json.RawMessage `json:"raw"`
}

var catalogSections = []struct {
	key, modelType string
}{
	{key: "chat_models", modelType: "chat"},
	{key: "code_completion_models", modelType: "code_completion"},
	{key: "loom_models", modelType: "loom"},
}

// Catalog merges the upstream configuration document with the static chat
// models. Static models already listed by the upstream are not repeated.
func (r *Registry) Catalog(upstreamConfig []byte) []CatalogEntry {
	params := make(map[string]gjson.Result)
	eachArrayItem(upstreamConfig, "llm_models_params", func(item gjson.Result) {
		if item.IsObject() {
			params[item.Get("name").String()] = item
		}
	})

	entries := make([]CatalogEntry, 0)
	seen := make(map[string]struct{})
	for _, section := range catalogSections {
		eachArrayItem(upstreamConfig, section.key, func(tag gjson.Result) {
			if tag.Type != gjson.String || tag.Str == "" {
				return
			}
			entries = append(entries, upstreamEntry(tag.Str, section.modelType, params))
			seen[tag.Str] = struct{}{}
		})
	}

	for _, m := range r.models {
		if m.ID == DefaultModel {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		provider, _ := json.Marshal(m.Provider)
		entries = append(entries, CatalogEntry{
			ID:       m.ID,
			Object:   ObjectModel,
			OwnedBy:  OwnedBy,
			Type:     m.Type,
			Name:     m.Name,
			Provider: provider,
		})
	}
	return entries
}

func eachArrayItem(doc []byte, path string, fn func(gjson.Result)) {
	list := gjson.GetBytes(doc, path)
	if !list.IsArray() {
		return
	}
	for _, item := range list.Array() {
		fn(item)
	}
}

func upstreamEntry(tag, modelType string, params map[string]gjson.Result) CatalogEntry {
	bare := tag
	if parts := strings.Split(tag, "/"); len(parts) > 1 {
		bare = parts[1]
	}

	entry := CatalogEntry{
		ID:      tag,
		Object:  ObjectModel,
		OwnedBy: OwnedBy,
		Type:    modelType,
		Name:    bare,
		Raw:     json.RawMessage(`{}`),
	}

	p, ok := params[bare]
	if !ok {
		return entry
	}
	entry.Raw = json.RawMessage(p.Raw)
	entry.Provider = rawField(p, "provider")
	entry.ContextWindow = rawField(p, "context_window")
	entry.Temperature = rawField(p, "temperature")
	return entry
}

func rawField(obj gjson.Result, key string) json.RawMessage {
	v := obj.Get(key)
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}
