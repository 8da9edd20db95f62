package registry

import (
	"strings"

	"coderider-gateway/internal/models"
)

// DefaultModel is used when a request does not name a model.
const DefaultModel = "maas/maas-chat-model"

// OwnedBy is reported for every model in listings.
const OwnedBy = "coderider"

var prefixes = []string{"maas/", "server/"}

var defaultMultimodal = []string{"minimax", "-vl", "vision", "glm-4v"}

var defaultAliases = map[string]string{
	"claude-3-5-sonnet-20241022": "maas-minimax-m2",
	"claude-3-5-haiku-20241022":  "maas-deepseek-v3.1",
	"claude-3-opus-20240229":     "maas-glm-4.6",
	"claude-sonnet-4-5-20250929": "maas-minimax-m2",
	"claude-haiku-4-5-20251001":  "maas-deepseek-v3.1",
	"claude-opus-4-5-20251101":   "maas-glm-4.6",
}

var staticChatModels = []Entry{
	{ID: "maas-minimax-m2", Type: "chat", Name: "maas-minimax-m2", Provider: "minimax"},
	{ID: "maas-deepseek-v3.1", Type: "chat", Name: "maas-deepseek-v3.1", Provider: "deepseek"},
	{ID: "maas-glm-4.6", Type: "chat", Name: "maas-glm-4.6", Provider: "glm"},
}

// Entry describes a model the gateway always advertises.
type Entry struct {
	ID       string
	Type     string
	Name     string
	Provider string
}

// Options extends the built-in tables. Both fields are optional.
type Options struct {
	Aliases    map[string]string
	Multimodal []string
}

// Registry is an immutable lookup table of model aliases and capabilities.
// It is safe for concurrent use because nothing mutates it after New.
type Registry struct {
	aliases    map[string]string
	multimodal []string
	models     []Entry
}

// New builds a registry from the built-in tables plus any configured extras.
func New(opts Options) *Registry {
	aliases := make(map[string]string, len(defaultAliases)+len(opts.Aliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	for k, v := range opts.Aliases {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		aliases[k] = v
	}

	multimodal := make([]string, 0, len(defaultMultimodal)+len(opts.Multimodal))
	multimodal = append(multimodal, defaultMultimodal...)
	for _, name := range opts.Multimodal {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			multimodal = append(multimodal, name)
		}
	}

	entries := make([]Entry, 0, len(staticChatModels)+1)
	entries = append(entries, Entry{ID: DefaultModel, Type: "chat", Name: StripPrefix(DefaultModel)})
	entries = append(entries, staticChatModels...)

	return &Registry{
		aliases:    aliases,
		multimodal: multimodal,
		models:     entries,
	}
}

// StripPrefix removes the first matching namespace prefix, once.
func StripPrefix(model string) string {
	for _, prefix := range prefixes {
		if strings.HasPrefix(model, prefix) {
			return strings.TrimPrefix(model, prefix)
		}
	}
	return model
}

// Alias maps an externally known model name to the upstream alias. Unknown
// names are their own alias.
func (r *Registry) Alias(name string) string {
	if alias, ok := r.aliases[name]; ok {
		return alias
	}
	return name
}

// Resolve classifies a model identifier. It never fails: unknown models
// resolve to a non-multimodal descriptor that passes the bare name through.
func (r *Registry) Resolve(modelID string) models.ModelDescriptor {
	bare := StripPrefix(modelID)
	alias := r.Alias(bare)

	return models.ModelDescriptor{
		RequestedID:   modelID,
		UpstreamAlias: alias,
		Multimodal:    r.isMultimodal(bare) || r.isMultimodal(alias),
	}
}

func (r *Registry) isMultimodal(name string) bool {
	lower := strings.ToLower(name)
	if lower == "" {
		return false
	}
	for _, needle := range r.multimodal {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// Models returns the advertised model list, default model first.
func (r *Registry) Models() []Entry {
	out := make([]Entry, len(r.models))
	copy(out, r.models)
	return out
}
