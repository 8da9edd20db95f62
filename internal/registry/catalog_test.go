package registry_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderider-gateway/internal/registry"
)

func TestCatalogMergesUpstreamConfig(t *testing.T) {
	config := `{
		"chat_models": ["maas/maas-glm-4.6", "maas/qwen-coder", 7],
		"code_completion_models": ["maas/code-lite"],
		"loom_models": ["loom-1"],
		"llm_models_params": [
			{"name": "maas-glm-4.6", "provider": "glm", "context_window": 128000, "temperature": 0.7},
			{"name": "code-lite", "provider": "internal"}
		]
	}`

	entries := registry.New(registry.Options{}).Catalog([]byte(config))

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{
		"maas/maas-glm-4.6",
		"maas/qwen-coder",
		"maas/code-lite",
		"loom-1",
		"maas-minimax-m2",
		"maas-deepseek-v3.1",
		"maas-glm-4.6",
	}, ids)

	glm := entries[0]
	assert.Equal(t, "chat", glm.Type)
	assert.Equal(t, "maas-glm-4.6", glm.Name)
	assert.JSONEq(t, `"glm"`, string(glm.Provider))
	assert.JSONEq(t, `128000`, string(glm.ContextWindow))
	assert.JSONEq(t, `0.7`, string(glm.Temperature))

	data, err := json.Marshal(entries[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"maas/qwen-coder","object":"model","owned_by":"coderider","type":"chat","name":"qwen-coder","context_window":null,"raw":{}}`, string(data))

	assert.Equal(t, "code_completion", entries[2].Type)
	assert.Equal(t, "loom-1", entries[3].Name)

	data, err = json.Marshal(entries[4])
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"maas-minimax-m2","object":"model","owned_by":"coderider","type":"chat","name":"maas-minimax-m2","provider":"minimax","context_window":null,"raw":null}`, string(data))
}

func TestCatalogSkipsStaticModelsListedUpstream(t *testing.T) {
	entries := registry.New(registry.Options{}).Catalog([]byte(`{"chat_models":["maas-glm-4.6"]}`))

	require.Len(t, entries, 3)
	assert.Equal(t, "maas-glm-4.6", entries[0].ID)
	assert.JSONEq(t, `{}`, string(entries[0].Raw))
}

func TestCatalogToleratesGarbage(t *testing.T) {
	for _, body := range []string{``, `null`, `[]`, `not json`, `{"chat_models":"x"}`} {
		entries := registry.New(registry.Options{}).Catalog([]byte(body))
		assert.Len(t, entries, 3, body)
	}
}
