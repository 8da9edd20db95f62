package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderider-gateway/internal/config"
	"coderider-gateway/internal/metrics"
	"coderider-gateway/internal/registry"
	"coderider-gateway/internal/router"
	"coderider-gateway/internal/server"
	"coderider-gateway/internal/upstream"
)

type fakeCodeRider struct {
	mu        sync.Mutex
	jwtStatus int
	chat      http.HandlerFunc
	requests  []map[string]any
}

func (f *fakeCodeRider) lastRequest(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeCodeRider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/jwt", func(w http.ResponseWriter, r *http.Request) {
		if f.jwtStatus != 0 {
			w.WriteHeader(f.jwtStatus)
			return
		}
		_, _ = io.WriteString(w, `{"token":"jwt","tokenExpiresAt":"2999-01-01T00:00:00Z"}`)
	})
	mux.HandleFunc("/api/v1/llm/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		f.mu.Lock()
		f.requests = append(f.requests, payload)
		f.mu.Unlock()

		if f.chat != nil {
			f.chat(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"id":"up-1","created":1700000000,"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello there"}}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`)
	})
	mux.HandleFunc("/api/v1/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"chat_models":["maas/qwen"],"llm_models_params":[{"name":"qwen","provider":"ali"}]}`)
	})
	return mux
}

type testGateway struct {
	url    string
	client *http.Client
	fake   *fakeCodeRider
}

func newTestGateway(t *testing.T, fake *fakeCodeRider, apiKeys ...string) *testGateway {
	t.Helper()

	upstreamSrv := httptest.NewServer(fake.handler())
	t.Cleanup(upstreamSrv.Close)

	upstreamTransport := &http.Transport{}
	t.Cleanup(upstreamTransport.CloseIdleConnections)
	up, err := upstream.New(upstream.Options{
		Host:        upstreamSrv.URL,
		AccessToken: "gitlab-token",
		HTTPClient:  &http.Client{Transport: upstreamTransport, Timeout: 5 * time.Second},
	})
	require.NoError(t, err)

	cfg := config.Config{
		Server:   config.ServerConfig{Port: 8080, APIKeys: apiKeys},
		Upstream: config.UpstreamConfig{Host: upstreamSrv.URL, AccessToken: "gitlab-token", Timeout: 5 * time.Second},
		Models:   config.ModelsConfig{Default: registry.DefaultModel},
		Log:      config.LogConfig{Level: "info", Format: config.LogFormatText},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	rt := router.New(registry.New(registry.Options{}), up, router.Options{Metrics: m, Logger: logger})

	srv, err := server.New(cfg, rt, m, logger)
	require.NoError(t, err)

	gw := httptest.NewServer(srv.Handler())
	t.Cleanup(gw.Close)

	clientTransport := &http.Transport{}
	t.Cleanup(clientTransport.CloseIdleConnections)

	return &testGateway{
		url:    gw.URL,
		client: &http.Client{Transport: clientTransport},
		fake:   fake,
	}
}

func (g *testGateway) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, g.url+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeBody(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t, &fakeCodeRider{})

	resp, body := gw.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestModels(t *testing.T) {
	gw := newTestGateway(t, &fakeCodeRider{})

	resp, body := gw.do(t, http.MethodGet, "/v1/models/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"object":"list","data":[
		{"id":"maas/maas-chat-model","object":"model","owned_by":"coderider"},
		{"id":"maas-minimax-m2","object":"model","owned_by":"coderider"},
		{"id":"maas-deepseek-v3.1","object":"model","owned_by":"coderider"},
		{"id":"maas-glm-4.6","object":"model","owned_by":"coderider"}
	]}`, string(body))
}

func TestModelsFull(t *testing.T) {
	gw := newTestGateway(t, &fakeCodeRider{})

	resp, body := gw.do(t, http.MethodGet, "/v1/models/full", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeBody(t, body)
	data := out["data"].([]any)
	require.Len(t, data, 4)
	first := data[0].(map[string]any)
	assert.Equal(t, "maas/qwen", first["id"])
	assert.Equal(t, "qwen", first["name"])
	assert.Equal(t, "ali", first["provider"])
}

func TestChatCompletionsEmptyChoicesForMultimodalModel(t *testing.T) {
	fake := &fakeCodeRider{chat: func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}}
	gw := newTestGateway(t, fake)

	body := `{"model":"maas/maas-minimax-m2","stream":true,"messages":[{"role":"user","content":"hi"}],"temperature":0.3,"x_extra":{"a":1}}`
	resp, data := gw.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	out := decodeBody(t, data)
	assert.Equal(t, "maas/maas-minimax-m2", out["model"])
	assert.Equal(t, "chat.completion", out["object"])
	assert.True(t, strings.HasPrefix(out["id"].(string), "chatcmpl-"))
	assert.NotContains(t, out, "usage")

	choices := out["choices"].([]any)
	require.Len(t, choices, 1)
	choice := choices[0].(map[string]any)
	assert.Equal(t, float64(0), choice["index"])
	assert.Equal(t, "stop", choice["finish_reason"])
	message := choice["message"].(map[string]any)
	assert.Equal(t, "assistant", message["role"])
	assert.Equal(t, []any{map[string]any{"type": "text", "text": ""}}, message["content"])

	sent := fake.lastRequest(t)
	assert.Equal(t, "maas-minimax-m2", sent["model"])
	assert.Equal(t, false, sent["stream"])
	assert.Equal(t, 0.3, sent["temperature"])
	assert.Equal(t, map[string]any{"a": float64(1)}, sent["x_extra"])
}

func TestChatCompletionsTextOnlyModel(t *testing.T) {
	fake := &fakeCodeRider{chat: func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":[{"type":"text","text":"hi"},{"type":"text","text":"again"}]}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}}
	gw := newTestGateway(t, fake)

	resp, data := gw.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"maas-deepseek-v3.1","messages":[]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	out := decodeBody(t, data)
	message := out["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "hi", message["content"])
	assert.Equal(t, map[string]any{"prompt_tokens": float64(1), "completion_tokens": float64(1), "total_tokens": float64(2)}, out["usage"])
}

func TestChatCompletionsDefaultsModel(t *testing.T) {
	fake := &fakeCodeRider{}
	gw := newTestGateway(t, fake)

	resp, data := gw.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	assert.Equal(t, "maas/maas-chat-model", decodeBody(t, data)["model"])
	assert.Equal(t, "maas-chat-model", fake.lastRequest(t)["model"])
}

func TestMessagesEndToEnd(t *testing.T) {
	fake := &fakeCodeRider{}
	gw := newTestGateway(t, fake)

	body := `{"model":"claude-3-5-haiku-20241022","max_tokens":128,"stream":true,"messages":[{"role":"user","content":[{"type":"text","text":"describe"},{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}]}]}`
	resp, data := gw.do(t, http.MethodPost, "/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	assert.JSONEq(t, `{
		"id":"up-1",
		"type":"message",
		"role":"assistant",
		"model":"claude-3-5-haiku-20241022",
		"content":[{"type":"text","text":"hello there"}],
		"stop_reason":"stop",
		"stop_sequence":null,
		"usage":{"input_tokens":4,"output_tokens":2,"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}
	}`, string(data))

	sent := fake.lastRequest(t)
	assert.Equal(t, "maas-deepseek-v3.1", sent["model"])
	assert.Equal(t, false, sent["stream"])
	assert.Equal(t, float64(128), sent["max_tokens"])
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "describe"}}, sent["messages"])
}

func TestAPIKeys(t *testing.T) {
	gw := newTestGateway(t, &fakeCodeRider{}, "secret")
	body := `{"model":"maas-glm-4.6","messages":[]}`

	resp, data := gw.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errObj := decodeBody(t, data)["error"].(map[string]any)
	assert.Equal(t, "authentication_error", errObj["type"])
	assert.Contains(t, errObj["message"], "missing API key")

	resp, data = gw.do(t, http.MethodPost, "/v1/chat/completions", body, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid API key", decodeBody(t, data)["error"].(map[string]any)["message"])

	resp, _ = gw.do(t, http.MethodPost, "/v1/chat/completions", body, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = gw.do(t, http.MethodPost, "/v1/chat/completions", body, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = gw.do(t, http.MethodPost, "/v1/messages", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	out := decodeBody(t, data)
	assert.Equal(t, "error", out["type"])
	assert.Equal(t, "authentication_error", out["error"].(map[string]any)["type"])
	assert.NotEmpty(t, out["request_id"])

	resp, _ = gw.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvalidRequestBodies(t *testing.T) {
	gw := newTestGateway(t, &fakeCodeRider{})

	for _, body := range []string{`not json`, `[]`, `{"messages":"x"}`, `{"model":1}`} {
		resp, data := gw.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "invalid_request_error", decodeBody(t, data)["error"].(map[string]any)["type"], body)

		resp, data = gw.do(t, http.MethodPost, "/v1/messages", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		out := decodeBody(t, data)
		assert.Equal(t, "error", out["type"], body)
		assert.Equal(t, "invalid_request_error", out["error"].(map[string]any)["type"], body)
	}
}

func TestBodyTooLarge(t *testing.T) {
	gw := newTestGateway(t, &fakeCodeRider{})

	body := `{"messages":[],"pad":"` + strings.Repeat("a", 1<<20) + `"}`
	req, err := http.NewRequest(http.MethodPost, gw.url+"/v1/chat/completions", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	resp, err := gw.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUpstreamAuthExpired(t *testing.T) {
	gw := newTestGateway(t, &fakeCodeRider{jwtStatus: http.StatusUnauthorized})

	resp, data := gw.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errObj := decodeBody(t, data)["error"].(map[string]any)
	assert.Equal(t, "coderider_auth_expired", errObj["code"])
	assert.Contains(t, errObj["message"], "GITLAB_OAUTH_ACCESS_TOKEN")

	resp, _ = gw.do(t, http.MethodGet, "/v1/models/full", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpstreamFailure(t *testing.T) {
	fake := &fakeCodeRider{chat: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}}
	gw := newTestGateway(t, fake)

	resp, data := gw.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	errObj := decodeBody(t, data)["error"].(map[string]any)
	assert.Equal(t, "upstream_error", errObj["type"])
	assert.Contains(t, errObj["message"], "overloaded")

	resp, data = gw.do(t, http.MethodPost, "/v1/messages", `{"messages":[]}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "api_error", decodeBody(t, data)["error"].(map[string]any)["type"])
}

func TestMalformedUpstreamStillAnswers(t *testing.T) {
	fake := &fakeCodeRider{chat: func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>oops</html>`)
	}}
	gw := newTestGateway(t, fake)

	resp, data := gw.do(t, http.MethodPost, "/v1/messages", `{"model":"maas-glm-4.6","messages":[]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	out := decodeBody(t, data)
	assert.Equal(t, []any{}, out["content"])
	assert.Equal(t, "stop", out["stop_reason"])
}

func TestNotFound(t *testing.T) {
	gw := newTestGateway(t, &fakeCodeRider{})

	resp, data := gw.do(t, http.MethodGet, "/v1/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, decodeBody(t, data), "error")
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t, &fakeCodeRider{})

	resp, _ := gw.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"maas-glm-4.6","messages":[]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := gw.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := string(data)
	assert.Contains(t, body, `coderider_gateway_requests_total{endpoint="/v1/chat/completions",method="POST",status="200"} 1`)
	assert.Contains(t, body, `coderider_gateway_tokens_total{model="maas-glm-4.6",type="prompt"} 4`)
}

func TestNewRequiresRouter(t *testing.T) {
	_, err := server.New(config.Config{}, nil, nil, nil)
	require.Error(t, err)
}
