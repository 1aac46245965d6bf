package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmgateway/config"
	"llmgateway/internal/core"
	"llmgateway/internal/providers/providerstest"
)

func vendorServer(t *testing.T) *httptest.Server {
	t.Helper()
	server, _ := providerstest.SSEServer(t,
		providerstest.Data(`{"choices":[{"delta":{"content":"2+2"}}]}`),
		providerstest.Data(`{"choices":[{"delta":{"content":" is 4"}}]}`),
		providerstest.Data(`[DONE]`),
	)
	return server
}

func testConfig(t *testing.T, vendorURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server:  config.ServerConfig{Port: "0", CompletionTimeout: 5},
		HTTP:    config.HTTPConfig{ConnectTimeout: 5, RequestTimeout: 10, MaxRetries: 1, RetryAfter: 1},
		Catalog: config.CatalogConfig{Type: "local", Path: filepath.Join(dir, "catalog.json")},
		Storage: config.StorageConfig{Type: "sqlite", SQLitePath: filepath.Join(dir, "gateway.db")},
		Metrics: config.MetricsConfig{Enabled: true, Endpoint: "/metrics"},
		Models: []core.ModelDescriptor{
			{UID: "local-gpt", Vendor: core.VendorOpenAI, URL: vendorURL, APIKey: "k", Model: "gpt-4o"},
		},
		ChatModel:       "local-gpt",
		CompletionModel: "local-gpt",
	}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), Config{AppConfig: cfg, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func request(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDefaultFactory(t *testing.T) {
	assert.ElementsMatch(t, []core.Vendor{
		core.VendorOpenAI, core.VendorOpenAIResponses, core.VendorAnthropic,
		core.VendorGemini, core.VendorDeepSeek, core.VendorGrok,
	}, DefaultFactory().Vendors())
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNew_UnknownCatalogType(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Catalog.Type = "etcd"
	_, err := New(context.Background(), Config{AppConfig: cfg})
	assert.ErrorContains(t, err, "unknown catalog type")
}

func TestNew_InvalidSeedFails(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Models[0].Model = ""
	_, err := New(context.Background(), Config{AppConfig: cfg})
	assert.Error(t, err)
}

func TestStreamEndToEnd(t *testing.T) {
	server := vendorServer(t)
	a := newApp(t, testConfig(t, server.URL))

	rec := request(t, a.Handler(), http.MethodPost, "/v1/stream", `{"messages":[{"role":"user","content":"2+2?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `event: content`)
	assert.Contains(t, rec.Body.String(), `event: done`)

	metrics := request(t, a.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `llmgateway_streams_total{context="chat",outcome="completed",vendor="openai"} 1`)
}

func TestCompleteEndToEnd(t *testing.T) {
	server := vendorServer(t)
	a := newApp(t, testConfig(t, server.URL))

	rec := request(t, a.Handler(), http.MethodPost, "/v1/complete", `{"messages":[{"role":"user","content":"2+2?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2+2 is 4", body.Text)
	assert.Equal(t, "local-gpt", body.Model)
}

func TestTranscriptsRecorded(t *testing.T) {
	server := vendorServer(t)
	cfg := testConfig(t, server.URL)
	cfg.Transcripts = config.TranscriptsConfig{Enabled: true, BufferSize: 10, FlushInterval: 1, RetentionDays: 1}
	a := newApp(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/stream", strings.NewReader(`{"messages":[{"role":"user","content":"2+2?"}]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-app-1")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	type entry struct {
		RequestID string `json:"request_id"`
		Outcome   string `json:"outcome"`
		Content   string `json:"content"`
	}
	var entries []entry
	require.Eventually(t, func() bool {
		resp := request(t, a.Handler(), http.MethodGet, "/v1/transcripts", "")
		if resp.Code != http.StatusOK {
			return false
		}
		var body struct {
			Data []entry `json:"data"`
		}
		if json.Unmarshal(resp.Body.Bytes(), &body) != nil {
			return false
		}
		entries = body.Data
		return len(entries) == 1
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, "req-app-1", entries[0].RequestID)
	assert.Equal(t, "completed", entries[0].Outcome)
	assert.Equal(t, "2+2 is 4", entries[0].Content)
}

func TestSelectionPersists(t *testing.T) {
	server := vendorServer(t)
	cfg := testConfig(t, server.URL)
	cfg.Models = append(cfg.Models, core.ModelDescriptor{
		UID: "other", Vendor: core.VendorAnthropic, URL: "https://api.anthropic.com/v1/messages", Model: "claude",
	})
	a := newApp(t, cfg)

	rec := request(t, a.Handler(), http.MethodPut, "/v1/models/selection", `{"chat_model":"other","completion_model":"local-gpt"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, a.Shutdown(context.Background()))

	// A restart without a configured selection keeps the stored one.
	cfg.ChatModel, cfg.CompletionModel = "", ""
	restarted := newApp(t, cfg)
	chat, completion := restarted.Registry().Selection()
	assert.Equal(t, "other", chat)
	assert.Equal(t, "local-gpt", completion)
}

func TestAsk(t *testing.T) {
	server := vendorServer(t)
	a := newApp(t, testConfig(t, server.URL))

	var out bytes.Buffer
	require.NoError(t, a.Ask(context.Background(), "2+2?", &out))
	assert.Equal(t, "2+2 is 4\n", out.String())
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := newApp(t, testConfig(t, "http://127.0.0.1:1"))
	require.NoError(t, a.Shutdown(context.Background()))
	assert.NoError(t, a.Shutdown(context.Background()))
}

func TestLogDispatcher(t *testing.T) {
	var logs bytes.Buffer
	d := logDispatcher{logger: slog.New(slog.NewTextHandler(&logs, nil))}

	call := core.FunctionCall{ID: "c1", Name: "fs__read", Arguments: map[string]any{"path": "a.go"}}
	require.NoError(t, d.Dispatch(context.Background(), call))
	assert.Contains(t, logs.String(), "id=c1 source=fs tool=read")
}
