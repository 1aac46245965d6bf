package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmgateway/internal/core"
	"llmgateway/internal/providers"
	"llmgateway/internal/providers/openai"
	"llmgateway/internal/providers/providerstest"
	"llmgateway/internal/transcript"
)

// vendorRouter mints OpenAI clients against a mock vendor server.
type vendorRouter struct {
	vendor *httptest.Server
	err    error
}

func (r *vendorRouter) mint() (providers.Client, error) {
	if r.err != nil {
		return nil, r.err
	}
	client := openai.New(providerstest.Options(r.vendor))
	client.SetModel(providerstest.Descriptor(r.vendor, core.VendorOpenAI, "gpt-4o"))
	return client, nil
}

func (r *vendorRouter) ChatClient() (providers.Client, error)       { return r.mint() }
func (r *vendorRouter) CompletionClient() (providers.Client, error) { return r.mint() }

type memoryCatalog struct {
	mu         sync.Mutex
	models     []core.ModelDescriptor
	chat, comp string
}

func (m *memoryCatalog) Models() []core.ModelDescriptor { return m.models }

func (m *memoryCatalog) Selection() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chat, m.comp
}

func (m *memoryCatalog) Select(_ context.Context, chat, completion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	known := func(uid string) bool {
		for _, d := range m.models {
			if d.UID == uid {
				return true
			}
		}
		return false
	}
	for _, uid := range []string{chat, completion} {
		if uid != "" && !known(uid) {
			return core.NewConfigurationError("unknown model "+uid, nil)
		}
	}
	if chat != "" {
		m.chat = chat
	}
	if completion != "" {
		m.comp = completion
	}
	return nil
}

func newCatalog() *memoryCatalog {
	return &memoryCatalog{
		models: []core.ModelDescriptor{
			{UID: "gpt", Vendor: core.VendorOpenAI, URL: "https://api.openai.com/v1/chat/completions", APIKey: "sk-secret", Model: "gpt-4o", FunctionCalling: true},
			{UID: "claude", URL: "https://api.anthropic.com/v1/messages", APIKey: "sk-ant", Model: "claude"},
		},
		chat: "gpt",
	}
}

const userMessage = `{"messages":[{"role":"user","content":"2+2?"}]}`

func do(t *testing.T, srv http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(body string) []sseEvent {
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = v
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestHealth(t *testing.T) {
	srv := New(&vendorRouter{}, newCatalog(), &Config{MasterKey: "k"})
	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestListModels_RedactsKeys(t *testing.T) {
	srv := New(&vendorRouter{}, newCatalog(), nil)
	rec := do(t, srv, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-")

	var resp ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, core.VendorAnthropic, resp.Data[1].Vendor, "untagged models report the inferred vendor")
	assert.Equal(t, "gpt", resp.ChatModel)
}

func TestSelectModels(t *testing.T) {
	catalog := newCatalog()
	srv := New(&vendorRouter{}, catalog, nil)

	rec := do(t, srv, http.MethodPut, "/v1/models/selection", `{"completion_model":"claude"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, completion := catalog.Selection()
	assert.Equal(t, "claude", completion)

	rec = do(t, srv, http.MethodPut, "/v1/models/selection", `{"chat_model":"missing"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
}

func TestStream_RelaysEvents(t *testing.T) {
	vendor, _ := providerstest.SSEServer(t,
		providerstest.Data(`{"choices":[{"delta":{"content":"4"}}]}`),
		providerstest.Data(`{"choices":[{"delta":{"function_call":{"name":"calc__add","arguments":"{}"}}}]}`),
		providerstest.Data(`[DONE]`),
	)

	var mu sync.Mutex
	var hooked []providers.ContextKind
	var requestIDs []string
	srv := New(&vendorRouter{vendor: vendor}, newCatalog(), &Config{
		RequestListeners: func(ctx context.Context, kind providers.ContextKind, _ core.ModelDescriptor) []providers.Listener {
			mu.Lock()
			defer mu.Unlock()
			hooked = append(hooked, kind)
			requestIDs = append(requestIDs, core.GetRequestID(ctx))
			return []providers.Listener{providerstest.NewRecorder()}
		},
	})

	rec := do(t, srv, http.MethodPost, "/v1/stream", userMessage, map[string]string{"X-Request-ID": "req-42"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(rec.Body.String())
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "content", events[0].name)
	assert.JSONEq(t, `{"type":"CONTENT","payload":"4"}`, events[0].data)
	for _, ev := range events[1 : len(events)-1] {
		assert.Equal(t, "function_call", ev.name)
	}
	assert.Equal(t, "done", events[len(events)-1].name)

	assert.Equal(t, []providers.ContextKind{providers.ContextChat}, hooked)
	assert.Equal(t, []string{"req-42"}, requestIDs)
}

func TestStream_VendorErrorBecomesErrorEvent(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer vendor.Close()

	srv := New(&vendorRouter{vendor: vendor}, newCatalog(), nil)
	rec := do(t, srv, http.MethodPost, "/v1/stream", userMessage, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].name)
	assert.JSONEq(t, `{"error":{"type":"authentication_error","message":"bad key"}}`, events[0].data)
}

func TestStream_RequestErrors(t *testing.T) {
	tests := []struct {
		name   string
		router *vendorRouter
		body   string
		status int
	}{
		{name: "malformed body", router: &vendorRouter{}, body: `{"messages":`, status: http.StatusBadRequest},
		{name: "no messages", router: &vendorRouter{}, body: `{"messages":[]}`, status: http.StatusBadRequest},
		{name: "unknown role", router: &vendorRouter{}, body: `{"messages":[{"role":"robot","content":"x"}]}`, status: http.StatusBadRequest},
		{name: "orphan function result", router: &vendorRouter{}, body: `{"messages":[{"role":"function","content":"4","function_call":{"id":"c1","name":"a__b"}}]}`, status: http.StatusBadRequest},
		{name: "no model selected", router: &vendorRouter{err: core.ErrModelNotSelected}, body: userMessage, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(tt.router, newCatalog(), nil)
			rec := do(t, srv, http.MethodPost, "/v1/stream", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestComplete(t *testing.T) {
	vendor, _ := providerstest.SSEServer(t,
		providerstest.Data(`{"choices":[{"delta":{"content":"return a + b"}}]}`),
		providerstest.Data(`{"choices":[{"delta":{"content":"\n` + "```" + `\nThis adds."}}]}`),
		providerstest.Data(`[DONE]`),
	)
	srv := New(&vendorRouter{vendor: vendor}, newCatalog(), nil)

	rec := do(t, srv, http.MethodPost, "/v1/complete", userMessage, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CompleteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "return a + b\n", resp.Text)
	assert.Equal(t, "test-openai", resp.Model)
}

func TestComplete_Timeout(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer vendor.Close()

	srv := New(&vendorRouter{vendor: vendor}, newCatalog(), &Config{CompletionTimeout: 50 * time.Millisecond})
	rec := do(t, srv, http.MethodPost, "/v1/complete", userMessage, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "timeout_error")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "llmgateway_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	t.Run("custom path is public", func(t *testing.T) {
		srv := New(&vendorRouter{}, newCatalog(), &Config{
			MasterKey:       "secret-key",
			MetricsEnabled:  true,
			MetricsEndpoint: "/monitoring/metrics",
			MetricsHandler:  handler,
		})
		rec := do(t, srv, http.MethodGet, "/monitoring/metrics", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "llmgateway_test_total 1")

		rec = do(t, srv, http.MethodGet, "/v1/models", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "api routes stay protected")
	})

	t.Run("traversal is normalized", func(t *testing.T) {
		srv := New(&vendorRouter{}, newCatalog(), &Config{
			MetricsEnabled:  true,
			MetricsEndpoint: "/a/../metrics",
			MetricsHandler:  handler,
		})
		rec := do(t, srv, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("disabled", func(t *testing.T) {
		srv := New(&vendorRouter{}, newCatalog(), &Config{MetricsHandler: handler})
		rec := do(t, srv, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestBodyLimit(t *testing.T) {
	srv := New(&vendorRouter{}, newCatalog(), &Config{BodySizeLimit: "1K"})
	body := `{"messages":[{"role":"user","content":"` + strings.Repeat("x", 4096) + `"}]}`
	rec := do(t, srv, http.MethodPost, "/v1/stream", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type fakeTranscripts struct {
	entries []*transcript.Entry
	limit   int
}

func (f *fakeTranscripts) Recent(_ context.Context, limit int) ([]*transcript.Entry, error) {
	f.limit = limit
	return f.entries, nil
}

func TestListTranscripts(t *testing.T) {
	store := &fakeTranscripts{entries: []*transcript.Entry{
		{ID: "t1", Context: "chat", Vendor: "openai", Model: "gpt-4o", Outcome: transcript.OutcomeCompleted, Content: "4", Events: 1},
	}}
	srv := New(&vendorRouter{}, newCatalog(), &Config{Transcripts: store})

	rec := do(t, srv, http.MethodGet, "/v1/transcripts?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, store.limit)

	var body struct {
		Data []transcript.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "t1", body.Data[0].ID)
	assert.Equal(t, "4", body.Data[0].Content)

	rec = do(t, srv, http.MethodGet, "/v1/transcripts?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	t.Run("not mounted without a store", func(t *testing.T) {
		srv := New(&vendorRouter{}, newCatalog(), nil)
		rec := do(t, srv, http.MethodGet, "/v1/transcripts", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
