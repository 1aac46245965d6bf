// Package providerstest provides helpers for testing vendor clients against
// mock streaming servers.
package providerstest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"llmgateway/internal/core"
	"llmgateway/internal/pkg/llmclient"
	"llmgateway/internal/providers"
)

// Recorder is a listener that keeps every event and the terminal signal.
type Recorder struct {
	mu        sync.Mutex
	events    []core.Incoming
	err       error
	completed bool
	done      chan struct{}
	once      sync.Once
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{done: make(chan struct{})}
}

// OnNext implements broadcast.Listener.
func (r *Recorder) OnNext(ev core.Incoming) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// OnError implements broadcast.Listener.
func (r *Recorder) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.once.Do(func() { close(r.done) })
}

// OnComplete implements broadcast.Listener.
func (r *Recorder) OnComplete() {
	r.mu.Lock()
	r.completed = true
	r.mu.Unlock()
	r.once.Do(func() { close(r.done) })
}

// Events returns a copy of the received events.
func (r *Recorder) Events() []core.Incoming {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Incoming(nil), r.events...)
}

// Err returns the error of an exceptional close.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Completed reports a normal close.
func (r *Recorder) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Done is closed when a terminal signal arrives.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Text concatenates every CONTENT payload.
func (r *Recorder) Text() string {
	var sb strings.Builder
	for _, ev := range r.Events() {
		if ev.Type == core.EventContent {
			sb.WriteString(ev.Payload)
		}
	}
	return sb.String()
}

// FunctionCallJSON concatenates every FUNCTION_CALL payload.
func (r *Recorder) FunctionCallJSON() string {
	var sb strings.Builder
	for _, ev := range r.Events() {
		if ev.Type == core.EventFunctionCall {
			sb.WriteString(ev.Payload)
		}
	}
	return sb.String()
}

// Captured is the request a mock server received.
type Captured struct {
	mu      sync.Mutex
	Header  http.Header
	Path    string
	RawBody []byte
}

// Body decodes the captured JSON body.
func (c *Captured) Body(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var body map[string]any
	if err := json.Unmarshal(c.RawBody, &body); err != nil {
		t.Fatalf("request body is not JSON: %v\n%s", err, c.RawBody)
	}
	return body
}

// Get returns a captured header value.
func (c *Captured) Get(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Header.Get(key)
}

// SSEServer starts a server answering every request with lines, written and
// flushed one at a time. Each line gets a trailing blank line.
func SSEServer(t *testing.T, lines ...string) (*httptest.Server, *Captured) {
	t.Helper()
	captured := &Captured{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured.mu.Lock()
		captured.Header = r.Header.Clone()
		captured.Path = r.URL.RequestURI()
		captured.RawBody = body
		captured.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			_, _ = fmt.Fprintf(w, "%s\n\n", line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, captured
}

// Data formats a JSON payload as an SSE data line.
func Data(payload string) string {
	return "data: " + payload
}

// Options returns client options whose transport targets server. A nil
// server yields options for tests that only build requests.
func Options(server *httptest.Server) providers.Options {
	cfg := llmclient.DefaultConfig("test")
	cfg.PollInterval = 10 * time.Millisecond
	httpClient := http.DefaultClient
	if server != nil {
		httpClient = server.Client()
	}
	return providers.Options{
		Transport: llmclient.NewWithHTTPClient(httpClient, cfg),
	}
}

// Descriptor returns a descriptor pointing at server.
func Descriptor(server *httptest.Server, vendor core.Vendor, model string) core.ModelDescriptor {
	return core.ModelDescriptor{
		UID:    "test-" + string(vendor),
		Vendor: vendor,
		URL:    server.URL,
		APIKey: "test-key",
		Model:  model,
	}
}

// UserConversation is a single user turn.
func UserConversation(text string) core.Conversation {
	return core.NewConversation(core.NewMessage(core.RoleUser, text))
}
