package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LLMGATEWAY_CONNECT_TIMEOUT", "3")
	t.Setenv("LLMGATEWAY_REQUEST_TIMEOUT", "2m")

	cfg := DefaultConfig()
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 2*time.Minute, cfg.RequestTimeout)
}

func TestDefaultConfig_InvalidEnvFallsBack(t *testing.T) {
	t.Setenv("LLMGATEWAY_CONNECT_TIMEOUT", "soon")

	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
}

func TestWithTimeouts(t *testing.T) {
	base := ClientConfig{ConnectTimeout: time.Second, RequestTimeout: time.Minute, ResponseHeaderTimeout: time.Minute}

	got := base.WithTimeouts(5*time.Second, 30*time.Second)
	assert.Equal(t, 5*time.Second, got.ConnectTimeout)
	assert.Equal(t, 30*time.Second, got.RequestTimeout)
	assert.Equal(t, 30*time.Second, got.ResponseHeaderTimeout)

	unchanged := base.WithTimeouts(0, -1)
	assert.Equal(t, base, unchanged)
}

func TestNewHTTPClient(t *testing.T) {
	cfg := ClientConfig{ConnectTimeout: 2 * time.Second, RequestTimeout: 9 * time.Second}
	client := NewHTTPClient(&cfg)

	assert.Equal(t, 9*time.Second, client.Timeout)
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, transport.TLSHandshakeTimeout)
}
