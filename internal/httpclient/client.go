// Package httpclient builds the HTTP clients used to reach vendor endpoints.
package httpclient

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// ClientConfig holds transport settings for vendor HTTP clients.
type ClientConfig struct {
	// ConnectTimeout bounds dialing a vendor endpoint.
	ConnectTimeout time.Duration

	// RequestTimeout bounds one whole request including reading the stream.
	// Zero disables the overall limit.
	RequestTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for the first response byte.
	ResponseHeaderTimeout time.Duration

	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// getEnvDuration reads a duration from an environment variable.
// Plain integers are seconds; Go duration strings are accepted too.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultVal
}

// DefaultConfig returns transport defaults, overridable through
// LLMGATEWAY_CONNECT_TIMEOUT and LLMGATEWAY_REQUEST_TIMEOUT.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:        getEnvDuration("LLMGATEWAY_CONNECT_TIMEOUT", 10*time.Second),
		RequestTimeout:        getEnvDuration("LLMGATEWAY_REQUEST_TIMEOUT", 600*time.Second),
		ResponseHeaderTimeout: 120 * time.Second,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}

// WithTimeouts returns a copy of c using the given connect and request
// timeouts. Non-positive values keep the existing setting.
func (c ClientConfig) WithTimeouts(connect, request time.Duration) ClientConfig {
	if connect > 0 {
		c.ConnectTimeout = connect
	}
	if request > 0 {
		c.RequestTimeout = request
		if c.ResponseHeaderTimeout > request {
			c.ResponseHeaderTimeout = request
		}
	}
	return c
}

// NewHTTPClient creates an HTTP client. A nil config uses DefaultConfig.
func NewHTTPClient(config *ClientConfig) *http.Client {
	if config == nil {
		cfg := DefaultConfig()
		config = &cfg
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		// Vendor SSE endpoints are served over HTTP/1.1.
		ForceAttemptHTTP2: false,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout,
	}
}

// NewDefaultHTTPClient is NewHTTPClient(nil).
func NewDefaultHTTPClient() *http.Client {
	return NewHTTPClient(nil)
}
