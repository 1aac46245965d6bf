// Package transcript records the outcome of every streamed request: the
// assembled assistant text, function call payloads and the terminal state.
package transcript

import (
	"context"
	"time"
)

// Outcome is the terminal state of a stream.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Store defines the interface for transcript storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes multiple entries to storage.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]*Entry, error)

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Entry is one finished stream.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// DurationNs is the stream duration in nanoseconds
	DurationNs int64   `json:"duration_ns"`
	RequestID  string  `json:"request_id,omitempty"`
	Context    string  `json:"context"`
	Vendor     string  `json:"vendor"`
	Model      string  `json:"model"`
	Outcome    Outcome `json:"outcome"`
	// Content is the concatenated CONTENT payloads.
	Content string `json:"content,omitempty"`
	// FunctionCalls is the concatenated FUNCTION_CALL payloads.
	FunctionCalls string `json:"function_calls,omitempty"`
	Events        int    `json:"events"`
	Error         string `json:"error,omitempty"`
}

// Config holds transcript recording configuration.
type Config struct {
	Enabled       bool
	BufferSize    int
	FlushInterval time.Duration
	RetentionDays int
}
