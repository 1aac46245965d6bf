package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Writer accepts finished transcripts.
type Writer interface {
	Write(entry *Entry)
}

// Recorder provides async buffered transcript writes. Entries are flushed
// when a batch fills up or at every flush interval.
type Recorder struct {
	store         Store
	buffer        chan *Entry
	done          chan struct{}
	wg            sync.WaitGroup
	flushInterval time.Duration
	closeOnce     sync.Once
}

// NewRecorder starts the background flush loop.
func NewRecorder(store Store, cfg Config) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	r := &Recorder{
		store:         store,
		buffer:        make(chan *Entry, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// Write queues entry without blocking. A full buffer drops the entry.
func (r *Recorder) Write(entry *Entry) {
	if entry == nil {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.buffer <- entry:
	default:
		slog.Warn("transcript buffer full, dropping entry",
			"request_id", entry.RequestID,
			"model", entry.Model,
		)
	}
}

// Close flushes buffered entries and closes the store. Call it during
// shutdown after the last stream finished.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.store.Close()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, 100)
	for {
		select {
		case entry := <-r.buffer:
			batch = append(batch, entry)
			if len(batch) >= 100 {
				r.flushBatch(batch)
				batch = make([]*Entry, 0, 100)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flushBatch(batch)
				batch = make([]*Entry, 0, 100)
			}

		case <-r.done:
		drain:
			for {
				select {
				case entry := <-r.buffer:
					batch = append(batch, entry)
				default:
					break drain
				}
			}
			r.flushBatch(batch)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := r.store.Flush(ctx); err != nil {
				slog.Error("failed to flush transcript store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (r *Recorder) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write transcript batch", "error", err, "count", len(batch))
	}
}
