// Package broadcast provides an ordered one-to-many event distributor with
// normal and exceptional completion.
package broadcast

import (
	"errors"
	"sync"
)

// ErrLateSubscription is returned when a listener subscribes after the
// stream has started delivering events.
var ErrLateSubscription = errors.New("broadcast: subscribe called after the stream started")

// Listener receives events from a Broadcaster.
// OnComplete or OnError is called exactly once, after every event.
type Listener[T any] interface {
	OnNext(item T)
	OnError(err error)
	OnComplete()
}

// Funcs adapts plain functions to Listener. Nil fields are skipped.
type Funcs[T any] struct {
	Next     func(T)
	Error    func(error)
	Complete func()
}

// OnNext implements Listener.
func (f Funcs[T]) OnNext(item T) {
	if f.Next != nil {
		f.Next(item)
	}
}

// OnError implements Listener.
func (f Funcs[T]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// OnComplete implements Listener.
func (f Funcs[T]) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

// Broadcaster fans out submitted items to every subscribed listener in
// submission order. Delivery runs on the submitting goroutine, so a slow
// listener delays the stream. Safe for concurrent use.
//
// Callbacks run outside the state lock, so a listener may query the
// broadcaster. Callbacks must not call Submit, Close or CloseExceptionally on
// the broadcaster that is delivering to them.
type Broadcaster[T any] struct {
	// deliver serializes deliveries so every listener sees one order and the
	// terminal signal after every item.
	deliver sync.Mutex

	mu        sync.Mutex
	listeners []Listener[T]
	started   bool
	closed    bool
}

// New creates an empty Broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{}
}

// Subscribe registers a listener. It must happen before Start.
func (b *Broadcaster[T]) Subscribe(l Listener[T]) error {
	if l == nil {
		return errors.New("broadcast: nil listener")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return ErrLateSubscription
	}
	b.listeners = append(b.listeners, l)
	return nil
}

// Start seals the listener set. Later subscriptions fail.
func (b *Broadcaster[T]) Start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
}

// snapshot returns the listeners and, when terminal is set, marks the
// broadcaster closed. ok is false once a terminal signal was delivered.
func (b *Broadcaster[T]) snapshot(terminal bool) (listeners []Listener[T], ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	if terminal {
		b.closed = true
	}
	return append([]Listener[T](nil), b.listeners...), true
}

// Submit delivers item to every listener. Items submitted after a terminal
// signal are dropped and Submit returns false.
func (b *Broadcaster[T]) Submit(item T) bool {
	b.deliver.Lock()
	defer b.deliver.Unlock()
	listeners, ok := b.snapshot(false)
	if !ok {
		return false
	}
	for _, l := range listeners {
		l.OnNext(item)
	}
	return true
}

// Close signals normal completion. Only the first terminal call has effect.
func (b *Broadcaster[T]) Close() {
	b.deliver.Lock()
	defer b.deliver.Unlock()
	listeners, ok := b.snapshot(true)
	if !ok {
		return
	}
	for _, l := range listeners {
		l.OnComplete()
	}
}

// CloseExceptionally signals failure with err. Only the first terminal call
// has effect.
func (b *Broadcaster[T]) CloseExceptionally(err error) {
	b.deliver.Lock()
	defer b.deliver.Unlock()
	listeners, ok := b.snapshot(true)
	if !ok {
		return
	}
	for _, l := range listeners {
		l.OnError(err)
	}
}

func (b *Broadcaster[T]) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
