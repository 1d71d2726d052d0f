// Package poller implements cancellable fixed-interval polling of remote resources.
//
// A Poller repeatedly invokes a fetch function until a predicate reports the value as
// terminal. Every Start opens a fresh cancellation scope that supersedes the previous one,
// so a value fetched by a superseded run is never published.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/miradorstack/mirador-investigator/internal/metrics"
)

// State is the lifecycle state of a Poller.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrStopped is returned by Wait when the run ended without a terminal value.
	ErrStopped = errors.New("poller stopped before a terminal value")
	// ErrNotStarted is returned by Wait when Start has never been called.
	ErrNotStarted = errors.New("poller not started")
)

// FetchFunc loads the latest value of the polled resource.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Option customises a Poller.
type Option[T any] func(*Poller[T])

// WithLogger sets the logger used for transient fetch failures.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Poller[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithResource names the polled resource in logs and metrics.
func WithResource[T any](resource string) Option[T] {
	return func(p *Poller[T]) { p.resource = resource }
}

// WithEqual overrides the equality used to suppress duplicate emissions.
func WithEqual[T any](equal func(a, b T) bool) Option[T] {
	return func(p *Poller[T]) {
		if equal != nil {
			p.equal = equal
		}
	}
}

// Poller drives one polling run at a time and broadcasts value changes to listeners.
type Poller[T any] struct {
	logger   *slog.Logger
	resource string
	equal    func(a, b T) bool

	mu        sync.Mutex
	state     State
	current   *run[T]
	listeners map[uint64]func(T)
	nextID    uint64
}

type run[T any] struct {
	key      string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	value    T
	hasValue bool
	terminal bool
}

// New constructs an idle Poller. Values are compared structurally; nil and empty
// collections are considered equal and map key order never matters.
func New[T any](opts ...Option[T]) *Poller[T] {
	p := &Poller[T]{
		logger:    slog.Default(),
		resource:  "resource",
		listeners: make(map[uint64]func(T)),
	}
	p.equal = func(a, b T) bool { return cmp.Equal(a, b, cmpopts.EquateEmpty()) }
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling key. fetch runs immediately and then every interval until
// shouldContinue returns false for a fetched value. Starting the key already being polled
// is a no-op; starting a different key stops the current run first.
func (p *Poller[T]) Start(parent context.Context, key string, fetch FetchFunc[T], interval time.Duration, shouldContinue func(T) bool) {
	if interval <= 0 {
		interval = time.Second
	}

	p.mu.Lock()
	if p.state == StatePolling && p.current != nil && p.current.key == key {
		p.mu.Unlock()
		return
	}
	if p.state == StatePolling {
		p.stopLocked()
		p.logger.Debug("poll superseded", slog.String("resource", p.resource), slog.String("key", key))
	}

	ctx, cancel := context.WithCancel(parent)
	r := &run[T]{key: key, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	p.current = r
	p.state = StatePolling
	p.mu.Unlock()

	go p.loop(r, fetch, interval, shouldContinue)
}

// Stop cancels the in-flight fetch and any pending tick and clears the current value.
// It is safe to call repeatedly.
func (p *Poller[T]) Stop(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return
	}
	if p.state == StatePolling {
		p.logger.Debug("poll stopped", slog.String("resource", p.resource), slog.String("key", p.current.key), slog.String("reason", reason))
	}
	p.stopLocked()
}

func (p *Poller[T]) stopLocked() {
	r := p.current
	r.cancel()
	var zero T
	r.value = zero
	r.hasValue = false
	r.terminal = false
	p.state = StateStopped
}

// State reports the lifecycle state.
func (p *Poller[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Key returns the key of the current or last run.
func (p *Poller[T]) Key() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.key
}

// Current returns the last published value of the current run.
func (p *Poller[T]) Current() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		var zero T
		return zero, false
	}
	return p.current.value, p.current.hasValue
}

// Terminal reports whether the current run has published its terminal value.
func (p *Poller[T]) Terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && p.current.terminal
}

// Subscribe registers fn for every published value change. fn runs on the polling
// goroutine and must not block. The returned function removes the subscription.
func (p *Poller[T]) Subscribe(fn func(T)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// Wait blocks until the current run publishes a terminal value, is stopped, or ctx ends.
func (p *Poller[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil {
		return zero, ErrNotStarted
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.done:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if r.terminal && r.hasValue {
		return r.value, nil
	}
	if err := r.ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return zero, err
	}
	return zero, ErrStopped
}

func (p *Poller[T]) loop(r *run[T], fetch FetchFunc[T], interval time.Duration, shouldContinue func(T) bool) {
	defer p.finish(r)

	timer := time.NewTimer(interval)
	timer.Stop()
	defer timer.Stop()

	for {
		if r.ctx.Err() != nil {
			return
		}

		value, err := fetch(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			metrics.ObservePollTick(p.resource, err)
			p.logger.Warn("poll fetch failed",
				slog.String("resource", p.resource),
				slog.String("key", r.key),
				slog.Any("error", err))
		} else {
			metrics.ObservePollTick(p.resource, nil)
			terminal := !shouldContinue(value)
			if !p.publish(r, value, terminal) || terminal {
				return
			}
		}

		timer.Reset(interval)
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// publish records value for r and notifies listeners when it differs from the previous
// value. It returns false when r has been superseded or stopped.
func (p *Poller[T]) publish(r *run[T], value T, terminal bool) bool {
	p.mu.Lock()
	if p.current != r || r.ctx.Err() != nil {
		p.mu.Unlock()
		return false
	}
	changed := !r.hasValue || !p.equal(r.value, value)
	r.value = value
	r.hasValue = true
	if terminal {
		r.terminal = true
		p.state = StateStopped
	}
	var notify []func(T)
	if changed {
		notify = make([]func(T), 0, len(p.listeners))
		for _, fn := range p.listeners {
			notify = append(notify, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range notify {
		fn(value)
	}
	return true
}

func (p *Poller[T]) finish(r *run[T]) {
	p.mu.Lock()
	if p.current == r && p.state == StatePolling {
		p.state = StateStopped
	}
	p.mu.Unlock()
	close(r.done)
}

// Derive subscribes fn to a projection of p's values. fn is called only when the
// projected value changes.
func Derive[T any, U comparable](p *Poller[T], project func(T) U, fn func(U)) func() {
	var (
		mu   sync.Mutex
		last U
		seen bool
	)
	return p.Subscribe(func(v T) {
		u := project(v)
		mu.Lock()
		if seen && u == last {
			mu.Unlock()
			return
		}
		last, seen = u, true
		mu.Unlock()
		fn(u)
	})
}
