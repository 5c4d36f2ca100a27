// Package arena implements a shared pool of reusable backing arrays.
//
// An [Arena] hands out slices with [Arena.Get] and takes them back
// with [Arena.Put]. Arrays are grouped in power-of-two size classes;
// a returned array is cleared before it can be handed out again, so
// the pool never keeps values reachable on behalf of its previous
// owner.
//
// An arena can be closed. After [Arena.Close], Get still works (it
// simply allocates) but everything passed to Put is dropped. This is
// what process teardown wants: owners that are still releasing their
// arrays must not operate on a pool that is going away.
//
// No method blocks.
package arena

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
)

// DefaultMaxSize holds the largest array length that is pooled when
// [Config.MaxSize] is <= 0. Larger arrays are allocated and dropped
// as usual.
const DefaultMaxSize = 1 << 16

// Config holds configuration for an [Arena].
type Config struct {
	// Logger receives a record when the arena is closed and for
	// every array dropped because the arena was closed.
	// If it is nil, nothing is logged.
	Logger *slog.Logger

	// MaxSize holds the largest array length kept for reuse.
	// If it is <= 0, DefaultMaxSize is used.
	MaxSize int

	// Disabled makes the arena a plain allocator: Get always
	// allocates and Put drops its argument.
	Disabled bool
}

// Stats holds counters describing the use of an [Arena].
type Stats struct {
	// Gets counts calls to Get.
	Gets int64
	// Reused counts the Gets that were satisfied from the pool.
	Reused int64
	// Puts counts calls to Put with a non-empty array.
	Puts int64
	// Dropped counts the Puts that did not make it into the pool.
	Dropped int64
}

// Arena is a pool of []T backing arrays. Its methods may be called
// concurrently.
type Arena[T any] struct {
	logger   *slog.Logger
	maxSize  int
	disabled bool

	// classes[k] holds *[]T values with capacity 1<<k.
	classes [bits.UintSize]sync.Pool
	closed  atomic.Bool

	gets    atomic.Int64
	reused  atomic.Int64
	puts    atomic.Int64
	dropped atomic.Int64
}

// New returns a new arena. If cfg is nil, it's equivalent to a pointer
// to a zero-valued [Config].
func New[T any](cfg0 *Config) *Arena[T] {
	var cfg Config
	if cfg0 != nil {
		cfg = *cfg0
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	return &Arena[T]{
		logger:   cfg.Logger,
		maxSize:  cfg.MaxSize,
		disabled: cfg.Disabled,
	}
}

// Get returns a zeroed slice of length n, reusing a pooled
// array when one is available. It panics if n is negative.
func (a *Arena[T]) Get(n int) []T {
	if n < 0 {
		panic(fmt.Errorf("arena: negative length %d", n))
	}
	a.gets.Add(1)
	if n == 0 {
		return []T{}
	}
	class := sizeClass(n)
	if a.disabled || 1<<class > a.maxSize {
		return make([]T, n)
	}
	if p, ok := a.classes[class].Get().(*[]T); ok {
		a.reused.Add(1)
		return (*p)[:n]
	}
	return make([]T, n, 1<<class)
}

// Put donates s to the arena. The caller must not use s afterwards.
// Arrays whose capacity is not a power of two or is beyond the
// arena's maximum size are dropped, as is everything once the
// arena is closed.
func (a *Arena[T]) Put(s []T) {
	c := cap(s)
	if c == 0 {
		return
	}
	a.puts.Add(1)
	if a.closed.Load() {
		a.dropped.Add(1)
		if a.logger != nil {
			a.logger.Info("arena closed; dropping array", "type", typeName[T](), "cap", c)
		}
		return
	}
	if a.disabled || c > a.maxSize || c&(c-1) != 0 {
		a.dropped.Add(1)
		return
	}
	s = s[:c]
	clear(s)
	a.classes[bits.TrailingZeros(uint(c))].Put(&s)
}

// Close marks the arena as shut down. It is safe to call
// Close more than once.
func (a *Arena[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	if a.logger != nil {
		st := a.Stats()
		a.logger.Info("arena closed",
			"type", typeName[T](),
			"gets", st.Gets,
			"reused", st.Reused,
			"puts", st.Puts,
			"dropped", st.Dropped,
		)
	}
}

// Closed reports whether Close has been called.
func (a *Arena[T]) Closed() bool {
	return a.closed.Load()
}

// Stats returns a snapshot of the arena's counters. The counters are
// read independently, so a snapshot taken during concurrent use
// may be slightly inconsistent.
func (a *Arena[T]) Stats() Stats {
	return Stats{
		Gets:    a.gets.Load(),
		Reused:  a.reused.Load(),
		Puts:    a.puts.Load(),
		Dropped: a.dropped.Load(),
	}
}

// sizeClass returns the smallest k such that 1<<k >= n.
func sizeClass(n int) int {
	return bits.Len(uint(n - 1))
}

func typeName[T any]() string {
	return fmt.Sprintf("%T", *new(T))
}
