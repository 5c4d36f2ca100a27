// Package bucketcore implements a lock-free, sparse, indexable store:
// a conceptually huge array whose slots can be read and written by
// many goroutines at once without ever taking a lock.
//
// The store is a radix tree of fixed 32-slot nodes. An index is split
// into 5-bit digits, one per level; the root sits at the highest
// level and level 1 nodes hold the payloads. Branches are created the
// first time an index below them is written and retracted again when
// the last item below them goes away.
//
// Every slot (a "cell") carries a primary reference, a shadow
// reference and a use counter. The counter gates clearing a cell:
// a cell is only erased by the operation whose decrement takes the
// counter to zero, and the shadow lets a concurrently installed
// child survive that erasure. Structural races are never reported
// as errors: an operation that finds its branch gone just reports
// false and the layer above retries.
//
// Core is agnostic to what it stores; see the bucket package for a
// typed collection built on it.
package bucketcore

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/rogpeppe/lockfree/arena"
	"github.com/rogpeppe/lockfree/gatomic"
	"github.com/rogpeppe/lockfree/internal/lfdebug"
)

// MaxLevel is the highest level a Core may have.
const MaxLevel = 7

// ErrIndexOutOfRange is matched by every *IndexError.
var ErrIndexOutOfRange = errors.New("index out of range")

// IndexError is the panic value used when an index lies outside
// the capacity of a structure.
type IndexError struct {
	Index    uint64
	Capacity uint64
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %d out of range [0, %d)", e.Index, e.Capacity)
}

// Is implements errors.Is.
func (e *IndexError) Is(err error) bool {
	return err == ErrIndexOutOfRange
}

// Ref is the leaf slot that a callback operates on.
// All its methods are atomic.
type Ref[T any] struct {
	gatomic.Pointer[T]
}

func leafRef[T any](p *unsafe.Pointer) Ref[T] {
	return Ref[T]{gatomic.At[T](p)}
}

// Core is the sparse array itself. Its zero value is not usable;
// create one with New or NewWithArenas. All methods may be called
// concurrently.
type Core[T any] struct {
	root *node[T]
}

// New returns an empty Core with the given number of levels,
// which must be between 1 and MaxLevel. Its capacity is 32^level.
// Node arrays come from the process-wide arenas.
func New[T any](level int) *Core[T] {
	return NewWithArenas[T](level, arena.Pointers(), arena.Counters())
}

// NewDefault returns an empty Core with MaxLevel levels.
func NewDefault[T any]() *Core[T] {
	return New[T](MaxLevel)
}

// NewWithArenas is like New except that node arrays come
// from the given arenas.
func NewWithArenas[T any](level int, pointers *arena.Arena[unsafe.Pointer], counters *arena.Arena[int32]) *Core[T] {
	if level < 1 || level > MaxLevel {
		panic(fmt.Errorf("bucketcore: level %d out of range [1, %d]", level, MaxLevel))
	}
	lfdebug.Setup()
	return &Core[T]{
		root: newNode[T](level, &pools{
			pointers: pointers,
			counters: counters,
		}),
	}
}

// Level returns the number of levels in c.
func (c *Core[T]) Level() int {
	return c.root.level
}

// Len returns the number of addressable slots, 32^Level.
func (c *Core[T]) Len() uint64 {
	return 1 << (w * c.root.level)
}

// Do calls f on the slot at index if the slot holds a value and
// returns its result. It returns false without calling f if the slot
// is empty or its branch is being retracted.
//
// Do performs no bounds check: digits of index beyond the
// capacity are ignored.
func (c *Core[T]) Do(index uint64, f func(Ref[T]) bool) bool {
	return c.root.doAt(index, f)
}

// DoMayIncrement calls f on the slot at index, creating the
// branches leading to it first if needed. f should report true when
// it stored a value into a slot that was empty.
//
// It returns false if f did, or if the branch that f wrote to was
// retracted concurrently, in which case the write may not be
// visible and should be retried.
func (c *Core[T]) DoMayIncrement(index uint64, f func(Ref[T]) bool) bool {
	return c.root.doMayIncrementAt(index, f)
}

// DoMayDecrement calls f on the slot at index without creating
// anything. f should report true when it emptied the slot.
// It returns false if f did or if there is no branch leading to index.
func (c *Core[T]) DoMayDecrement(index uint64, f func(Ref[T]) bool) bool {
	return c.root.doMayDecrementAt(index, f)
}

func (n *node[T]) doAt(index uint64, f func(Ref[T]) bool) bool {
	i := n.subIndex(index)
	if n.level == 1 {
		return n.do(i, func(p *unsafe.Pointer) bool {
			return f(leafRef[T](p))
		})
	}
	return n.do(i, func(p *unsafe.Pointer) bool {
		ch := child[T](p)
		if ch == nil {
			return false
		}
		if !ch.acquire() {
			n.unlink(i, ch)
			return false
		}
		defer ch.release()
		return ch.doAt(index, f)
	})
}

func (n *node[T]) doMayIncrementAt(index uint64, f func(Ref[T]) bool) bool {
	i := n.subIndex(index)
	if n.level == 1 {
		return n.doMayIncrement(i, func(p *unsafe.Pointer) bool {
			return f(leafRef[T](p))
		})
	}
	return n.doMayIncrement(i, func(p *unsafe.Pointer) bool {
		ch := child[T](p)
		if ch == nil {
			return false
		}
		if !ch.acquire() {
			n.unlink(i, ch)
			return false
		}
		defer ch.release()
		if !ch.doMayIncrementAt(index, f) {
			return false
		}
		// The item only counts if it went into a live branch.
		return n.adopt(i, ch)
	})
}

func (n *node[T]) doMayDecrementAt(index uint64, f func(Ref[T]) bool) bool {
	i := n.subIndex(index)
	if n.level == 1 {
		return n.doMayDecrement(i, func(p *unsafe.Pointer) bool {
			return f(leafRef[T](p))
		})
	}
	return n.doMayDecrement(i, func(p *unsafe.Pointer) bool {
		ch := child[T](p)
		if ch == nil {
			return false
		}
		if !ch.acquire() {
			n.unlink(i, ch)
			return false
		}
		defer ch.release()
		return ch.doMayDecrementAt(index, f)
	})
}
