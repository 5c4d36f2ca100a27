// Package bucket provides Bucket, a fixed-capacity, lock-free,
// index-addressed collection, and the insert-or-update protocol
// that builds on it.
//
// A Bucket is sparse: its capacity is 32^level slots but it only
// allocates storage for the parts of the index space that are in use.
// All methods may be called concurrently.
package bucket

import (
	"iter"
	"sync/atomic"

	"github.com/rogpeppe/lockfree/bucketcore"
)

// IndexError is the panic value used when an index is outside
// [0, Capacity()).
type IndexError = bucketcore.IndexError

// ErrIndexOutOfRange is matched by every *IndexError.
var ErrIndexOutOfRange = bucketcore.ErrIndexOutOfRange

// Bucket holds values of type T at indexes in [0, Capacity()).
//
// Every stored value lives in its own box, so two slots never share
// a box even if they hold equal values. Values are compared only
// by TryUpdate and RemoveAtWhere, using the bucket's equality
// function.
type Bucket[T any] struct {
	core  *bucketcore.Core[T]
	eq    func(a, b T) bool
	count atomic.Int64
}

// New returns an empty bucket with the given number of levels,
// comparing values with ==. See bucketcore.New for the
// allowed levels.
func New[T comparable](level int) *Bucket[T] {
	return NewWithFunc(level, func(a, b T) bool {
		return a == b
	})
}

// NewWithFunc is like New but for any type, using eq to
// compare values.
func NewWithFunc[T any](level int, eq func(a, b T) bool) *Bucket[T] {
	if eq == nil {
		panic("bucket: nil equality function")
	}
	return &Bucket[T]{
		core: bucketcore.New[T](level),
		eq:   eq,
	}
}

// Capacity returns the number of slots in b.
func (b *Bucket[T]) Capacity() uint64 {
	return b.core.Len()
}

// Count returns the number of values currently stored.
func (b *Bucket[T]) Count() int {
	return int(b.count.Load())
}

// TryInsert stores v at index if the slot is empty and reports
// whether it did. If the slot was already occupied, it returns
// the value found there.
func (b *Bucket[T]) TryInsert(index uint64, v T) (stored T, inserted bool) {
	b.check(index)
	box := &v
	for {
		var found *T
		if b.core.DoMayIncrement(index, func(r bucketcore.Ref[T]) bool {
			if r.CompareAndSwap(nil, box) {
				return true
			}
			found = r.Load()
			return false
		}) {
			b.count.Add(1)
			return v, true
		}
		switch found {
		case nil:
			// The slot emptied under us or the branch went away.
		case box:
			// An earlier attempt landed after all.
			b.count.Add(1)
			return v, true
		default:
			return *found, false
		}
	}
}

// TryUpdate replaces the value at index with v, but only if the
// value currently there is equal to expected. If it does not
// replace the value, it returns the value it found. isNew
// reports that the slot was empty, in which case nothing is
// stored and stored is the zero value.
func (b *Bucket[T]) TryUpdate(index uint64, expected, v T) (stored T, updated, isNew bool) {
	b.check(index)
	box := &v
	for {
		var cur *T
		swapped := false
		b.core.DoMayDecrement(index, func(r bucketcore.Ref[T]) bool {
			cur = r.Load()
			if cur != nil && b.eq(*cur, expected) {
				swapped = r.CompareAndSwap(cur, box)
			}
			return false
		})
		switch {
		case swapped:
			return v, true, false
		case cur == nil:
			return stored, false, true
		case !b.eq(*cur, expected):
			return *cur, false, false
		}
		// A writer replaced an equal value; try again.
	}
}

// TryGet returns the value at index, if there is one.
func (b *Bucket[T]) TryGet(index uint64) (T, bool) {
	b.check(index)
	if p, ok := b.loadBox(index); ok {
		return *p, true
	}
	return *new(T), false
}

// Set stores v at index unconditionally and reports whether the
// slot was previously empty.
func (b *Bucket[T]) Set(index uint64, v T) (isNew bool) {
	_, existed := b.Exchange(index, v)
	return !existed
}

// Exchange stores v at index unconditionally and returns the value
// it replaced, if any.
func (b *Bucket[T]) Exchange(index uint64, v T) (previous T, existed bool) {
	b.check(index)
	box := &v
	for {
		var old *T
		done := false
		if b.core.DoMayIncrement(index, func(r bucketcore.Ref[T]) bool {
			old = r.Swap(box)
			done = true
			return old == nil
		}) {
			b.count.Add(1)
			return previous, false
		}
		if done && old != nil {
			return *old, true
		}
		if done && old == nil {
			// Stored into a branch that was being retracted.
			if cur, _ := b.loadBox(index); cur == box {
				b.count.Add(1)
				return previous, false
			}
		}
	}
}

// RemoveAt removes the value at index, returning it.
func (b *Bucket[T]) RemoveAt(index uint64) (T, bool) {
	return b.RemoveAtWhere(index, func(T) bool {
		return true
	})
}

// RemoveAtWhere removes the value at index if check reports true
// for it, returning the removed value.
func (b *Bucket[T]) RemoveAtWhere(index uint64, check func(T) bool) (T, bool) {
	if check == nil {
		panic("bucket: nil check function")
	}
	b.check(index)
	for {
		var cur *T
		declined := false
		if b.core.DoMayDecrement(index, func(r bucketcore.Ref[T]) bool {
			cur = r.Load()
			if cur == nil {
				return false
			}
			if !check(*cur) {
				declined = true
				return false
			}
			return r.CompareAndSwap(cur, nil)
		}) {
			b.count.Add(-1)
			return *cur, true
		}
		if cur == nil || declined {
			return *new(T), false
		}
		// Lost a race with another writer.
	}
}

// All returns an iterator over the stored values and their indexes
// in ascending index order. It does not take a snapshot.
func (b *Bucket[T]) All() iter.Seq2[uint64, T] {
	return unbox(b.core.All())
}

// Range returns an iterator over the values stored between from
// and to inclusive, in descending order when from > to.
// It panics with an *IndexError if either bound is out of range.
func (b *Bucket[T]) Range(from, to uint64) iter.Seq2[uint64, T] {
	return unbox(b.core.Range(from, to))
}

// Values returns an iterator over the stored values in ascending
// index order.
func (b *Bucket[T]) Values() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, v := range b.All() {
			if !yield(v) {
				return
			}
		}
	}
}

func (b *Bucket[T]) loadBox(index uint64) (*T, bool) {
	var found *T
	ok := b.core.Do(index, func(r bucketcore.Ref[T]) bool {
		found = r.Load()
		return found != nil
	})
	return found, ok
}

func (b *Bucket[T]) check(index uint64) {
	if index >= b.core.Len() {
		panic(&IndexError{Index: index, Capacity: b.core.Len()})
	}
}

func unbox[T any](seq iter.Seq2[uint64, *T]) iter.Seq2[uint64, T] {
	return func(yield func(uint64, T) bool) {
		for i, p := range seq {
			if !yield(i, *p) {
				return
			}
		}
	}
}
