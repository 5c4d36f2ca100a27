package bucketcore

import (
	"iter"
	"sync/atomic"
)

// All returns an iterator over every stored item in ascending
// index order.
//
// Iteration does not take a snapshot: items stored or removed
// concurrently may or may not be seen. Each call walks the
// structure afresh.
func (c *Core[T]) All() iter.Seq2[uint64, *T] {
	return func(yield func(uint64, *T) bool) {
		c.root.walk(0, 0, c.Len()-1, false, yield)
	}
}

// Range returns an iterator over the stored items with indexes
// between from and to inclusive. When from > to, items are
// produced in descending index order.
//
// It panics with an *IndexError if either bound is not below Len.
func (c *Core[T]) Range(from, to uint64) iter.Seq2[uint64, *T] {
	for _, i := range []uint64{from, to} {
		if i >= c.Len() {
			panic(&IndexError{Index: i, Capacity: c.Len()})
		}
	}
	desc := from > to
	lo, hi := from, to
	if desc {
		lo, hi = to, from
	}
	return func(yield func(uint64, *T) bool) {
		c.root.walk(0, lo, hi, desc, yield)
	}
}

// walk yields the items beneath n whose index lies in [lo, hi].
// base is the index of n's first slot. It reports false if
// yield asked to stop.
func (n *node[T]) walk(base, lo, hi uint64, desc bool, yield func(uint64, *T) bool) bool {
	shift := w * (n.level - 1)
	span := uint64(1) << shift
	first := int((max(lo, base) - base) >> shift)
	last := int((hi - base) >> shift)
	if last >= width {
		last = width - 1
	}
	if desc {
		for i := last; i >= first; i-- {
			if !n.walkSlot(i, base+uint64(i)*span, lo, hi, desc, yield) {
				return false
			}
		}
		return true
	}
	for i := first; i <= last; i++ {
		if !n.walkSlot(i, base+uint64(i)*span, lo, hi, desc, yield) {
			return false
		}
	}
	return true
}

func (n *node[T]) walkSlot(i int, base, lo, hi uint64, desc bool, yield func(uint64, *T) bool) bool {
	if atomic.LoadPointer(&n.first[i]) == nil {
		return true
	}
	n.enter(i)
	defer n.leave(i)
	p := atomic.LoadPointer(&n.first[i])
	if p == nil {
		return true
	}
	if n.level == 1 {
		return yield(base, (*T)(p))
	}
	ch := (*node[T])(p)
	if !ch.acquire() {
		n.unlink(i, ch)
		return true
	}
	defer ch.release()
	return ch.walk(base, lo, hi, desc, yield)
}
