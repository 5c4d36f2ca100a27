package gatomic_test

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/go-quicktest/qt"

	"github.com/rogpeppe/lockfree/gatomic"
)

type node struct {
	next *node
	val  int
}

func TestTypedPointerOps(t *testing.T) {
	var head *node
	a := &node{val: 1}
	b := &node{val: 2}

	qt.Assert(t, qt.IsNil(gatomic.LoadPointer(&head)))
	gatomic.StorePointer(&head, a)
	qt.Assert(t, qt.Equals(gatomic.LoadPointer(&head), a))

	qt.Assert(t, qt.IsFalse(gatomic.CompareAndSwapPointer(&head, b, b)))
	qt.Assert(t, qt.IsTrue(gatomic.CompareAndSwapPointer(&head, a, b)))
	qt.Assert(t, qt.Equals(gatomic.SwapPointer(&head, nil), b))
	qt.Assert(t, qt.IsNil(head))
}

func TestPointerView(t *testing.T) {
	slots := make([]unsafe.Pointer, 4)
	p := gatomic.At[node](&slots[2])
	qt.Assert(t, qt.IsTrue(p.IsNil()))

	a := &node{val: 1}
	qt.Assert(t, qt.IsTrue(p.CompareAndSwap(nil, a)))
	qt.Assert(t, qt.IsFalse(p.CompareAndSwap(nil, a)))
	qt.Assert(t, qt.Equals(p.Load(), a))
	qt.Assert(t, qt.Equals(slots[2], unsafe.Pointer(a)))

	b := &node{val: 2}
	qt.Assert(t, qt.Equals(p.Swap(b), a))
	p.Store(nil)
	qt.Assert(t, qt.IsTrue(p.IsNil()))
	qt.Assert(t, qt.Equals(slots[1], unsafe.Pointer(nil)))
}

func TestConcurrentPush(t *testing.T) {
	var head *node
	const n = 100
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nd := &node{val: i}
			for {
				old := gatomic.LoadPointer(&head)
				nd.next = old
				if gatomic.CompareAndSwapPointer(&head, old, nd) {
					return
				}
			}
		}()
	}
	wg.Wait()
	seen := make(map[int]bool)
	for nd := head; nd != nil; nd = nd.next {
		seen[nd.val] = true
	}
	qt.Assert(t, qt.HasLen(seen, n))
}
