package bucketcore

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rogpeppe/lockfree/arena"
	"github.com/rogpeppe/lockfree/gatomic"
	"github.com/rogpeppe/lockfree/internal/lfdebug"
)

const (
	// w controls the number of slots in a node (2^w slots).
	w = 5

	// width is 2^w, the number of slots in a node.
	width = 1 << w

	mask = width - 1
)

// Bits of node.state above the holder count.
const (
	retiredBit = 1 << 40
	donatedBit = 1 << 41
	holderMask = 1<<32 - 1
)

// testHookLeave, when non-nil, is called by leave after a cell's use
// counter has dropped to zero and before the cell is erased.
var testHookLeave func(level, i int)

// testHookErased, when non-nil, is called by leave once a branch
// cell has been erased and healed, before the erased child is
// either restored or retired.
var testHookErased func(level, i int)

// pools holds the arenas that node backing arrays come from.
type pools struct {
	pointers *arena.Arena[unsafe.Pointer]
	counters *arena.Arena[int32]
}

// node is a single level of the structure: width slot cells, each
// made of a primary reference, a shadow reference and a use counter
// stored at the same index of first, second and use.
//
// At level 1 the references point to payloads (*T). At higher
// levels they point to child nodes of the level below.
//
// The use counter of a cell counts the operations currently inside
// the cell plus the items held beneath it. When it drops to zero
// the cell is erased, which retracts empty branches.
type node[T any] struct {
	level  int
	pools  *pools
	first  []unsafe.Pointer
	second []unsafe.Pointer
	use    []int32

	// state holds the number of operations holding the node
	// in its low bits, and retiredBit and donatedBit.
	state atomic.Int64
}

func newNode[T any](level int, p *pools) *node[T] {
	return &node[T]{
		level:  level,
		pools:  p,
		first:  p.pointers.Get(width),
		second: p.pointers.Get(width),
		use:    p.counters.Get(width),
	}
}

// subIndex returns the slot selected by index at this node's level.
func (n *node[T]) subIndex(index uint64) int {
	return int((index >> (w * (n.level - 1))) & mask)
}

// acquire registers the caller as a holder of n. It reports false
// if n's backing arrays have already gone back to the arena, in
// which case n must not be used.
func (n *node[T]) acquire() bool {
	if n.state.Add(1)&donatedBit != 0 {
		n.state.Add(-1)
		return false
	}
	return true
}

// release undoes a successful acquire.
func (n *node[T]) release() {
	if n.state.Add(-1) == retiredBit {
		n.donate()
	}
}

// retire records that n is no longer reachable from the tree.
// Its arrays are donated as soon as no holder remains.
func (n *node[T]) retire() {
	if old := n.state.Or(retiredBit); old&retiredBit == 0 && old&holderMask == 0 {
		n.donate()
	}
}

func (n *node[T]) retired() bool {
	return n.state.Load()&retiredBit != 0
}

// donate returns n's arrays to the arena. Only the first caller
// that sees n retired and unheld gets to do it.
func (n *node[T]) donate() {
	if !n.state.CompareAndSwap(retiredBit, retiredBit|donatedBit) {
		return
	}
	n.pools.pointers.Put(n.first)
	n.pools.pointers.Put(n.second)
	n.pools.counters.Put(n.use)
}

func (n *node[T]) newChild() *node[T] {
	return newNode[T](n.level-1, n.pools)
}

// child returns the child node referenced by the slot at p.
func child[T any](p *unsafe.Pointer) *node[T] {
	return gatomic.At[node[T]](p).Load()
}

// unlink removes a dead child from cell i.
func (n *node[T]) unlink(i int, dead *node[T]) {
	atomic.CompareAndSwapPointer(&n.first[i], unsafe.Pointer(dead), nil)
	atomic.CompareAndSwapPointer(&n.second[i], unsafe.Pointer(dead), nil)
}

func (n *node[T]) enter(i int) {
	atomic.AddInt32(&n.use[i], 1)
}

func (n *node[T]) increment(i int) {
	atomic.AddInt32(&n.use[i], 1)
}

func (n *node[T]) decrement(i int) {
	if c := atomic.AddInt32(&n.use[i], -1); c < 0 && lfdebug.Flags.Strict {
		panic(fmt.Errorf("bucketcore: negative use count %d at level %d slot %d", c, n.level, i))
	}
}

// do calls f with the primary reference of cell i, but only
// if the cell is populated.
func (n *node[T]) do(i int, f func(p *unsafe.Pointer) bool) bool {
	if atomic.LoadPointer(&n.first[i]) == nil {
		return false
	}
	n.enter(i)
	defer n.leave(i)
	return f(&n.first[i])
}

// doMayIncrement makes sure that cell i is populated (creating a
// child node at levels above 1) and calls f with its primary
// reference. If f reports true, the cell holds one more item.
func (n *node[T]) doMayIncrement(i int, f func(p *unsafe.Pointer) bool) bool {
	n.enter(i)
	defer n.leave(i)
	n.ensure(i)
	if f(&n.first[i]) {
		n.increment(i)
		return true
	}
	return false
}

// doMayDecrement calls f with the shadow reference of cell i after
// restoring it from the primary. If f reports true, the cell holds
// one less item.
//
// Leaf cells have no use for a shadow: f is given the primary, so
// every change to a stored item is a single compare-and-swap on it.
func (n *node[T]) doMayDecrement(i int, f func(p *unsafe.Pointer) bool) bool {
	n.enter(i)
	defer n.leave(i)
	p := &n.first[i]
	if n.level > 1 {
		atomic.CompareAndSwapPointer(&n.second[i], nil, atomic.LoadPointer(p))
		p = &n.second[i]
	}
	if f(p) {
		n.decrement(i)
		return true
	}
	return false
}

// ensure populates the shadow of cell i from its primary and
// installs a new child when both are empty. Leaf cells are left alone.
func (n *node[T]) ensure(i int) {
	if n.level == 1 {
		return
	}
	n.enter(i)
	defer n.leave(i)
	found := atomic.LoadPointer(&n.first[i])
	if !atomic.CompareAndSwapPointer(&n.second[i], nil, found) {
		// The shadow was already set.
		return
	}
	if found != nil {
		return
	}
	created := n.newChild()
	if atomic.CompareAndSwapPointer(&n.first[i], nil, unsafe.Pointer(created)) {
		atomic.CompareAndSwapPointer(&n.second[i], nil, unsafe.Pointer(created))
		return
	}
	// Somebody else got there first; created was never visible.
	created.retire()
}

// leave undoes an enter. When the use counter of a branch cell drops
// to zero nothing is inside it and nothing is held beneath it, so the
// cell is erased. The shadow is erased first, then the primary,
// and the primary is healed from the shadow in case another
// operation restored the shadow in the meantime.
//
// A leaf cell whose counter drops to zero is already empty and is
// not touched.
func (n *node[T]) leave(i int) {
	if c := atomic.AddInt32(&n.use[i], -1); c != 0 {
		if c < 0 && lfdebug.Flags.Strict {
			panic(fmt.Errorf("bucketcore: negative use count %d at level %d slot %d", c, n.level, i))
		}
		return
	}
	if testHookLeave != nil {
		testHookLeave(n.level, i)
	}
	if n.level == 1 {
		return
	}
	atomic.SwapPointer(&n.second[i], nil)
	erased := atomic.SwapPointer(&n.first[i], nil)
	healed := atomic.LoadPointer(&n.second[i])
	atomic.CompareAndSwapPointer(&n.first[i], nil, healed)
	if testHookErased != nil {
		testHookErased(n.level, i)
	}
	if erased == nil || atomic.LoadPointer(&n.first[i]) == erased {
		return
	}
	if atomic.LoadInt32(&n.use[i]) != 0 {
		// Something entered the cell after the counter reached zero
		// and may be working inside the erased child: put it back
		// unless the cell has been refilled.
		if atomic.CompareAndSwapPointer(&n.first[i], nil, erased) {
			atomic.CompareAndSwapPointer(&n.second[i], nil, erased)
		}
		return
	}
	(*node[T])(erased).retire()
}

// adopt reports whether ch, into which the caller has just stored
// an item while inside cell i, is still the live child of the cell.
// If the cell was erased under the caller, ch is put back, so that
// the item is counted by the cell that holds it.
func (n *node[T]) adopt(i int, ch *node[T]) bool {
	if ch.retired() {
		return false
	}
	if atomic.CompareAndSwapPointer(&n.first[i], nil, unsafe.Pointer(ch)) {
		atomic.CompareAndSwapPointer(&n.second[i], nil, unsafe.Pointer(ch))
	}
	return atomic.LoadPointer(&n.first[i]) == unsafe.Pointer(ch) && !ch.retired()
}
