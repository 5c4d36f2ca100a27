package bucketcore

import (
	"testing"
	"unsafe"

	"github.com/frankban/quicktest"

	"github.com/rogpeppe/lockfree/arena"
	"github.com/rogpeppe/lockfree/internal/lfdebug"
)

func newTestCore(level int) (*Core[string], *arena.Arena[unsafe.Pointer], *arena.Arena[int32]) {
	p := arena.New[unsafe.Pointer](nil)
	n := arena.New[int32](nil)
	return NewWithArenas[string](level, p, n), p, n
}

func insert(c *Core[string], index uint64, v string) bool {
	return c.DoMayIncrement(index, func(r Ref[string]) bool {
		return r.CompareAndSwap(nil, &v)
	})
}

func remove(c *Core[string], index uint64) bool {
	return c.DoMayDecrement(index, func(r Ref[string]) bool {
		old := r.Load()
		return old != nil && r.CompareAndSwap(old, nil)
	})
}

func get(c *Core[string], index uint64) (string, bool) {
	var v string
	ok := c.Do(index, func(r Ref[string]) bool {
		p := r.Load()
		if p == nil {
			return false
		}
		v = *p
		return true
	})
	return v, ok
}

func TestSubIndex(t *testing.T) {
	c := quicktest.New(t)
	core, _, _ := newTestCore(3)
	root := core.root
	c.Assert(root.subIndex(0), quicktest.Equals, 0)
	c.Assert(root.subIndex(1023), quicktest.Equals, 0)
	c.Assert(root.subIndex(1024), quicktest.Equals, 1)
	c.Assert(root.subIndex(32767), quicktest.Equals, 31)

	ch := root.newChild()
	c.Assert(ch.level, quicktest.Equals, 2)
	c.Assert(ch.subIndex(1023), quicktest.Equals, 31)
	c.Assert(ch.subIndex(32), quicktest.Equals, 1)
}

func TestEmptyBranchIsRetracted(t *testing.T) {
	c := quicktest.New(t)
	core, p, n := newTestCore(2)
	c.Assert(insert(core, 40, "x"), quicktest.IsTrue)

	root := core.root
	ch := child[string](&root.first[1])
	c.Assert(ch, quicktest.Not(quicktest.IsNil))
	c.Assert(root.use[1], quicktest.Equals, int32(1))
	c.Assert(ch.use[8], quicktest.Equals, int32(1))

	c.Assert(remove(core, 40), quicktest.IsTrue)
	c.Assert(root.first[1], quicktest.Equals, unsafe.Pointer(nil))
	c.Assert(root.second[1], quicktest.Equals, unsafe.Pointer(nil))
	c.Assert(root.use[1], quicktest.Equals, int32(0))
	c.Assert(ch.retired(), quicktest.IsTrue)

	// The child's three arrays went back to the arenas.
	c.Assert(p.Stats().Puts, quicktest.Equals, int64(2))
	c.Assert(n.Stats().Puts, quicktest.Equals, int64(1))

	// A retracted branch is rebuilt on demand.
	c.Assert(insert(core, 40, "y"), quicktest.IsTrue)
	v, ok := get(core, 40)
	c.Assert(ok, quicktest.IsTrue)
	c.Assert(v, quicktest.Equals, "y")
}

func TestReadOfEmptySlotLeavesNoTrace(t *testing.T) {
	c := quicktest.New(t)
	core, _, _ := newTestCore(2)
	_, ok := get(core, 5)
	c.Assert(ok, quicktest.IsFalse)
	c.Assert(remove(core, 5), quicktest.IsFalse)
	c.Assert(core.root.first[0], quicktest.Equals, unsafe.Pointer(nil))
	c.Assert(core.root.use[0], quicktest.Equals, int32(0))
}

func TestFailedInsertRetractsFreshBranch(t *testing.T) {
	c := quicktest.New(t)
	core, p, _ := newTestCore(2)
	ok := core.DoMayIncrement(100, func(r Ref[string]) bool {
		return false
	})
	c.Assert(ok, quicktest.IsFalse)
	c.Assert(core.root.first[3], quicktest.Equals, unsafe.Pointer(nil))
	c.Assert(core.root.use[3], quicktest.Equals, int32(0))
	c.Assert(p.Stats().Puts, quicktest.Equals, int64(2))
}

func TestInsertDuringLeaveRestoresBranch(t *testing.T) {
	c := quicktest.New(t)
	core, p, _ := newTestCore(2)
	c.Assert(insert(core, 0, "a"), quicktest.IsTrue)
	ch := child[string](&core.root.first[0])

	fired := false
	c.Patch(&testHookLeave, func(level, i int) {
		if level != 2 || fired {
			return
		}
		fired = true
		// The parent cell has been judged empty but not yet erased.
		c.Check(insert(core, 1, "b"), quicktest.IsTrue)
	})
	c.Assert(remove(core, 0), quicktest.IsTrue)
	c.Assert(fired, quicktest.IsTrue)

	c.Assert(child[string](&core.root.first[0]), quicktest.Equals, ch)
	c.Assert(child[string](&core.root.second[0]), quicktest.Equals, ch)
	c.Assert(ch.retired(), quicktest.IsFalse)
	c.Assert(p.Stats().Puts, quicktest.Equals, int64(0))

	v, ok := get(core, 1)
	c.Assert(ok, quicktest.IsTrue)
	c.Assert(v, quicktest.Equals, "b")
	_, ok = get(core, 0)
	c.Assert(ok, quicktest.IsFalse)
	c.Assert(core.root.use[0], quicktest.Equals, int32(1))
}

func TestInsertDuringLeafLeaveSurvives(t *testing.T) {
	c := quicktest.New(t)
	core, _, _ := newTestCore(1)
	c.Assert(insert(core, 3, "a"), quicktest.IsTrue)

	fired := false
	c.Patch(&testHookLeave, func(level, i int) {
		if fired {
			return
		}
		fired = true
		// The leaf cell is empty and its counter is zero.
		c.Check(insert(core, 3, "b"), quicktest.IsTrue)
	})
	c.Assert(remove(core, 3), quicktest.IsTrue)
	c.Assert(fired, quicktest.IsTrue)

	v, ok := get(core, 3)
	c.Assert(ok, quicktest.IsTrue)
	c.Assert(v, quicktest.Equals, "b")
	c.Assert(core.root.use[3], quicktest.Equals, int32(1))
	c.Assert(core.root.second[3], quicktest.Equals, unsafe.Pointer(nil))
}

func TestLeafChangesAreVisibleAtOnce(t *testing.T) {
	c := quicktest.New(t)
	core, _, _ := newTestCore(2)
	c.Assert(insert(core, 40, "a"), quicktest.IsTrue)

	ok := core.DoMayDecrement(40, func(r Ref[string]) bool {
		old := r.Load()
		b := "b"
		c.Assert(r.CompareAndSwap(old, &b), quicktest.IsTrue)
		// A reader arriving before the callback returns sees the
		// new value, and a writer still holding the old one loses.
		v, _ := get(core, 40)
		c.Check(v, quicktest.Equals, "b")
		lost := core.DoMayDecrement(40, func(r Ref[string]) bool {
			z := "z"
			return r.CompareAndSwap(old, &z)
		})
		c.Check(lost, quicktest.IsFalse)
		return false
	})
	c.Assert(ok, quicktest.IsFalse)

	v, _ := get(core, 40)
	c.Assert(v, quicktest.Equals, "b")
	ch := child[string](&core.root.first[1])
	c.Assert(ch.second[8], quicktest.Equals, unsafe.Pointer(nil))
	c.Assert(ch.use[8], quicktest.Equals, int32(1))
	c.Assert(core.root.use[1], quicktest.Equals, int32(1))
}

func TestInsertIntoErasedBranchIsAdopted(t *testing.T) {
	c := quicktest.New(t)
	core, p, _ := newTestCore(2)
	c.Assert(insert(core, 0, "a"), quicktest.IsTrue)
	ch := child[string](&core.root.first[0])

	decided := make(chan struct{})
	entered := make(chan struct{})
	erased := make(chan struct{})
	resume := make(chan struct{})
	var leaveFired, eraseFired bool
	c.Patch(&testHookLeave, func(level, i int) {
		if level == 2 && !leaveFired {
			leaveFired = true
			close(decided)
			<-entered
		}
	})
	c.Patch(&testHookErased, func(level, i int) {
		if !eraseFired {
			eraseFired = true
			close(erased)
			<-resume
		}
	})
	done := make(chan bool)
	go func() {
		done <- remove(core, 0)
	}()

	// The parent cell has been judged empty. Enter it, find the old
	// branch still linked, and let the erase happen while storing into it.
	<-decided
	ok := core.DoMayIncrement(1, func(r Ref[string]) bool {
		close(entered)
		<-erased
		b := "b"
		return r.CompareAndSwap(nil, &b)
	})
	close(resume)
	c.Assert(<-done, quicktest.IsTrue)
	c.Assert(ok, quicktest.IsTrue)

	c.Assert(child[string](&core.root.first[0]), quicktest.Equals, ch)
	c.Assert(child[string](&core.root.second[0]), quicktest.Equals, ch)
	c.Assert(ch.retired(), quicktest.IsFalse)
	c.Assert(p.Stats().Puts, quicktest.Equals, int64(0))
	c.Assert(core.root.use[0], quicktest.Equals, int32(1))
	v, found := get(core, 1)
	c.Assert(found, quicktest.IsTrue)
	c.Assert(v, quicktest.Equals, "b")

	// The branch is still counted properly and goes away when emptied.
	c.Assert(remove(core, 1), quicktest.IsTrue)
	c.Assert(core.root.first[0], quicktest.Equals, unsafe.Pointer(nil))
	c.Assert(ch.retired(), quicktest.IsTrue)
}

func TestDonatedNodeCannotBeAcquired(t *testing.T) {
	c := quicktest.New(t)
	core, p, _ := newTestCore(2)
	ch := core.root.newChild()

	c.Assert(ch.acquire(), quicktest.IsTrue)
	ch.retire()
	c.Assert(ch.retired(), quicktest.IsTrue)
	c.Assert(p.Stats().Puts, quicktest.Equals, int64(0))

	// Still held: new holders may join until the arrays are gone.
	c.Assert(ch.acquire(), quicktest.IsTrue)
	ch.release()
	ch.release()
	c.Assert(p.Stats().Puts, quicktest.Equals, int64(2))
	c.Assert(ch.acquire(), quicktest.IsFalse)

	// Retiring again does not donate twice.
	ch.retire()
	c.Assert(p.Stats().Puts, quicktest.Equals, int64(2))
}

func TestDeadChildIsUnlinked(t *testing.T) {
	c := quicktest.New(t)
	core, _, _ := newTestCore(2)
	root := core.root
	dead := root.newChild()
	dead.retire()
	root.first[4] = unsafe.Pointer(dead)
	root.second[4] = unsafe.Pointer(dead)
	root.use[4] = 1

	_, ok := get(core, 4*32)
	c.Assert(ok, quicktest.IsFalse)
	c.Assert(root.first[4], quicktest.Equals, unsafe.Pointer(nil))
	c.Assert(root.second[4], quicktest.Equals, unsafe.Pointer(nil))

	// With the dead child gone the slot can be used again.
	c.Assert(insert(core, 4*32, "z"), quicktest.IsTrue)
	v, ok := get(core, 4*32)
	c.Assert(ok, quicktest.IsTrue)
	c.Assert(v, quicktest.Equals, "z")
}

func TestStrictNegativeUseCount(t *testing.T) {
	c := quicktest.New(t)
	core, _, _ := newTestCore(1)
	c.Patch(&lfdebug.Flags.Strict, true)
	c.Assert(func() {
		core.root.leave(7)
	}, quicktest.PanicMatches, `bucketcore: negative use count -1 at level 1 slot 7`)
}

func TestNegativeUseCountIgnoredByDefault(t *testing.T) {
	c := quicktest.New(t)
	core, _, _ := newTestCore(1)
	c.Patch(&lfdebug.Flags.Strict, false)
	core.root.decrement(2)
	c.Assert(core.root.use[2], quicktest.Equals, int32(-1))
}
