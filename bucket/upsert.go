package bucket

// Inserter is the part of a bucket that the insert-or-update
// functions need. *Bucket implements it.
type Inserter[T any] interface {
	// Capacity returns the number of valid indexes.
	Capacity() uint64

	// TryInsert stores v at index if the slot is empty. Otherwise it
	// returns the value that occupies the slot.
	TryInsert(index uint64, v T) (stored T, inserted bool)

	// TryUpdate replaces the value at index with v if it is
	// equal to expected. Otherwise it returns the value found,
	// or isNew if the slot was empty.
	TryUpdate(index uint64, expected, v T) (stored T, updated, isNew bool)
}

// Updater is the part of a bucket that Update needs.
type Updater[T any] interface {
	Capacity() uint64
	TryGet(index uint64) (T, bool)
	TryUpdate(index uint64, expected, v T) (stored T, updated, isNew bool)
}

// InsertOrUpdate stores v at index if the slot is empty. Otherwise,
// while check approves of the value in the slot, it tries to replace
// that value with update applied to it, starting over if another
// writer gets there first.
//
// It returns the value left in the slot by this call and whether
// that value was inserted rather than updated. ok is false only when
// check declined, in which case stored holds the value check was
// given and nothing was changed.
//
// InsertOrUpdate keeps trying for as long as it loses races, so it
// may starve under heavy contention. It panics with an *IndexError if
// index is out of range.
func InsertOrUpdate[T any](b Inserter[T], index uint64, v T, update func(T) T, check func(T) bool) (stored T, isNew, ok bool) {
	return InsertOrUpdateFunc(b, index, func() T {
		return v
	}, update, check)
}

// InsertOrUpdateFunc is like InsertOrUpdate except that the value to
// insert is obtained by calling newValue. newValue is called at most
// once: if the slot is emptied again while updating, the same value
// is inserted. update is called afresh for every update attempt.
func InsertOrUpdateFunc[T any](b Inserter[T], index uint64, newValue func() T, update func(T) T, check func(T) bool) (stored T, isNew, ok bool) {
	if newValue == nil || update == nil || check == nil {
		panic("bucket: nil function argument")
	}
	if n := b.Capacity(); index >= n {
		panic(&IndexError{Index: index, Capacity: n})
	}
	var (
		value T
		built bool
	)
	isNew = true
	for {
		if isNew {
			if !built {
				value, built = newValue(), true
			}
			var inserted bool
			if stored, inserted = b.TryInsert(index, value); inserted {
				return stored, true, true
			}
			isNew = false
			continue
		}
		if !check(stored) {
			return stored, false, false
		}
		next := update(stored)
		var updated bool
		stored, updated, isNew = b.TryUpdate(index, stored, next)
		if updated {
			return next, false, true
		}
		// Either somebody else changed the value first, in which case
		// stored holds their value, or the slot was emptied and
		// we go back to inserting.
	}
}

// GetOrInsert returns the value at index, storing v there first
// if the slot is empty. isNew reports whether v was stored.
func GetOrInsert[T any](b Inserter[T], index uint64, v T) (stored T, isNew bool) {
	stored, isNew, _ = InsertOrUpdate(b, index, v, identity[T], never[T])
	return stored, isNew
}

// GetOrInsertFunc is like GetOrInsert except that the value to
// store is obtained by calling newValue.
func GetOrInsertFunc[T any](b Inserter[T], index uint64, newValue func() T) (stored T, isNew bool) {
	stored, isNew, _ = InsertOrUpdateFunc(b, index, newValue, identity[T], never[T])
	return stored, isNew
}

// Update replaces the value at index with update applied to it, for
// as long as check approves of the current value. It never inserts:
// it reports false if the slot is empty or if check declines.
func Update[T any](b Updater[T], index uint64, update func(T) T, check func(T) bool) (stored T, ok bool) {
	if update == nil || check == nil {
		panic("bucket: nil function argument")
	}
	if n := b.Capacity(); index >= n {
		panic(&IndexError{Index: index, Capacity: n})
	}
	cur, ok := b.TryGet(index)
	if !ok {
		return stored, false
	}
	for {
		if !check(cur) {
			return cur, false
		}
		next := update(cur)
		found, updated, isNew := b.TryUpdate(index, cur, next)
		switch {
		case updated:
			return next, true
		case isNew:
			return stored, false
		}
		cur = found
	}
}

func identity[T any](x T) T {
	return x
}

func never[T any](T) bool {
	return false
}
