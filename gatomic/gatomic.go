// Package gatomic provides type-safe wrappers around the pointer
// operations in sync/atomic.
//
// The functions operate on **T so that structures can hold ordinary
// typed pointer fields and still access them atomically.
// [Pointer] covers the other common case: a slot inside an untyped
// []unsafe.Pointer array that is known to hold a *T.
package gatomic

import (
	"sync/atomic"
	"unsafe"
)

// LoadPointer atomically loads *addr.
func LoadPointer[T any](addr **T) *T {
	return (*T)(atomic.LoadPointer(untyped(addr)))
}

// StorePointer atomically stores v into *addr.
func StorePointer[T any](addr **T, v *T) {
	atomic.StorePointer(untyped(addr), unsafe.Pointer(v))
}

// SwapPointer atomically stores v into *addr and returns the previous value.
func SwapPointer[T any](addr **T, v *T) *T {
	return (*T)(atomic.SwapPointer(untyped(addr), unsafe.Pointer(v)))
}

// CompareAndSwapPointer executes the compare-and-swap operation for a
// typed pointer.
func CompareAndSwapPointer[T any](addr **T, old, new *T) bool {
	return atomic.CompareAndSwapPointer(untyped(addr), unsafe.Pointer(old), unsafe.Pointer(new))
}

func untyped[T any](addr **T) *unsafe.Pointer {
	return (*unsafe.Pointer)(unsafe.Pointer(addr))
}

// Pointer is a typed view of a single unsafe.Pointer slot.
// All its methods are atomic. The zero Pointer refers to no slot
// and must not be used.
//
// It is the caller's responsibility to make sure that the slot
// only ever holds nil or a *T.
type Pointer[T any] struct {
	p *unsafe.Pointer
}

// At returns a typed view of the slot at p.
func At[T any](p *unsafe.Pointer) Pointer[T] {
	return Pointer[T]{p}
}

// Load atomically loads the slot.
func (p Pointer[T]) Load() *T {
	return (*T)(atomic.LoadPointer(p.p))
}

// IsNil reports whether the slot currently holds nil.
func (p Pointer[T]) IsNil() bool {
	return atomic.LoadPointer(p.p) == nil
}

// Store atomically stores v in the slot.
func (p Pointer[T]) Store(v *T) {
	atomic.StorePointer(p.p, unsafe.Pointer(v))
}

// Swap atomically stores v in the slot and returns the previous value.
func (p Pointer[T]) Swap(v *T) *T {
	return (*T)(atomic.SwapPointer(p.p, unsafe.Pointer(v)))
}

// CompareAndSwap executes the compare-and-swap operation on the slot.
func (p Pointer[T]) CompareAndSwap(old, new *T) bool {
	return atomic.CompareAndSwapPointer(p.p, unsafe.Pointer(old), unsafe.Pointer(new))
}
