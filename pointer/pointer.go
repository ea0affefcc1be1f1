// Package pointer resolves multi-level pointer chains in console memory.
//
// A chain is a root address plus an ordered list of offsets. Each step reads
// the machine word at the current address, adds the step's offset, and uses
// the sum as the next address. Resolution is all-or-nothing: a failed read, a
// null word, or an address outside the expected heap range aborts the chain
// and no partial address is ever returned.
package pointer

import (
	"context"
	"fmt"
)

// Peeker reads console memory words. *sbb.Client satisfies it.
type Peeker interface {
	PeekUint64(ctx context.Context, addr uint64) (uint64, error)
}

// ResolutionError reports which step of a chain failed and why.
type ResolutionError struct {
	Step  int    // zero-based index into the offsets slice
	Addr  uint64 // address whose dereference failed, or the invalid result
	Cause error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("pointer: chain failed at step %d (addr %#x): %v", e.Step, e.Addr, e.Cause)
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

// ErrNullPointer is the cause when a dereferenced word is zero.
type ErrNullPointer struct{}

func (ErrNullPointer) Error() string { return "null pointer" }

// ErrOutOfRange is the cause when a step lands outside the heap bounds.
type ErrOutOfRange struct {
	Addr   uint64
	Lo, Hi uint64
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("address %#x outside heap range [%#x, %#x)", e.Addr, e.Lo, e.Hi)
}

// Bounds is the expected heap address range. It is a cheap validity guard
// against a shifted memory layout, not a correctness proof. A zero Bounds
// disables the check.
type Bounds struct {
	HeapBase uint64
	HeapEnd  uint64
}

func (b Bounds) enabled() bool { return b.HeapEnd > b.HeapBase }

func (b Bounds) contains(addr uint64) bool {
	return addr >= b.HeapBase && addr < b.HeapEnd
}

// Resolver walks pointer chains through a Peeker. One Resolver per console
// connection; resolution is inherently sequential.
type Resolver struct {
	peeker Peeker
	bounds Bounds
}

// NewResolver creates a Resolver.
func NewResolver(p Peeker, bounds Bounds) *Resolver {
	return &Resolver{peeker: p, bounds: bounds}
}

// SetBounds replaces the heap sanity range, typically after a fresh HeapBase
// query on reconnect.
func (r *Resolver) SetBounds(b Bounds) { r.bounds = b }

// Resolve walks the chain starting at base and returns the final address.
// It performs exactly len(offsets) sequential dereferences.
func (r *Resolver) Resolve(ctx context.Context, base uint64, offsets []int64) (uint64, error) {
	cur := base
	for i, off := range offsets {
		word, err := r.peeker.PeekUint64(ctx, cur)
		if err != nil {
			return 0, &ResolutionError{Step: i, Addr: cur, Cause: err}
		}
		if word == 0 {
			return 0, &ResolutionError{Step: i, Addr: cur, Cause: ErrNullPointer{}}
		}
		cur = word + uint64(off)
		if r.bounds.enabled() && !r.bounds.contains(cur) {
			return 0, &ResolutionError{Step: i, Addr: cur,
				Cause: &ErrOutOfRange{Addr: cur, Lo: r.bounds.HeapBase, Hi: r.bounds.HeapEnd}}
		}
	}
	return cur, nil
}
