package pointer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/veldt/denbot/pointer"
)

// fakePeeker serves machine words from a map and counts dereferences.
type fakePeeker struct {
	words map[uint64]uint64
	reads int
	fail  map[uint64]error
}

func (f *fakePeeker) PeekUint64(ctx context.Context, addr uint64) (uint64, error) {
	f.reads++
	if err, ok := f.fail[addr]; ok {
		return 0, err
	}
	return f.words[addr], nil
}

func TestResolveWalksChain(t *testing.T) {
	// base → 0x1000, *0x1000 = 0x2000, +0x10 → 0x2010, *0x2010 = 0x3000, +0x40 → 0x3040
	fp := &fakePeeker{words: map[uint64]uint64{
		0x1000: 0x2000,
		0x2010: 0x3000,
	}}
	r := pointer.NewResolver(fp, pointer.Bounds{HeapBase: 0x1000, HeapEnd: 0x10000})

	addr, err := r.Resolve(context.Background(), 0x1000, []int64{0x10, 0x40})
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x3040 {
		t.Fatalf("resolved %#x, want 0x3040", addr)
	}
	if fp.reads != 2 {
		t.Fatalf("performed %d dereferences, want 2", fp.reads)
	}
}

func TestResolveEmptyChain(t *testing.T) {
	fp := &fakePeeker{words: map[uint64]uint64{}}
	r := pointer.NewResolver(fp, pointer.Bounds{})

	addr, err := r.Resolve(context.Background(), 0xCAFE, nil)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0xCAFE {
		t.Fatalf("empty chain should return base, got %#x", addr)
	}
	if fp.reads != 0 {
		t.Fatalf("empty chain performed %d reads", fp.reads)
	}
}

func TestResolveAbortsOnReadFailure(t *testing.T) {
	readErr := errors.New("peek failed")
	fp := &fakePeeker{
		words: map[uint64]uint64{0x1000: 0x2000},
		fail:  map[uint64]error{0x2010: readErr},
	}
	r := pointer.NewResolver(fp, pointer.Bounds{HeapBase: 0x1000, HeapEnd: 0x10000})

	_, err := r.Resolve(context.Background(), 0x1000, []int64{0x10, 0x40, 0x8})
	var re *pointer.ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("want ResolutionError, got %v", err)
	}
	if re.Step != 1 {
		t.Fatalf("failed step = %d, want 1", re.Step)
	}
	if !errors.Is(err, readErr) {
		t.Fatal("cause not preserved")
	}
	// No dereference past the failing step.
	if fp.reads != 2 {
		t.Fatalf("performed %d dereferences, want 2", fp.reads)
	}
}

func TestResolveRejectsNullPointer(t *testing.T) {
	fp := &fakePeeker{words: map[uint64]uint64{0x1000: 0}}
	r := pointer.NewResolver(fp, pointer.Bounds{})

	_, err := r.Resolve(context.Background(), 0x1000, []int64{0x10})
	var re *pointer.ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("want ResolutionError, got %v", err)
	}
	var np pointer.ErrNullPointer
	if !errors.As(err, &np) {
		t.Fatalf("want null pointer cause, got %v", re.Cause)
	}
}

func TestResolveRejectsOutOfRange(t *testing.T) {
	fp := &fakePeeker{words: map[uint64]uint64{0x1000: 0xFFFF0000}}
	r := pointer.NewResolver(fp, pointer.Bounds{HeapBase: 0x1000, HeapEnd: 0x10000})

	_, err := r.Resolve(context.Background(), 0x1000, []int64{0})
	var oor *pointer.ErrOutOfRange
	if !errors.As(err, &oor) {
		t.Fatalf("want ErrOutOfRange, got %v", err)
	}
}

func TestResolveNegativeOffset(t *testing.T) {
	fp := &fakePeeker{words: map[uint64]uint64{0x1000: 0x2000}}
	r := pointer.NewResolver(fp, pointer.Bounds{HeapBase: 0x1000, HeapEnd: 0x10000})

	addr, err := r.Resolve(context.Background(), 0x1000, []int64{-0x20})
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x1FE0 {
		t.Fatalf("resolved %#x, want 0x1fe0", addr)
	}
}
