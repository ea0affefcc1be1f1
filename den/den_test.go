package den_test

import (
	"context"
	"errors"
	"testing"

	"github.com/veldt/denbot/den"
	"github.com/veldt/denbot/pointer"
)

func TestLocateOffsetFormula(t *testing.T) {
	m := den.Default()

	for _, r := range m.Regions() {
		for slot := r.First; slot <= r.Last; slot++ {
			region, off, err := m.Locate(slot)
			if err != nil {
				t.Fatalf("slot %d: %v", slot, err)
			}
			if region.ID != r.ID {
				t.Fatalf("slot %d: region %s, want %s", slot, region.ID, r.ID)
			}
			want := uint64(slot-r.First) * r.Stride
			if off != want {
				t.Fatalf("slot %d: offset %#x, want %#x", slot, off, want)
			}
		}
	}
}

func TestLocateRegionBoundaries(t *testing.T) {
	m := den.Default()

	region, _, err := m.Locate(93)
	if err != nil {
		t.Fatal(err)
	}
	if region.ID != den.RegionIsleOfArmor {
		t.Fatalf("slot 93 in %s, want %s", region.ID, den.RegionIsleOfArmor)
	}

	region, off, err := m.Locate(94)
	if err != nil {
		t.Fatal(err)
	}
	if region.ID != den.RegionCrownTundra {
		t.Fatalf("slot 94 in %s, want %s", region.ID, den.RegionCrownTundra)
	}
	if off != 0 {
		t.Fatalf("slot 94 offset %#x, want 0", off)
	}
}

func TestLocateInvalidIndex(t *testing.T) {
	m := den.Default()
	for _, slot := range []int{-1, 126, 1000} {
		_, _, err := m.Locate(slot)
		var inv *den.InvalidSlotIndexError
		if !errors.As(err, &inv) {
			t.Fatalf("slot %d: want InvalidSlotIndexError, got %v", slot, err)
		}
		if inv.Slot != slot {
			t.Fatalf("error carries slot %d, want %d", inv.Slot, slot)
		}
	}
}

func TestNewMapRejectsOverlap(t *testing.T) {
	_, err := den.NewMap([]den.Region{
		{ID: "a", Stride: 0x20, First: 0, Last: 10},
		{ID: "b", Stride: 0x20, First: 10, Last: 20},
	})
	if err == nil {
		t.Fatal("overlapping ranges should be rejected")
	}
}

func TestNewMapRejectsZeroStride(t *testing.T) {
	_, err := den.NewMap([]den.Region{{ID: "a", First: 0, Last: 1}})
	if err == nil {
		t.Fatal("zero stride should be rejected")
	}
}

// chainPeeker serves the words a region block chain walks through.
type chainPeeker struct {
	words map[uint64]uint64
}

func (p *chainPeeker) PeekUint64(ctx context.Context, addr uint64) (uint64, error) {
	w, ok := p.words[addr]
	if !ok {
		return 0, errors.New("unmapped address")
	}
	return w, nil
}

func TestAddressAppliesHeaderAndStride(t *testing.T) {
	m, err := den.NewMap([]den.Region{
		{
			ID:           "third",
			Block:        den.Chain{Root: 0x100, Offsets: []int64{0x10}},
			HeaderOffset: 0x10A0,
			Stride:       0x20,
			First:        94,
			Last:         125,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	const mainBase = 0x8000000
	// *(mainBase+0x100) = 0x5000_0000, +0x10 → block pointer 0x5000_0010.
	p := &chainPeeker{words: map[uint64]uint64{mainBase + 0x100: 0x50000000}}
	res := pointer.NewResolver(p, pointer.Bounds{HeapBase: 0x40000000, HeapEnd: 0x60000000})

	addr, err := m.Address(context.Background(), res, mainBase, 94)
	if err != nil {
		t.Fatal(err)
	}
	want := uint64(0x50000010 + 0x10A0) // block + header + 0*stride
	if addr != want {
		t.Fatalf("addr %#x, want %#x", addr, want)
	}

	addr, err = m.Address(context.Background(), res, mainBase, 96)
	if err != nil {
		t.Fatal(err)
	}
	want += 2 * 0x20
	if addr != want {
		t.Fatalf("slot 96 addr %#x, want %#x", addr, want)
	}
}

func TestAddressPropagatesResolutionError(t *testing.T) {
	m := den.Default()
	p := &chainPeeker{words: map[uint64]uint64{}}
	res := pointer.NewResolver(p, pointer.Bounds{})

	_, err := m.Address(context.Background(), res, 0x8000000, 10)
	var re *pointer.ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("want ResolutionError, got %v", err)
	}
}
