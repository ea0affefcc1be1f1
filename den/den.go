// Package den maps logical raid slot indices onto physical console memory.
//
// Slots live in three disjoint regions, each with its own block pointer
// chain, fixed header offset, and per-slot stride. The mapping is pure table
// data: adding a region is a table edit, not new code. The table is
// read-only after construction and safe for concurrent use.
package den

import (
	"context"
	"fmt"

	"github.com/veldt/denbot/pointer"
)

// RegionID names a raid region.
type RegionID string

// The three regions of the supported title.
const (
	RegionVanilla     RegionID = "vanilla"
	RegionIsleOfArmor RegionID = "isleofarmor"
	RegionCrownTundra RegionID = "crowntundra"
)

// Chain locates a region's den block: a root offset from the game's main
// module base plus the dereference offsets that lead to the block pointer.
type Chain struct {
	Root    int64 // added to the main module base before the first dereference
	Offsets []int64
}

// Region describes one contiguous slot index range.
type Region struct {
	ID           RegionID
	Block        Chain
	HeaderOffset int64  // fixed offset past the resolved block pointer
	Stride       uint64 // bytes per slot
	First, Last  int    // inclusive slot index range
}

// InvalidSlotIndexError is returned when a slot index is covered by no
// region. This is a config/programmer error: never retried.
type InvalidSlotIndexError struct {
	Slot int
}

func (e *InvalidSlotIndexError) Error() string {
	return fmt.Sprintf("den: slot index %d matches no region", e.Slot)
}

// Map is the static region table.
type Map struct {
	regions []Region
}

// NewMap validates the table and returns a Map. Index ranges must be
// well-formed and pairwise disjoint.
func NewMap(regions []Region) (*Map, error) {
	for i, r := range regions {
		if r.Last < r.First {
			return nil, fmt.Errorf("den: region %s has inverted range [%d, %d]", r.ID, r.First, r.Last)
		}
		if r.Stride == 0 {
			return nil, fmt.Errorf("den: region %s has zero stride", r.ID)
		}
		for _, prev := range regions[:i] {
			if r.First <= prev.Last && prev.First <= r.Last {
				return nil, fmt.Errorf("den: regions %s and %s overlap", prev.ID, r.ID)
			}
		}
	}
	return &Map{regions: regions}, nil
}

// Default returns the region table for the supported title: base game plus
// the two expansion areas. The crown tundra block carries a larger fixed
// header before its first slot record.
func Default() *Map {
	m, err := NewMap([]Region{
		{
			ID:           RegionVanilla,
			Block:        Chain{Root: 0x28F4060, Offsets: []int64{0x330, 0xC0, 0x70}},
			HeaderOffset: 0x40,
			Stride:       0x20,
			First:        0,
			Last:         62,
		},
		{
			ID:           RegionIsleOfArmor,
			Block:        Chain{Root: 0x28F4060, Offsets: []int64{0x330, 0xC0, 0x158}},
			HeaderOffset: 0x40,
			Stride:       0x20,
			First:        63,
			Last:         93,
		},
		{
			ID:           RegionCrownTundra,
			Block:        Chain{Root: 0x28F4060, Offsets: []int64{0x330, 0xC0, 0x240}},
			HeaderOffset: 0x10A0,
			Stride:       0x20,
			First:        94,
			Last:         125,
		},
	})
	if err != nil {
		panic(err) // static table, validated by tests
	}
	return m
}

// Regions returns the table entries in declaration order.
func (m *Map) Regions() []Region { return m.regions }

// Region returns the entry for an id.
func (m *Map) Region(id RegionID) (Region, bool) {
	for _, r := range m.regions {
		if r.ID == id {
			return r, true
		}
	}
	return Region{}, false
}

// Slots returns the total number of slots across all regions.
func (m *Map) Slots() int {
	n := 0
	for _, r := range m.regions {
		n += r.Last - r.First + 1
	}
	return n
}

// Locate finds the region owning a slot index and the slot's byte offset
// within that region's block. The region's fixed header offset is not part
// of the returned offset; Address applies it after the block pointer
// resolves.
func (m *Map) Locate(slot int) (Region, uint64, error) {
	// Three entries: linear scan is fine.
	for _, r := range m.regions {
		if slot >= r.First && slot <= r.Last {
			return r, uint64(slot-r.First) * r.Stride, nil
		}
	}
	return Region{}, 0, &InvalidSlotIndexError{Slot: slot}
}

// Address resolves a slot's absolute memory address: the region's block
// chain is walked from mainBase, then the in-block offset is added.
func (m *Map) Address(ctx context.Context, res *pointer.Resolver, mainBase uint64, slot int) (uint64, error) {
	region, off, err := m.Locate(slot)
	if err != nil {
		return 0, err
	}
	block, err := res.Resolve(ctx, mainBase+uint64(region.Block.Root), region.Block.Offsets)
	if err != nil {
		return 0, fmt.Errorf("den: resolve %s block: %w", region.ID, err)
	}
	return block + uint64(region.HeaderOffset) + off, nil
}
