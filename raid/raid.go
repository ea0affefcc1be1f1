// Package raid is the read/write facade over den memory: it injects raid
// seed records, reads them back for verification, and probes environment
// state (clock, story progress, battle status, overlay interference).
//
// Injection and verification are deliberately separate operations. The
// rotation layer needs to tell "the write itself failed" apart from "the
// write landed but the game overwrote it before we looked" — the first is
// resent, the second restarts navigation.
package raid

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/veldt/denbot/coords"
	"github.com/veldt/denbot/den"
	"github.com/veldt/denbot/pointer"
)

// Device is the console surface the store needs. *sbb.Client satisfies it.
type Device interface {
	Peek(ctx context.Context, addr uint64, n int) ([]byte, error)
	Poke(ctx context.Context, addr uint64, data []byte) error
	PeekUint64(ctx context.Context, addr uint64) (uint64, error)
	HeapBase(ctx context.Context) (uint64, error)
	MainBase(ctx context.Context) (uint64, error)
}

// SeedMismatchError reports a verification read that disagreed with the
// injected value.
type SeedMismatchError struct {
	Slot      int
	Want, Got uint64
}

func (e *SeedMismatchError) Error() string {
	return fmt.Sprintf("raid: slot %d seed mismatch: injected %#x, read %#x", e.Slot, e.Want, e.Got)
}

// InterferenceError reports that the signature probe found foreign bytes at
// a known static location — the usual cause is an overlay applet shifting
// the game's memory layout. Always fatal to the current cycle.
type InterferenceError struct {
	Addr uint64
}

func (e *InterferenceError) Error() string {
	return fmt.Sprintf("raid: memory signature mismatch at %#x, overlay interference suspected", e.Addr)
}

// BattleStatus is the in-game battle flag value.
type BattleStatus byte

// Battle flag values as the game writes them.
const (
	BattleNone         BattleStatus = 0
	BattleHosting      BattleStatus = 1
	BattleInProgress   BattleStatus = 2
	BattleWon          BattleStatus = 3
	BattleLost         BattleStatus = 4
	BattleDisconnected BattleStatus = 5
)

// Terminal reports whether the status ends a raid cycle.
func (s BattleStatus) Terminal() bool {
	return s == BattleWon || s == BattleLost || s == BattleDisconnected
}

func (s BattleStatus) String() string {
	switch s {
	case BattleNone:
		return "none"
	case BattleHosting:
		return "hosting"
	case BattleInProgress:
		return "in_progress"
	case BattleWon:
		return "won"
	case BattleLost:
		return "lost"
	case BattleDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// EnvironmentState is a snapshot of the probed game state.
type EnvironmentState struct {
	Hour          int          `json:"hour"`
	Season        byte         `json:"season"`
	StoryProgress int          `json:"story_progress"`
	Battle        BattleStatus `json:"battle"`
	Interference  bool         `json:"interference"`
}

// SignatureProbe describes the static bytes checked for overlay
// interference. Addr is an offset from the main module base; no
// dereferencing is involved.
type SignatureProbe struct {
	Addr   int64
	Expect []byte
}

// Options configures a Store.
type Options struct {
	// HeapSize bounds the resolver sanity range past the reported heap
	// base. Default: 4 GiB.
	HeapSize uint64
	// Clock is the chain to the game clock struct (hour byte, season byte).
	Clock den.Chain
	// Progress is the chain to the story-progress flag byte.
	Progress den.Chain
	// Battle is the chain to the battle status byte.
	Battle den.Chain
	// Player is the chain to the player's world position (three
	// little-endian float32 values: x, y, z).
	Player den.Chain
	// Signature is the interference probe.
	Signature SignatureProbe
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.HeapSize == 0 {
		o.HeapSize = 4 << 30
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time store counters.
type Stats struct {
	Injections int64 `json:"injections"`
	SeedReads  int64 `json:"seed_reads"`
	Probes     int64 `json:"probes"`
}

// Store gives slot-level access to den memory on one console. It is owned by
// a single bot session and is not safe for concurrent use across sessions.
type Store struct {
	dev  Device
	dens *den.Map
	res  *pointer.Resolver
	opts Options

	mainBase uint64

	injections atomic.Int64
	seedReads  atomic.Int64
	probes     atomic.Int64
}

// New creates a Store. Call RefreshBases before the first slot operation and
// again after every reconnect.
func New(dev Device, dens *den.Map, opts Options) *Store {
	opts.defaults()
	return &Store{
		dev:  dev,
		dens: dens,
		res:  pointer.NewResolver(dev, pointer.Bounds{}),
		opts: opts,
	}
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	return Stats{
		Injections: s.injections.Load(),
		SeedReads:  s.seedReads.Load(),
		Probes:     s.probes.Load(),
	}
}

// RefreshBases re-queries the main module and heap base addresses and
// rearms the resolver's sanity bounds. Base addresses move on every game
// launch, so this runs at session start and after each transport reboot.
func (s *Store) RefreshBases(ctx context.Context) error {
	main, err := s.dev.MainBase(ctx)
	if err != nil {
		return fmt.Errorf("raid: query main base: %w", err)
	}
	heap, err := s.dev.HeapBase(ctx)
	if err != nil {
		return fmt.Errorf("raid: query heap base: %w", err)
	}
	s.mainBase = main
	s.res.SetBounds(pointer.Bounds{HeapBase: heap, HeapEnd: heap + s.opts.HeapSize})
	s.opts.Logger.Debug("raid: bases refreshed", "main", fmt.Sprintf("%#x", main), "heap", fmt.Sprintf("%#x", heap))
	return nil
}

// SlotAddress resolves the absolute address of a slot's record.
func (s *Store) SlotAddress(ctx context.Context, slot int) (uint64, error) {
	return s.dens.Address(ctx, s.res, s.mainBase, slot)
}

// InjectSeed writes a slot's record — 8-byte little-endian seed followed by
// the opaque metadata payload — as one transport write. The record must fit
// the owning region's stride.
func (s *Store) InjectSeed(ctx context.Context, slot int, seed uint64, metadata []byte) error {
	region, _, err := s.dens.Locate(slot)
	if err != nil {
		return err
	}
	record := make([]byte, 8+len(metadata))
	binary.LittleEndian.PutUint64(record, seed)
	copy(record[8:], metadata)
	if uint64(len(record)) > region.Stride {
		return fmt.Errorf("raid: record %d bytes exceeds region %s stride %#x", len(record), region.ID, region.Stride)
	}

	addr, err := s.SlotAddress(ctx, slot)
	if err != nil {
		return err
	}
	if err := s.dev.Poke(ctx, addr, record); err != nil {
		return err
	}
	s.injections.Add(1)
	s.opts.Logger.Debug("raid: seed injected", "slot", slot, "seed", fmt.Sprintf("%#x", seed), "bytes", len(record))
	return nil
}

// ReadSeed reads a slot's current seed. Used only for post-injection
// verification, never on the normal path.
func (s *Store) ReadSeed(ctx context.Context, slot int) (uint64, error) {
	addr, err := s.SlotAddress(ctx, slot)
	if err != nil {
		return 0, err
	}
	data, err := s.dev.Peek(ctx, addr, 8)
	if err != nil {
		return 0, err
	}
	s.seedReads.Add(1)
	return binary.LittleEndian.Uint64(data), nil
}

// VerifySeed reads a slot back and compares against the injected value,
// returning SeedMismatchError on disagreement.
func (s *Store) VerifySeed(ctx context.Context, slot int, want uint64) error {
	got, err := s.ReadSeed(ctx, slot)
	if err != nil {
		return err
	}
	if got != want {
		return &SeedMismatchError{Slot: slot, Want: want, Got: got}
	}
	return nil
}

// PlayerPosition reads the player's current world position.
func (s *Store) PlayerPosition(ctx context.Context) (coords.Point, error) {
	addr, err := s.res.Resolve(ctx, s.mainBase+uint64(s.opts.Player.Root), s.opts.Player.Offsets)
	if err != nil {
		return coords.Point{}, fmt.Errorf("raid: resolve player position: %w", err)
	}
	data, err := s.dev.Peek(ctx, addr, 12)
	if err != nil {
		return coords.Point{}, err
	}
	return coords.Point{
		X: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[0:]))),
		Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[4:]))),
		Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[8:]))),
	}, nil
}

// Probe samples the environment: clock, story progress, battle flag, and the
// interference signature. A failed signature comparison sets Interference
// rather than failing the probe; transport errors fail it.
func (s *Store) Probe(ctx context.Context) (EnvironmentState, error) {
	var env EnvironmentState

	if len(s.opts.Clock.Offsets) > 0 || s.opts.Clock.Root != 0 {
		addr, err := s.res.Resolve(ctx, s.mainBase+uint64(s.opts.Clock.Root), s.opts.Clock.Offsets)
		if err != nil {
			return env, fmt.Errorf("raid: resolve clock: %w", err)
		}
		data, err := s.dev.Peek(ctx, addr, 2)
		if err != nil {
			return env, err
		}
		env.Hour = int(data[0])
		env.Season = data[1]
	}

	if len(s.opts.Progress.Offsets) > 0 || s.opts.Progress.Root != 0 {
		addr, err := s.res.Resolve(ctx, s.mainBase+uint64(s.opts.Progress.Root), s.opts.Progress.Offsets)
		if err != nil {
			return env, fmt.Errorf("raid: resolve progress: %w", err)
		}
		data, err := s.dev.Peek(ctx, addr, 1)
		if err != nil {
			return env, err
		}
		env.StoryProgress = int(data[0])
	}

	if len(s.opts.Battle.Offsets) > 0 || s.opts.Battle.Root != 0 {
		addr, err := s.res.Resolve(ctx, s.mainBase+uint64(s.opts.Battle.Root), s.opts.Battle.Offsets)
		if err != nil {
			return env, fmt.Errorf("raid: resolve battle flag: %w", err)
		}
		data, err := s.dev.Peek(ctx, addr, 1)
		if err != nil {
			return env, err
		}
		env.Battle = BattleStatus(data[0])
	}

	if len(s.opts.Signature.Expect) > 0 {
		addr := s.mainBase + uint64(s.opts.Signature.Addr)
		data, err := s.dev.Peek(ctx, addr, len(s.opts.Signature.Expect))
		if err != nil {
			return env, err
		}
		if !bytes.Equal(data, s.opts.Signature.Expect) {
			env.Interference = true
			s.opts.Logger.Warn("raid: signature probe mismatch", "addr", fmt.Sprintf("%#x", addr))
		}
	}

	s.probes.Add(1)
	return env, nil
}
