// Package rotation runs one bot session's raid cycle: pick work, inject the
// seed, verify it, walk to the den, host the lobby, wait out the battle,
// cool down, repeat. The machine consumes the request queue between cycles
// and falls back to its scheduled rotation when the queue is empty.
//
// Every console interaction sits behind a small interface so the machine can
// be exercised end to end against fakes. The machine itself owns all mutable
// session state; supervisors and status surfaces only ever see snapshots.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veldt/denbot/coords"
	"github.com/veldt/denbot/den"
	"github.com/veldt/denbot/events"
	"github.com/veldt/denbot/navigate"
	"github.com/veldt/denbot/pointer"
	"github.com/veldt/denbot/queue"
	"github.com/veldt/denbot/raid"
	"github.com/veldt/denbot/sbb"
)

// State is a machine state.
type State string

// Machine states.
const (
	StateIdle          State = "idle"
	StatePreparingSlot State = "preparing_slot"
	StateInjecting     State = "injecting"
	StateVerifying     State = "verifying_seed"
	StateNavigating    State = "navigating_to_den"
	StateHostingLobby  State = "hosting_lobby"
	StateAwaiting      State = "awaiting_players"
	StateResolving     State = "resolving_battle"
	StateCooldown      State = "cooldown"
	StateRecovery      State = "error_recovery"
	StateStopped       State = "stopped"
)

// Failure reason codes reported back through a request's originating channel.
const (
	ReasonSeedMismatch  = "seed_mismatch"
	ReasonNavigation    = "navigation_failed"
	ReasonLobbyTimeout  = "lobby_timeout"
	ReasonBattleTimeout = "battle_timeout"
	ReasonInterference  = "interference"
	ReasonTransport     = "transport"
	ReasonConfig        = "config"
	ReasonStopped       = "session_stopped"
)

// Store is the den-memory facade the machine drives. *raid.Store satisfies it.
type Store interface {
	InjectSeed(ctx context.Context, slot int, seed uint64, metadata []byte) error
	VerifySeed(ctx context.Context, slot int, want uint64) error
	Probe(ctx context.Context) (raid.EnvironmentState, error)
	RefreshBases(ctx context.Context) error
}

// Navigator moves the player and presses buttons. *navigate.Driver
// satisfies it.
type Navigator interface {
	MoveTo(ctx context.Context, target coords.Point, timeout time.Duration) (coords.Point, error)
	PressButton(ctx context.Context, b sbb.Button, hold time.Duration) error
}

// CoordSource supplies den coordinates. *coords.FileSource satisfies it.
type CoordSource interface {
	Lookup(region den.RegionID, denID string) (coords.Point, error)
	Refresh(region den.RegionID) error
}

// RequestSource hands out pending requests. *queue.Q satisfies it.
type RequestSource interface {
	DequeueNext() *queue.Request
}

// Legalizer produces the opaque display payload written after the seed. The
// machine never inspects the payload beyond its length.
type Legalizer interface {
	Legalize(ctx context.Context, seed uint64, species string, stars int) ([]byte, error)
}

// Conn is the session's transport connection, rebooted on escalation.
// *sbb.Client satisfies it.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
}

// Recorder persists cycle outcomes and request resolutions. *events.Store
// satisfies it; NopRecorder drops everything.
type Recorder interface {
	CycleStarted(ctx context.Context, sessionID string, slot int, seed uint64, species, requestID string) (string, error)
	CycleFinished(ctx context.Context, cycleID, outcome, reason string) error
	RequestResolved(ctx context.Context, requestID, status, reason string) error
	Heartbeat(ctx context.Context, sessionID, state string)
}

// NopRecorder is a Recorder that records nothing.
type NopRecorder struct{}

func (NopRecorder) CycleStarted(context.Context, string, int, uint64, string, string) (string, error) {
	return "", nil
}
func (NopRecorder) CycleFinished(context.Context, string, string, string) error { return nil }
func (NopRecorder) RequestResolved(context.Context, string, string, string) error {
	return nil
}
func (NopRecorder) Heartbeat(context.Context, string, string) {}

// Entry is one scheduled rotation slot.
type Entry struct {
	Slot    int    `yaml:"slot" json:"slot"`
	DenID   string `yaml:"den" json:"den"`
	Seed    uint64 `yaml:"seed" json:"seed"`
	Species string `yaml:"species" json:"species"`
	Stars   int    `yaml:"stars" json:"stars"`
}

// Config tunes the machine. Retry counts, thresholds, and dwell times are
// policy values, deliberately configuration rather than constants.
type Config struct {
	// SessionID names this bot session.
	SessionID string `yaml:"session_id"`
	// Rotation is the scheduled slot cycle worked when the queue is empty.
	Rotation []Entry `yaml:"rotation"`
	// RequestSlot and RequestDen are where queued requests are hosted.
	RequestSlot int    `yaml:"request_slot"`
	RequestDen  string `yaml:"request_den"`
	// InjectRetries bounds seed re-injection after verification mismatch
	// before escalating. Default: 3.
	InjectRetries int `yaml:"inject_retries"`
	// NavFailuresBeforeRefresh is the consecutive navigation failure count
	// that triggers a coordinate refresh. Default: 3.
	NavFailuresBeforeRefresh int `yaml:"nav_failures_before_refresh"`
	// NavAttempts bounds navigation tries per cycle. Default: 6.
	NavAttempts int `yaml:"nav_attempts"`
	// NavTimeout bounds one MoveTo. Default: 45s.
	NavTimeout time.Duration `yaml:"nav_timeout"`
	// LobbyWait is how long the lobby stays open for players. Default: 3m.
	LobbyWait time.Duration `yaml:"lobby_wait"`
	// SoloStart starts the raid anyway when LobbyWait expires with no
	// players; false aborts the cycle instead. Default: true.
	SoloStart *bool `yaml:"solo_start"`
	// BattlePoll is the environment poll interval while waiting on the
	// lobby or battle. Default: 2s.
	BattlePoll time.Duration `yaml:"battle_poll"`
	// BattleTimeout is the hard cap on one battle. Default: 10m.
	BattleTimeout time.Duration `yaml:"battle_timeout"`
	// Cooldown is the minimum dwell between cycles. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
	// IdleWait is the bounded sleep when there is no work at all. Default: 5s.
	IdleWait time.Duration `yaml:"idle_wait"`
	// RecoveryBackoff is the base backoff for transient recovery, doubled
	// per consecutive recovery. Default: 2s.
	RecoveryBackoff time.Duration `yaml:"recovery_backoff"`
	// MaxRecoveries bounds consecutive recoveries before the session halts
	// with an error. Default: 5.
	MaxRecoveries int `yaml:"max_recoveries"`
	// MenuDelay paces the lobby-opening button sequence. Default: 1s.
	MenuDelay time.Duration `yaml:"menu_delay"`
}

func (c *Config) defaults() {
	if c.SessionID == "" {
		c.SessionID = "bot-1"
	}
	if c.InjectRetries <= 0 {
		c.InjectRetries = 3
	}
	if c.NavFailuresBeforeRefresh <= 0 {
		c.NavFailuresBeforeRefresh = 3
	}
	if c.NavAttempts <= 0 {
		c.NavAttempts = 6
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 45 * time.Second
	}
	if c.LobbyWait <= 0 {
		c.LobbyWait = 3 * time.Minute
	}
	if c.SoloStart == nil {
		v := true
		c.SoloStart = &v
	}
	if c.BattlePoll <= 0 {
		c.BattlePoll = 2 * time.Second
	}
	if c.BattleTimeout <= 0 {
		c.BattleTimeout = 10 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 5 * time.Second
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = 2 * time.Second
	}
	if c.MaxRecoveries <= 0 {
		c.MaxRecoveries = 5
	}
	if c.MenuDelay <= 0 {
		c.MenuDelay = time.Second
	}
}

// Deps are the machine's collaborators.
type Deps struct {
	Store     Store
	Navigator Navigator
	Coords    CoordSource
	Requests  RequestSource
	Legalizer Legalizer // optional; nil writes a bare seed record
	Conn      Conn
	Recorder  Recorder // optional; nil records nothing
	Dens      *den.Map
	Logger    *slog.Logger
}

// Snapshot is a read-only view of session state for supervisors and status
// surfaces.
type Snapshot struct {
	SessionID      string    `json:"session_id"`
	State          State     `json:"state"`
	Paused         bool      `json:"paused"`
	Slot           int       `json:"slot"`
	RequestID      string    `json:"request_id,omitempty"`
	CyclesDone     int64     `json:"cycles_done"`
	SeedMismatches int       `json:"seed_mismatches"`
	NavFailures    int       `json:"nav_failures"`
	Recoveries     int       `json:"recoveries"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// cycle is the unit of work for one raid.
type cycle struct {
	slot    int
	denID   string
	seed    uint64
	species string
	stars   int
	req     *queue.Request // nil for rotation/filler-origin cycles
	eventID string
}

// Machine is one bot session's state machine. Create with New, drive with
// Run; Pause/Resume may be called from any goroutine.
type Machine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	paused atomic.Bool

	mu         sync.Mutex
	state      State
	cur        *cycle // invariant: at most one in flight
	mismatches int
	navFails   int
	recoveries int
	rotIndex   int
	cycles     atomic.Int64
	lastErr    string
	updatedAt  time.Time
}

// New creates a Machine.
func New(cfg Config, deps Deps) (*Machine, error) {
	cfg.defaults()
	if deps.Store == nil || deps.Navigator == nil || deps.Coords == nil ||
		deps.Requests == nil || deps.Conn == nil || deps.Dens == nil {
		return nil, errors.New("rotation: missing dependency")
	}
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Machine{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.With("session", cfg.SessionID),
		state: StateIdle,
	}, nil
}

// Pause parks the machine: it finishes its current state, then idles
// without dequeuing further work.
func (m *Machine) Pause() { m.paused.Store(true) }

// Resume lifts a pause.
func (m *Machine) Resume() { m.paused.Store(false) }

// Paused reports the pause flag.
func (m *Machine) Paused() bool { return m.paused.Load() }

// Snapshot returns the current session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		SessionID:      m.cfg.SessionID,
		State:          m.state,
		Paused:         m.paused.Load(),
		CyclesDone:     m.cycles.Load(),
		SeedMismatches: m.mismatches,
		NavFailures:    m.navFails,
		Recoveries:     m.recoveries,
		LastError:      m.lastErr,
		UpdatedAt:      m.updatedAt,
	}
	if m.cur != nil {
		s.Slot = m.cur.slot
		if m.cur.req != nil {
			s.RequestID = m.cur.req.ID
		}
	}
	return s
}

func (m *Machine) setState(ctx context.Context, s State) {
	m.mu.Lock()
	m.state = s
	m.updatedAt = time.Now()
	m.mu.Unlock()
	m.deps.Recorder.Heartbeat(ctx, m.cfg.SessionID, string(s))
	m.log.Debug("rotation: state", "state", s)
}

func (m *Machine) setLastErr(err error) {
	m.mu.Lock()
	if err == nil {
		m.lastErr = ""
	} else {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()
}

// Run drives the machine until ctx is cancelled or an unrecoverable error
// halts the session. A cancelled context is a clean stop: the machine parks
// in Stopped without touching the console again and returns nil.
func (m *Machine) Run(ctx context.Context) error {
	m.setState(ctx, StateIdle)

	if err := m.deps.Store.RefreshBases(ctx); err != nil {
		if ctx.Err() != nil {
			return m.stop(ctx)
		}
		if err := m.recover(ctx, err); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return m.stop(ctx)
		}
		if m.paused.Load() {
			m.setState(ctx, StateIdle)
			if err := sleepCtx(ctx, m.cfg.IdleWait); err != nil {
				return m.stop(ctx)
			}
			continue
		}

		cyc, err := m.prepare(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return m.stop(ctx)
			}
			if err := m.recover(ctx, err); err != nil {
				return err
			}
			continue
		}
		if cyc == nil {
			// No queued work and no rotation: bounded idle wait, not a
			// busy loop.
			if err := sleepCtx(ctx, m.cfg.IdleWait); err != nil {
				return m.stop(ctx)
			}
			continue
		}

		if err := m.runCycle(ctx, cyc); err != nil {
			if ctx.Err() != nil {
				return m.stop(ctx)
			}
			if err := m.recover(ctx, err); err != nil {
				return err
			}
			continue
		}

		m.mu.Lock()
		m.recoveries = 0
		m.mu.Unlock()
		m.setLastErr(nil)

		m.setState(ctx, StateCooldown)
		if err := sleepCtx(ctx, m.cfg.Cooldown); err != nil {
			return m.stop(ctx)
		}
	}
}

// stop transitions to the terminal state. No device I/O happens here: an
// already-injected seed stays where it is and the orphan sweep finds it on
// the next start.
func (m *Machine) stop(ctx context.Context) error {
	m.mu.Lock()
	cur := m.cur
	m.cur = nil
	m.mu.Unlock()
	if cur != nil && cur.req != nil {
		m.resolveRequest(cur, events.RequestFailed, ReasonStopped)
	}
	m.setState(context.WithoutCancel(ctx), StateStopped)
	m.log.Info("rotation: stopped")
	return nil
}

// prepare dequeues the highest-priority request, falling back to the next
// scheduled rotation entry. Returns nil when there is no work at all.
func (m *Machine) prepare(ctx context.Context) (*cycle, error) {
	m.setState(ctx, StatePreparingSlot)

	if r := m.deps.Requests.DequeueNext(); r != nil {
		c := &cycle{
			slot:    m.cfg.RequestSlot,
			denID:   m.cfg.RequestDen,
			seed:    r.Seed,
			species: r.Species,
			stars:   r.Stars,
			req:     r,
		}
		m.setCurrent(c)
		m.log.Info("rotation: serving request", "request", r.ID, "requester", r.Requester, "seed", fmt.Sprintf("%#x", r.Seed))
		return c, nil
	}

	if len(m.cfg.Rotation) == 0 {
		return nil, nil
	}
	m.mu.Lock()
	e := m.cfg.Rotation[m.rotIndex%len(m.cfg.Rotation)]
	m.rotIndex++
	m.mu.Unlock()
	c := &cycle{slot: e.Slot, denID: e.DenID, seed: e.Seed, species: e.Species, stars: e.Stars}
	m.setCurrent(c)
	m.log.Info("rotation: scheduled slot", "slot", e.Slot, "den", e.DenID)
	return c, nil
}

func (m *Machine) setCurrent(c *cycle) {
	m.mu.Lock()
	m.cur = c
	m.mu.Unlock()
}

// runCycle executes one full raid cycle. Any returned error has already
// resolved the cycle's request (if one was in flight) with a reason code.
func (m *Machine) runCycle(ctx context.Context, c *cycle) error {
	if err := m.injectAndVerify(ctx, c); err != nil {
		return err
	}
	if err := m.navigateToDen(ctx, c); err != nil {
		return err
	}
	if err := m.hostLobby(ctx, c); err != nil {
		return err
	}
	proceed, err := m.awaitPlayers(ctx, c)
	if err != nil {
		return err
	}
	if !proceed {
		// Lobby timed out and solo start is disabled: cycle aborted,
		// not an error.
		m.finishCycle(ctx, c, events.OutcomeFailed, ReasonLobbyTimeout)
		return nil
	}
	return m.resolveBattle(ctx, c)
}

// injectAndVerify writes the seed and reads it back, re-injecting on
// mismatch up to the configured bound. Crossing the bound escalates exactly
// once.
func (m *Machine) injectAndVerify(ctx context.Context, c *cycle) error {
	var metadata []byte
	if m.deps.Legalizer != nil {
		var err error
		metadata, err = m.deps.Legalizer.Legalize(ctx, c.seed, c.species, c.stars)
		if err != nil {
			m.resolveRequest(c, events.RequestFailed, ReasonConfig)
			return fmt.Errorf("rotation: legalize: %w", err)
		}
	}

	for attempt := 0; attempt < m.cfg.InjectRetries; attempt++ {
		m.setState(ctx, StateInjecting)
		if err := m.deps.Store.InjectSeed(ctx, c.slot, c.seed, metadata); err != nil {
			m.resolveRequest(c, events.RequestFailed, reasonFor(err))
			return err
		}

		m.setState(ctx, StateVerifying)
		err := m.deps.Store.VerifySeed(ctx, c.slot, c.seed)
		if err == nil {
			m.mu.Lock()
			m.mismatches = 0
			m.mu.Unlock()
			id, recErr := m.deps.Recorder.CycleStarted(ctx, m.cfg.SessionID, c.slot, c.seed, c.species, requestID(c))
			if recErr != nil {
				m.log.Warn("rotation: cycle record failed", "error", recErr)
			}
			c.eventID = id
			return nil
		}

		var mm *raid.SeedMismatchError
		if !errors.As(err, &mm) {
			// Read itself failed: transport trouble, not a mismatch.
			m.resolveRequest(c, events.RequestFailed, reasonFor(err))
			return err
		}
		m.mu.Lock()
		m.mismatches++
		m.mu.Unlock()
		m.log.Warn("rotation: seed mismatch, re-injecting",
			"slot", c.slot, "attempt", attempt+1, "max", m.cfg.InjectRetries)
	}

	m.resolveRequest(c, events.RequestFailed, ReasonSeedMismatch)
	return &raid.SeedMismatchError{Slot: c.slot, Want: c.seed}
}

// navigateToDen walks to the cycle's den. Consecutive failures reaching the
// configured threshold trigger exactly one coordinate refresh before the
// next attempt; the counter resets on any success.
func (m *Machine) navigateToDen(ctx context.Context, c *cycle) error {
	m.setState(ctx, StateNavigating)

	region, _, err := m.deps.Dens.Locate(c.slot)
	if err != nil {
		m.resolveRequest(c, events.RequestFailed, ReasonConfig)
		return err
	}

	for attempt := 0; attempt < m.cfg.NavAttempts; attempt++ {
		target, err := m.deps.Coords.Lookup(region.ID, c.denID)
		if err != nil {
			m.resolveRequest(c, events.RequestFailed, ReasonConfig)
			return err
		}

		_, err = m.deps.Navigator.MoveTo(ctx, target, m.cfg.NavTimeout)
		if err == nil {
			m.mu.Lock()
			m.navFails = 0
			m.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		var nf *navigate.Failure
		if !errors.As(err, &nf) {
			// Transport-level failure, not a missed target.
			m.resolveRequest(c, events.RequestFailed, reasonFor(err))
			return err
		}

		m.mu.Lock()
		m.navFails++
		fails := m.navFails
		m.mu.Unlock()
		m.log.Warn("rotation: navigation failed", "den", c.denID, "dist", nf.Dist, "consecutive", fails)

		if fails == m.cfg.NavFailuresBeforeRefresh {
			// Don't keep walking into the same wall: reload the
			// coordinate table before the next attempt.
			if err := m.deps.Coords.Refresh(region.ID); err != nil {
				m.log.Warn("rotation: coordinate refresh failed", "error", err)
			}
		}
	}

	m.resolveRequest(c, events.RequestFailed, ReasonNavigation)
	return fmt.Errorf("rotation: den %s unreachable after %d attempts", c.denID, m.cfg.NavAttempts)
}

// hostLobby opens the den menu and invites others.
func (m *Machine) hostLobby(ctx context.Context, c *cycle) error {
	m.setState(ctx, StateHostingLobby)
	for _, b := range []sbb.Button{sbb.ButtonA, sbb.ButtonA} {
		if err := m.deps.Navigator.PressButton(ctx, b, 80*time.Millisecond); err != nil {
			m.resolveRequest(c, events.RequestFailed, reasonFor(err))
			return err
		}
		if err := sleepCtx(ctx, m.cfg.MenuDelay); err != nil {
			return err
		}
	}
	return nil
}

// awaitPlayers polls the environment until the battle starts or LobbyWait
// expires. The bool result reports whether the cycle proceeds to battle.
func (m *Machine) awaitPlayers(ctx context.Context, c *cycle) (bool, error) {
	m.setState(ctx, StateAwaiting)
	deadline := time.Now().Add(m.cfg.LobbyWait)

	for time.Now().Before(deadline) {
		env, err := m.deps.Store.Probe(ctx)
		if err != nil {
			m.resolveRequest(c, events.RequestFailed, reasonFor(err))
			return false, err
		}
		if env.Interference {
			m.resolveRequest(c, events.RequestFailed, ReasonInterference)
			return false, &raid.InterferenceError{}
		}
		if env.Battle == raid.BattleInProgress {
			return true, nil
		}
		if err := sleepCtx(ctx, m.cfg.BattlePoll); err != nil {
			return false, err
		}
	}

	if *m.cfg.SoloStart {
		// Nobody came: start the raid alone.
		m.log.Info("rotation: lobby timeout, starting solo", "slot", c.slot)
		if err := m.deps.Navigator.PressButton(ctx, sbb.ButtonA, 80*time.Millisecond); err != nil {
			m.resolveRequest(c, events.RequestFailed, reasonFor(err))
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// resolveBattle polls for a terminal battle signal, stopping at the first
// one or at the hard timeout, whichever comes first.
func (m *Machine) resolveBattle(ctx context.Context, c *cycle) error {
	m.setState(ctx, StateResolving)
	deadline := time.Now().Add(m.cfg.BattleTimeout)

	for time.Now().Before(deadline) {
		env, err := m.deps.Store.Probe(ctx)
		if err != nil {
			m.resolveRequest(c, events.RequestFailed, reasonFor(err))
			return err
		}
		if env.Interference {
			m.resolveRequest(c, events.RequestFailed, ReasonInterference)
			return &raid.InterferenceError{}
		}
		if env.Battle.Terminal() {
			outcome := events.OutcomeWon
			switch env.Battle {
			case raid.BattleLost:
				outcome = events.OutcomeLost
			case raid.BattleDisconnected:
				outcome = events.OutcomeDisconnected
			}
			m.finishCycle(ctx, c, outcome, "")
			m.cycles.Add(1)
			m.log.Info("rotation: cycle complete", "slot", c.slot, "outcome", outcome)
			return nil
		}
		if err := sleepCtx(ctx, m.cfg.BattlePoll); err != nil {
			return err
		}
	}

	m.resolveRequest(c, events.RequestFailed, ReasonBattleTimeout)
	return fmt.Errorf("rotation: battle on slot %d did not resolve within %s", c.slot, m.cfg.BattleTimeout)
}

// finishCycle records the cycle outcome and resolves its request.
func (m *Machine) finishCycle(ctx context.Context, c *cycle, outcome, reason string) {
	if c.eventID != "" {
		if err := m.deps.Recorder.CycleFinished(ctx, c.eventID, outcome, reason); err != nil {
			m.log.Warn("rotation: cycle record failed", "error", err)
		}
	}
	status := events.RequestFulfilled
	if outcome == events.OutcomeFailed {
		status = events.RequestFailed
	}
	m.resolveRequest(c, status, reason)
	m.setCurrent(nil)
}

// resolveRequest reports a request's terminal status exactly once.
func (m *Machine) resolveRequest(c *cycle, status, reason string) {
	if c.req == nil {
		return
	}
	r := c.req
	c.req = nil
	// Detached context: the resolution must be reported even when the
	// session is being cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Recorder.RequestResolved(ctx, r.ID, status, reason); err != nil {
		m.log.Warn("rotation: request resolution record failed", "request", r.ID, "error", err)
	}
	m.log.Info("rotation: request resolved", "request", r.ID, "status", status, "reason", reason)
}

// recover classifies the error that broke the cycle. Transient classes back
// off and return to the loop; persistent classes reboot the transport.
// Config errors and exhausted recovery budgets halt the session.
func (m *Machine) recover(ctx context.Context, cause error) error {
	m.setState(ctx, StateRecovery)
	m.setLastErr(cause)
	m.setCurrent(nil)

	var inv *den.InvalidSlotIndexError
	if errors.As(cause, &inv) {
		// Config/programmer error: halting beats hammering a bad table.
		m.log.Error("rotation: invalid slot index, halting", "error", cause)
		return cause
	}

	m.mu.Lock()
	m.recoveries++
	n := m.recoveries
	m.mu.Unlock()
	if n > m.cfg.MaxRecoveries {
		m.log.Error("rotation: recovery budget exhausted, halting", "recoveries", n)
		return fmt.Errorf("rotation: %d consecutive recoveries: %w", n, cause)
	}

	var (
		interference *raid.InterferenceError
		resolution   *pointer.ResolutionError
		mismatch     *raid.SeedMismatchError
	)
	reboot := errors.As(cause, &interference) ||
		errors.As(cause, &resolution) ||
		errors.As(cause, &mismatch)

	backoff := m.cfg.RecoveryBackoff << uint(n-1)
	m.log.Warn("rotation: recovering", "error", cause, "reboot", reboot, "backoff", backoff, "attempt", n)
	if err := sleepCtx(ctx, backoff); err != nil {
		return nil // cancelled; Run's loop turns this into a stop
	}

	if reboot {
		m.deps.Conn.Close()
		if err := m.deps.Conn.Connect(ctx); err != nil {
			return nil // retried on the next loop iteration via recover
		}
		if err := m.deps.Store.RefreshBases(ctx); err != nil {
			return nil
		}
		m.log.Info("rotation: transport rebooted")
	}

	m.mu.Lock()
	m.mismatches = 0
	m.navFails = 0
	m.mu.Unlock()
	return nil
}

// reasonFor maps an error to a request failure reason code.
func reasonFor(err error) string {
	var (
		te  *sbb.TransportError
		re  *pointer.ResolutionError
		ie  *raid.InterferenceError
		mm  *raid.SeedMismatchError
		inv *den.InvalidSlotIndexError
	)
	switch {
	case errors.As(err, &mm):
		return ReasonSeedMismatch
	case errors.As(err, &ie):
		return ReasonInterference
	case errors.As(err, &te):
		return ReasonTransport
	case errors.As(err, &re), errors.As(err, &inv):
		return ReasonConfig
	default:
		return ReasonTransport
	}
}

func requestID(c *cycle) string {
	if c.req == nil {
		return ""
	}
	return c.req.ID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
