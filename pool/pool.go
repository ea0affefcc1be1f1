// Package pool supervises the bot sessions: it launches one rotation machine
// per configured console, restarts crashed sessions after a delay, and
// exposes pause/resume/reset controls plus state snapshots to the HTTP
// surface.
//
// The supervisor owns session lifecycle only. All raid behavior lives in the
// rotation machine; all shared state the sessions touch is the request queue
// and the events store, both safe for concurrent use.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veldt/denbot/den"
	"github.com/veldt/denbot/events"
	"github.com/veldt/denbot/navigate"
	"github.com/veldt/denbot/queue"
	"github.com/veldt/denbot/raid"
	"github.com/veldt/denbot/rotation"
	"github.com/veldt/denbot/sbb"
)

// Session is one supervised bot session. *rotation.Machine (wrapped with its
// connection) satisfies it.
type Session interface {
	Run(ctx context.Context) error
	Pause()
	Resume()
	Snapshot() rotation.Snapshot
}

// Factory builds a fresh session incarnation. Called at launch, after a
// crash, and on ForceReset; each call must produce a fully reconnected
// session.
type Factory func(ctx context.Context, cfg SessionConfig) (Session, error)

// UnknownSessionError reports a control call against a session id that is
// not configured.
type UnknownSessionError struct {
	ID string
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("pool: unknown session %q", e.ID)
}

// Deps are the supervisor's shared collaborators.
type Deps struct {
	Queue  *queue.Q
	Coords rotation.CoordSource
	Dens   *den.Map
	// Events is optional; when set it records cycles and sweeps orphans at
	// startup.
	Events *events.Store
	// Factory overrides session construction (for testing). Default: the
	// real console stack.
	Factory Factory
	Logger  *slog.Logger
}

// slot tracks one session across its incarnations.
type slot struct {
	cfg SessionConfig

	mu       sync.Mutex
	sess     Session            // nil between incarnations
	cancel   context.CancelFunc // cancels the current incarnation
	stopped  bool               // permanent stop requested
	restarts int
}

func (s *slot) set(sess Session, cancel context.CancelFunc) {
	s.mu.Lock()
	s.sess = sess
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *slot) clear() {
	s.mu.Lock()
	s.sess = nil
	s.cancel = nil
	s.mu.Unlock()
}

func (s *slot) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Supervisor runs the configured sessions.
type Supervisor struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates a Supervisor.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Supervisor{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger,
		slots: make(map[string]*slot, len(cfg.Sessions)),
	}
	if deps.Factory == nil {
		if deps.Queue == nil || deps.Coords == nil || deps.Dens == nil {
			return nil, fmt.Errorf("pool: queue, coords, and dens are required without a custom factory")
		}
		s.deps.Factory = s.buildSession
	}
	for _, sc := range cfg.Sessions {
		s.slots[sc.ID] = &slot{cfg: sc}
	}
	return s, nil
}

// Run launches every configured session and blocks until ctx is cancelled
// and all sessions have wound down. Orphaned cycles from a previous run are
// swept before any session injects a seed.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.deps.Events != nil {
		n, err := s.deps.Events.SweepOrphans(ctx)
		switch {
		case err != nil:
			s.log.Warn("pool: orphan sweep failed", "error", err)
		case n > 0:
			s.log.Warn("pool: found orphaned cycles from previous run", "count", n)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range s.cfg.Sessions {
		sl := s.slots[sc.ID]
		g.Go(func() error { return s.supervise(gctx, sl) })
	}
	s.log.Info("pool: supervisor started", "sessions", len(s.cfg.Sessions))
	return g.Wait()
}

// supervise runs one session's incarnation loop: build, run, and on crash or
// reset, rebuild. It exits when the supervisor context is cancelled or the
// session is permanently stopped.
func (s *Supervisor) supervise(ctx context.Context, sl *slot) error {
	for {
		if ctx.Err() != nil || sl.isStopped() {
			return nil
		}

		sess, err := s.deps.Factory(ctx, sl.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("pool: session build failed", "session", sl.cfg.ID, "error", err)
			if err := sleepCtx(ctx, s.cfg.RestartDelay); err != nil {
				return nil
			}
			continue
		}

		sctx, cancel := context.WithCancel(ctx)
		sl.set(sess, cancel)
		s.log.Info("pool: session started", "session", sl.cfg.ID)
		err = sess.Run(sctx)
		cancel()
		sl.clear()

		if ctx.Err() != nil || sl.isStopped() {
			return nil
		}
		if err != nil {
			sl.mu.Lock()
			sl.restarts++
			n := sl.restarts
			sl.mu.Unlock()
			s.log.Error("pool: session crashed, restarting", "session", sl.cfg.ID, "error", err, "restarts", n)
			if err := sleepCtx(ctx, s.cfg.RestartDelay); err != nil {
				return nil
			}
			continue
		}
		// Clean return with a live supervisor context means a reset was
		// requested: rebuild immediately.
		s.log.Info("pool: session reset, rebuilding", "session", sl.cfg.ID)
	}
}

// buildSession is the default factory: a connected console client with the
// full raid stack on top.
func (s *Supervisor) buildSession(ctx context.Context, sc SessionConfig) (Session, error) {
	raidOpts, err := s.cfg.Probe.raidOptions()
	if err != nil {
		return nil, err
	}

	client := sbb.New(sbb.Options{Addr: sc.Addr, Logger: s.log})
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	store := raid.New(client, s.deps.Dens, raidOpts)
	nav := navigate.New(client, store, s.cfg.Nav.options())

	var rec rotation.Recorder = rotation.NopRecorder{}
	if s.deps.Events != nil {
		rec = s.deps.Events
	}
	m, err := rotation.New(sc.rotationConfig(), rotation.Deps{
		Store:     store,
		Navigator: nav,
		Coords:    s.deps.Coords,
		Requests:  s.deps.Queue,
		Conn:      client,
		Recorder:  rec,
		Dens:      s.deps.Dens,
		Logger:    s.log,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return &consoleSession{Machine: m, client: client}, nil
}

// consoleSession ties a rotation machine to its console connection so the
// connection is released when the incarnation ends.
type consoleSession struct {
	*rotation.Machine
	client *sbb.Client
}

func (s *consoleSession) Run(ctx context.Context) error {
	defer s.client.Close()
	return s.Machine.Run(ctx)
}

func (s *Supervisor) slotFor(id string) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		return nil, &UnknownSessionError{ID: id}
	}
	return sl, nil
}

// Pause parks a session after its current state completes.
func (s *Supervisor) Pause(id string) error {
	sl, err := s.slotFor(id)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.sess == nil {
		return fmt.Errorf("pool: session %q is not running", id)
	}
	sl.sess.Pause()
	s.log.Info("pool: session paused", "session", id)
	return nil
}

// Resume lifts a session's pause.
func (s *Supervisor) Resume(id string) error {
	sl, err := s.slotFor(id)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.sess == nil {
		return fmt.Errorf("pool: session %q is not running", id)
	}
	sl.sess.Resume()
	s.log.Info("pool: session resumed", "session", id)
	return nil
}

// ForceReset tears a session down and rebuilds it from scratch: fresh
// connection, re-queried memory bases. The operator's big hammer for a
// console in a weird state.
func (s *Supervisor) ForceReset(id string) error {
	sl, err := s.slotFor(id)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cancel == nil {
		return fmt.Errorf("pool: session %q is not running", id)
	}
	sl.cancel()
	s.log.Info("pool: session reset requested", "session", id)
	return nil
}

// Stop permanently stops a session; only a supervisor restart brings it
// back.
func (s *Supervisor) Stop(id string) error {
	sl, err := s.slotFor(id)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.stopped = true
	if sl.cancel != nil {
		sl.cancel()
	}
	s.log.Info("pool: session stopped", "session", id)
	return nil
}

// Snapshot returns the state of one session.
func (s *Supervisor) Snapshot(id string) (rotation.Snapshot, error) {
	sl, err := s.slotFor(id)
	if err != nil {
		return rotation.Snapshot{}, err
	}
	return sl.snapshot(), nil
}

// Snapshots returns the state of every session, in configuration order.
func (s *Supervisor) Snapshots() []rotation.Snapshot {
	out := make([]rotation.Snapshot, 0, len(s.cfg.Sessions))
	for _, sc := range s.cfg.Sessions {
		s.mu.Lock()
		sl := s.slots[sc.ID]
		s.mu.Unlock()
		out = append(out, sl.snapshot())
	}
	return out
}

func (s *slot) snapshot() rotation.Snapshot {
	s.mu.Lock()
	sess := s.sess
	stopped := s.stopped
	restarts := s.restarts
	s.mu.Unlock()
	if sess == nil {
		state := rotation.StateRecovery
		if stopped {
			state = rotation.StateStopped
		}
		return rotation.Snapshot{SessionID: s.cfg.ID, State: state, Recoveries: restarts}
	}
	snap := sess.Snapshot()
	return snap
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
