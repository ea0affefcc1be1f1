package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veldt/denbot/pool"
	"github.com/veldt/denbot/rotation"
)

// fakeSession blocks until its context ends. A non-nil crash error is
// returned from the first incarnation's Run.
type fakeSession struct {
	id    string
	crash error

	mu     sync.Mutex
	paused bool
}

func (s *fakeSession) Run(ctx context.Context) error {
	if s.crash != nil {
		err := s.crash
		s.crash = nil
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *fakeSession) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *fakeSession) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *fakeSession) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *fakeSession) Snapshot() rotation.Snapshot {
	return rotation.Snapshot{SessionID: s.id, State: rotation.StateIdle, Paused: s.isPaused()}
}

type testFactory struct {
	mu       sync.Mutex
	builds   map[string]int
	sessions map[string]*fakeSession // latest incarnation per id
	crash    map[string]error        // applied to the first incarnation
}

func newTestFactory() *testFactory {
	return &testFactory{
		builds:   make(map[string]int),
		sessions: make(map[string]*fakeSession),
		crash:    make(map[string]error),
	}
}

func (f *testFactory) build(ctx context.Context, cfg pool.SessionConfig) (pool.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[cfg.ID]++
	s := &fakeSession{id: cfg.ID}
	if f.builds[cfg.ID] == 1 {
		s.crash = f.crash[cfg.ID]
	}
	f.sessions[cfg.ID] = s
	return s, nil
}

func (f *testFactory) buildCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds[id]
}

func (f *testFactory) session(id string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

func twoSessionConfig() pool.Config {
	return pool.Config{
		RestartDelay: time.Millisecond,
		Sessions: []pool.SessionConfig{
			{ID: "bot-1", Addr: "10.0.0.1:6000"},
			{ID: "bot-2", Addr: "10.0.0.2:6000"},
		},
	}
}

func startSupervisor(t *testing.T, cfg pool.Config, f *testFactory) (*pool.Supervisor, context.CancelFunc, chan error) {
	t.Helper()
	sup, err := pool.New(cfg, pool.Deps{Factory: f.build})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	return sup, cancel, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunLaunchesAllSessions(t *testing.T) {
	f := newTestFactory()
	sup, cancel, done := startSupervisor(t, twoSessionConfig(), f)

	waitFor(t, "both sessions", func() bool {
		return f.buildCount("bot-1") == 1 && f.buildCount("bot-2") == 1
	})
	snaps := sup.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots", len(snaps))
	}
	if snaps[0].SessionID != "bot-1" || snaps[1].SessionID != "bot-2" {
		t.Fatalf("snapshot order %s, %s", snaps[0].SessionID, snaps[1].SessionID)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestCrashedSessionRestarts(t *testing.T) {
	f := newTestFactory()
	f.crash["bot-1"] = errors.New("console went away")
	_, cancel, done := startSupervisor(t, twoSessionConfig(), f)
	defer func() { cancel(); <-done }()

	waitFor(t, "restart after crash", func() bool { return f.buildCount("bot-1") == 2 })
	if n := f.buildCount("bot-2"); n != 1 {
		t.Fatalf("healthy session rebuilt %d times", n)
	}
}

func TestForceResetRebuilds(t *testing.T) {
	f := newTestFactory()
	sup, cancel, done := startSupervisor(t, twoSessionConfig(), f)
	defer func() { cancel(); <-done }()

	waitFor(t, "session up", func() bool { return f.buildCount("bot-1") == 1 })
	if err := sup.ForceReset("bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "rebuild after reset", func() bool { return f.buildCount("bot-1") == 2 })
}

func TestStopIsPermanent(t *testing.T) {
	f := newTestFactory()
	sup, cancel, done := startSupervisor(t, twoSessionConfig(), f)
	defer func() { cancel(); <-done }()

	waitFor(t, "session up", func() bool { return f.buildCount("bot-1") == 1 })
	if err := sup.Stop("bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "stopped snapshot", func() bool {
		snap, err := sup.Snapshot("bot-1")
		return err == nil && snap.State == rotation.StateStopped
	})
	time.Sleep(20 * time.Millisecond)
	if n := f.buildCount("bot-1"); n != 1 {
		t.Fatalf("stopped session rebuilt %d times", n)
	}
}

func TestPauseResume(t *testing.T) {
	f := newTestFactory()
	sup, cancel, done := startSupervisor(t, twoSessionConfig(), f)
	defer func() { cancel(); <-done }()

	waitFor(t, "session up", func() bool { return f.session("bot-1") != nil })
	if err := sup.Pause("bot-1"); err != nil {
		t.Fatal(err)
	}
	if !f.session("bot-1").isPaused() {
		t.Fatal("session not paused")
	}
	if err := sup.Resume("bot-1"); err != nil {
		t.Fatal(err)
	}
	if f.session("bot-1").isPaused() {
		t.Fatal("session still paused")
	}
}

func TestUnknownSession(t *testing.T) {
	f := newTestFactory()
	sup, cancel, done := startSupervisor(t, twoSessionConfig(), f)
	defer func() { cancel(); <-done }()

	var unknown *pool.UnknownSessionError
	if err := sup.Pause("bot-9"); !errors.As(err, &unknown) {
		t.Fatalf("want UnknownSessionError, got %v", err)
	}
	if unknown.ID != "bot-9" {
		t.Fatalf("error names %q", unknown.ID)
	}
}
