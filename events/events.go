// Package events records what the bots did: raid cycle outcomes, the request
// audit trail, and session heartbeats, all in one SQLite database. Recording
// is best-effort where noted — a failing event store never blocks a bot.
//
// The cycle table doubles as crash-recovery state: a cycle row that still
// says "injected" after a restart means a seed was written to the console
// but the session died before the raid resolved. SweepOrphans finds and
// marks those rows.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/veldt/denbot/idgen"
)

// Cycle outcomes.
const (
	OutcomeInjected     = "injected" // non-terminal: seed written, raid not yet resolved
	OutcomeWon          = "won"
	OutcomeLost         = "lost"
	OutcomeDisconnected = "disconnected"
	OutcomeFailed       = "failed"
	OutcomeOrphaned     = "orphaned" // injected, then the session died
)

// Request audit statuses.
const (
	RequestPending   = "pending"
	RequestFulfilled = "fulfilled"
	RequestFailed    = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS raid_cycles (
	cycle_id    TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	slot        INTEGER NOT NULL,
	seed        TEXT NOT NULL,
	species     TEXT NOT NULL DEFAULT '',
	request_id  TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cycles_session ON raid_cycles (session_id, started_at);
CREATE INDEX IF NOT EXISTS idx_cycles_outcome ON raid_cycles (outcome);

CREATE TABLE IF NOT EXISTS request_audit (
	request_id TEXT PRIMARY KEY,
	requester  TEXT NOT NULL,
	origin     TEXT NOT NULL DEFAULT '',
	priority   TEXT NOT NULL,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_heartbeats (
	heartbeat_id TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	state        TEXT NOT NULL,
	timestamp    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_session ON session_heartbeats (session_id, timestamp);
`

// Cycle is one recorded raid cycle.
type Cycle struct {
	CycleID    string    `json:"cycle_id"`
	SessionID  string    `json:"session_id"`
	Slot       int       `json:"slot"`
	Seed       uint64    `json:"seed"`
	Species    string    `json:"species"`
	RequestID  string    `json:"request_id"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator sets a custom ID generator.
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// WithClock sets a custom clock function (for testing).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store writes and queries the events database.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// NewStore creates a Store. Call EnsureSchema once at startup.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:    db,
		newID: idgen.Prefixed("cyc_", idgen.Default),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnsureSchema creates the tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CycleStarted records a fresh injection and returns the cycle id. The row
// stays in the non-terminal "injected" outcome until CycleFinished.
func (s *Store) CycleStarted(ctx context.Context, sessionID string, slot int, seed uint64, species, requestID string) (string, error) {
	id := s.newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raid_cycles (cycle_id, session_id, slot, seed, species, request_id, outcome, started_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		id, sessionID, slot, fmt.Sprintf("%016X", seed), species, requestID, OutcomeInjected, s.now().Unix())
	if err != nil {
		return "", fmt.Errorf("events: cycle started: %w", err)
	}
	return id, nil
}

// CycleFinished stamps a cycle with its terminal outcome.
func (s *Store) CycleFinished(ctx context.Context, cycleID, outcome, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raid_cycles SET outcome = ?, reason = ?, finished_at = ? WHERE cycle_id = ?`,
		outcome, reason, s.now().Unix(), cycleID)
	if err != nil {
		return fmt.Errorf("events: cycle finished: %w", err)
	}
	return nil
}

// RequestQueued records a fresh request in the audit trail.
func (s *Store) RequestQueued(ctx context.Context, requestID, requester, origin, priority string) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_audit (request_id, requester, origin, priority, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(request_id) DO NOTHING`,
		requestID, requester, origin, priority, RequestPending, now, now)
	if err != nil {
		return fmt.Errorf("events: request queued: %w", err)
	}
	return nil
}

// RequestResolved marks a request fulfilled or failed with a reason code.
// Every terminal failure is reported here so the originating channel can
// relay it; nothing is silently dropped.
func (s *Store) RequestResolved(ctx context.Context, requestID, status, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE request_audit SET status = ?, reason = ?, updated_at = ? WHERE request_id = ?`,
		status, reason, s.now().Unix(), requestID)
	if err != nil {
		return fmt.Errorf("events: request resolved: %w", err)
	}
	return nil
}

// Heartbeat records a session liveness row. Best-effort: errors are logged
// via slog but do not propagate.
func (s *Store) Heartbeat(ctx context.Context, sessionID, state string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_heartbeats (heartbeat_id, session_id, state, timestamp)
		VALUES (?,?,?,?)`,
		s.newID(), sessionID, state, s.now().Unix())
	if err != nil {
		slog.Warn("events: heartbeat failed", "error", err, "session", sessionID)
	}
}

// SweepOrphans marks every still-"injected" cycle as orphaned and returns
// how many were found. Run at supervisor startup: each hit is a seed that
// reached the console but whose session died before the raid resolved.
func (s *Store) SweepOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE raid_cycles SET outcome = ?, reason = 'session stopped mid-cycle', finished_at = ?
		WHERE outcome = ?`,
		OutcomeOrphaned, s.now().Unix(), OutcomeInjected)
	if err != nil {
		return 0, fmt.Errorf("events: sweep orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// RecentCycles returns the newest cycles, most recent first.
func (s *Store) RecentCycles(ctx context.Context, limit int) ([]Cycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, session_id, slot, seed, species, request_id, outcome, reason, started_at, finished_at
		FROM raid_cycles ORDER BY started_at DESC, cycle_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("events: recent cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var c Cycle
		var seed string
		var started, finished int64
		if err := rows.Scan(&c.CycleID, &c.SessionID, &c.Slot, &seed, &c.Species, &c.RequestID,
			&c.Outcome, &c.Reason, &started, &finished); err != nil {
			return nil, err
		}
		fmt.Sscanf(seed, "%X", &c.Seed)
		c.StartedAt = time.Unix(started, 0)
		if finished > 0 {
			c.FinishedAt = time.Unix(finished, 0)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero disables
// cleanup for that table.
type RetentionConfig struct {
	CyclesDays     int
	AuditDays      int
	HeartbeatsDays int
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	targets := []struct {
		table  string
		column string
		days   int
	}{
		{"raid_cycles", "started_at", cfg.CyclesDays},
		{"request_audit", "created_at", cfg.AuditDays},
		{"session_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("events: cleanup %s: %w", t.table, err)
		}
	}
	return nil
}
