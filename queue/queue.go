// Package queue holds pending raid requests in priority order. Three
// classes exist — user requests beat scheduled rotation entries, which beat
// background filler — and insertion order is preserved within a class.
//
// The queue is the only mutable state shared across bot sessions: many
// producers (chat bridges, HTTP API) enqueue concurrently and every session
// dequeues between cycles. A request is delivered to exactly one caller.
package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veldt/denbot/idgen"
)

// Priority classes, highest first.
type Priority int

const (
	PriorityUser     Priority = iota // explicit user submissions
	PriorityRotation                 // scheduled rotation entries
	PriorityFiller                   // background filler
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityUser:
		return "user"
	case PriorityRotation:
		return "rotation"
	case PriorityFiller:
		return "filler"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a class name to its Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "user":
		return PriorityUser, nil
	case "rotation":
		return PriorityRotation, nil
	case "filler":
		return PriorityFiller, nil
	default:
		return 0, fmt.Errorf("queue: unknown priority class %q", s)
	}
}

// Request is one pending raid request.
type Request struct {
	ID          string    `json:"id"`
	Requester   string    `json:"requester"`
	Origin      string    `json:"origin"` // originating channel for result reporting
	Seed        uint64    `json:"seed"`
	Species     string    `json:"species"`
	Stars       int       `json:"stars"`
	Progress    int       `json:"progress"`
	Priority    Priority  `json:"priority"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// QueueFullError is returned synchronously to the producer when a cap is
// exceeded. Never silently dropped.
type QueueFullError struct {
	Requester string
	Limit     int
	PerUser   bool
}

func (e *QueueFullError) Error() string {
	if e.PerUser {
		return fmt.Sprintf("queue: requester %s already has %d pending requests", e.Requester, e.Limit)
	}
	return fmt.Sprintf("queue: global cap of %d pending requests reached", e.Limit)
}

// Options configures a Q.
type Options struct {
	// GlobalCap bounds total pending requests. Default: 256.
	GlobalCap int
	// PerUserCap bounds pending requests per requester. Applies to the
	// user class only. Default: 3.
	PerUserCap int
	// NewID generates request IDs for requests enqueued without one.
	// Default: "req_"-prefixed UUIDv7.
	NewID idgen.Generator
	// Now is the clock (injectable for tests). Default: time.Now.
	Now func() time.Time
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.GlobalCap <= 0 {
		o.GlobalCap = 256
	}
	if o.PerUserCap <= 0 {
		o.PerUserCap = 3
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("req_", idgen.Default)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time queue counters.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	Rejected int64 `json:"rejected"`
	Pending  int   `json:"pending"`
}

// Q is the priority request queue.
type Q struct {
	opts Options

	mu      sync.Mutex
	classes [numPriorities][]*Request
	pending int
	byUser  map[string]int // pending user-class requests per requester

	enqueued atomic.Int64
	dequeued atomic.Int64
	rejected atomic.Int64
}

// New creates an empty queue.
func New(opts Options) *Q {
	opts.defaults()
	return &Q{opts: opts, byUser: make(map[string]int)}
}

// Stats returns the current counters.
func (q *Q) Stats() Stats {
	q.mu.Lock()
	pending := q.pending
	q.mu.Unlock()
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Rejected: q.rejected.Load(),
		Pending:  pending,
	}
}

// Enqueue appends a request to its priority class. An empty ID is filled in
// and a zero SubmittedAt is stamped. The passed request is retained; callers
// must not mutate it afterwards.
func (q *Q) Enqueue(r *Request) error {
	if r.Priority < 0 || r.Priority >= numPriorities {
		return fmt.Errorf("queue: invalid priority %d", r.Priority)
	}
	if r.ID == "" {
		r.ID = q.opts.NewID()
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = q.opts.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending >= q.opts.GlobalCap {
		q.rejected.Add(1)
		return &QueueFullError{Requester: r.Requester, Limit: q.opts.GlobalCap}
	}
	if r.Priority == PriorityUser && q.byUser[r.Requester] >= q.opts.PerUserCap {
		q.rejected.Add(1)
		return &QueueFullError{Requester: r.Requester, Limit: q.opts.PerUserCap, PerUser: true}
	}

	q.classes[r.Priority] = append(q.classes[r.Priority], r)
	q.pending++
	if r.Priority == PriorityUser {
		q.byUser[r.Requester]++
	}
	q.enqueued.Add(1)
	q.opts.Logger.Debug("queue: enqueued", "id", r.ID, "priority", r.Priority.String(), "requester", r.Requester)
	return nil
}

// DequeueNext removes and returns the oldest request of the highest
// non-empty priority class, or nil when the queue is empty. Each request is
// delivered to exactly one caller.
func (q *Q) DequeueNext() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := PriorityUser; p < numPriorities; p++ {
		if len(q.classes[p]) == 0 {
			continue
		}
		r := q.classes[p][0]
		q.classes[p] = q.classes[p][1:]
		q.pending--
		if p == PriorityUser {
			if q.byUser[r.Requester] <= 1 {
				delete(q.byUser, r.Requester)
			} else {
				q.byUser[r.Requester]--
			}
		}
		q.dequeued.Add(1)
		return r
	}
	return nil
}

// Len returns the number of pending requests across all classes.
func (q *Q) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Snapshot returns a copy of all pending requests in dequeue order, for
// status reporting.
func (q *Q) Snapshot() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, 0, q.pending)
	for p := PriorityUser; p < numPriorities; p++ {
		for _, r := range q.classes[p] {
			out = append(out, *r)
		}
	}
	return out
}
