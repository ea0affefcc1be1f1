// Package sbb implements the client side of the console bridge protocol: a
// line-oriented command protocol spoken by the sys module running on the
// console. It exposes raw memory access (peek/poke), controller input
// primitives (click/press/stick), and base-address queries.
//
// The client is deliberately dumb: one TCP connection, one in-flight command
// at a time, no retries. Pointer-chain resolution is sequential by nature, so
// a connection must never be shared across bot sessions — each session owns
// its own Client.
//
// Wire format: commands are CRLF-terminated ASCII lines, responses are single
// LF-terminated lines. Reads answer with lowercase hex, writes and inputs
// answer with "ok".
package sbb

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Button is a controller button understood by the console bridge.
type Button string

// Controller buttons.
const (
	ButtonA      Button = "A"
	ButtonB      Button = "B"
	ButtonX      Button = "X"
	ButtonY      Button = "Y"
	ButtonL      Button = "L"
	ButtonR      Button = "R"
	ButtonZL     Button = "ZL"
	ButtonZR     Button = "ZR"
	ButtonPlus   Button = "PLUS"
	ButtonMinus  Button = "MINUS"
	ButtonHome   Button = "HOME"
	ButtonDUp    Button = "DUP"
	ButtonDDown  Button = "DDOWN"
	ButtonDLeft  Button = "DLEFT"
	ButtonDRight Button = "DRIGHT"
)

// Stick identifies an analog stick.
type Stick string

// Analog sticks.
const (
	StickLeft  Stick = "LEFT"
	StickRight Stick = "RIGHT"
)

// Options configures a Client.
type Options struct {
	// Addr is the console address, host:port.
	Addr string
	// DialTimeout bounds Connect. Default: 5s.
	DialTimeout time.Duration
	// CallTimeout bounds a single command round-trip when the caller's
	// context carries no deadline of its own. Default: 3s.
	CallTimeout time.Duration
	// Breaker gates reconnect attempts. Default: NewBreaker().
	Breaker *Breaker
	// Dial overrides the dialer (for testing).
	Dial func(ctx context.Context, addr string) (net.Conn, error)
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 3 * time.Second
	}
	if o.Breaker == nil {
		o.Breaker = NewBreaker()
	}
	if o.Dial == nil {
		o.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time protocol counters.
type Stats struct {
	Peeks      int64 `json:"peeks"`
	Pokes      int64 `json:"pokes"`
	Inputs     int64 `json:"inputs"`
	Errors     int64 `json:"errors"`
	Reconnects int64 `json:"reconnects"`
}

// Client talks to one console. All commands are serialized on the single
// underlying connection; concurrent calls queue on an internal mutex.
type Client struct {
	opts Options

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader

	peeks      atomic.Int64
	pokes      atomic.Int64
	inputs     atomic.Int64
	errs       atomic.Int64
	reconnects atomic.Int64
}

// New creates a Client. Call Connect before issuing commands.
func New(opts Options) *Client {
	opts.defaults()
	return &Client{opts: opts}
}

// Addr returns the configured console address.
func (c *Client) Addr() string { return c.opts.Addr }

// Stats returns the current counters.
func (c *Client) Stats() Stats {
	return Stats{
		Peeks:      c.peeks.Load(),
		Pokes:      c.pokes.Load(),
		Inputs:     c.inputs.Load(),
		Errors:     c.errs.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the console, replacing any previous connection. The reconnect
// breaker is consulted first; when open, Connect fails fast with
// ErrBreakerOpen and no dial is attempted.
func (c *Client) Connect(ctx context.Context) error {
	if !c.opts.Breaker.Allow() {
		c.errs.Add(1)
		return &ErrBreakerOpen{Addr: c.opts.Addr}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, err := c.opts.Dial(dialCtx, c.opts.Addr)
	if err != nil {
		c.opts.Breaker.RecordFailure()
		c.errs.Add(1)
		return &TransportError{Op: "connect", Addr: c.opts.Addr, Cause: err}
	}
	c.opts.Breaker.RecordSuccess()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.reconnects.Add(1)
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.mu.Unlock()

	c.opts.Logger.Info("sbb: connected", "console", c.opts.Addr)
	return nil
}

// Close tears down the connection. Safe to call when not connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.br = nil
	return err
}

// Peek reads n bytes of console memory at an absolute address.
func (c *Client) Peek(ctx context.Context, addr uint64, n int) ([]byte, error) {
	line, err := c.roundTrip(ctx, "peek", fmt.Sprintf("peek 0x%X 0x%X", addr, n))
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(line)
	if err != nil {
		c.errs.Add(1)
		return nil, &TransportError{Op: "peek", Addr: c.opts.Addr, Cause: &ErrMalformedAck{Op: "peek", Line: line}}
	}
	if len(data) != n {
		c.errs.Add(1)
		return nil, &TransportError{Op: "peek", Addr: c.opts.Addr,
			Cause: fmt.Errorf("short read: got %d bytes, want %d", len(data), n)}
	}
	c.peeks.Add(1)
	return data, nil
}

// PeekUint64 reads a little-endian machine word at an absolute address.
// Pointer dereferences go through here.
func (c *Client) PeekUint64(ctx context.Context, addr uint64) (uint64, error) {
	data, err := c.Peek(ctx, addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Poke writes data to console memory at an absolute address as a single
// command. Callers that need atomic-looking record updates must put the whole
// record in one Poke.
func (c *Client) Poke(ctx context.Context, addr uint64, data []byte) error {
	if err := c.ack(ctx, "poke", fmt.Sprintf("poke 0x%X 0x%s", addr, hex.EncodeToString(data))); err != nil {
		return err
	}
	c.pokes.Add(1)
	return nil
}

// HeapBase asks the console for the base address of the game's heap region.
func (c *Client) HeapBase(ctx context.Context) (uint64, error) {
	return c.baseQuery(ctx, "getHeapBase")
}

// MainBase asks the console for the base address of the game's main module.
// Pointer chains are anchored here.
func (c *Client) MainBase(ctx context.Context) (uint64, error) {
	return c.baseQuery(ctx, "getMainBase")
}

func (c *Client) baseQuery(ctx context.Context, cmd string) (uint64, error) {
	line, err := c.roundTrip(ctx, cmd, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(line, "0x"), 16, 64)
	if err != nil {
		c.errs.Add(1)
		return 0, &TransportError{Op: cmd, Addr: c.opts.Addr, Cause: &ErrMalformedAck{Op: cmd, Line: line}}
	}
	return v, nil
}

// Click taps a button once.
func (c *Client) Click(ctx context.Context, b Button) error {
	if err := c.ack(ctx, "click", fmt.Sprintf("click %s", b)); err != nil {
		return err
	}
	c.inputs.Add(1)
	return nil
}

// Press holds a button for the given duration, then releases it. The hold
// sleep respects context cancellation; on cancel the release is still sent
// on a best-effort basis so the console is not left with a stuck button.
func (c *Client) Press(ctx context.Context, b Button, hold time.Duration) error {
	if err := c.ack(ctx, "press", fmt.Sprintf("press %s", b)); err != nil {
		return err
	}
	sleepErr := sleepCtx(ctx, hold)
	relCtx := ctx
	if sleepErr != nil {
		var cancel context.CancelFunc
		relCtx, cancel = context.WithTimeout(context.Background(), c.opts.CallTimeout)
		defer cancel()
	}
	if err := c.ack(relCtx, "release", fmt.Sprintf("release %s", b)); err != nil {
		return err
	}
	c.inputs.Add(1)
	return sleepErr
}

// SetStick deflects an analog stick. Coordinates are signed 16-bit,
// (0, 0) is centered.
func (c *Client) SetStick(ctx context.Context, s Stick, x, y int16) error {
	if err := c.ack(ctx, "setStick", fmt.Sprintf("setStick %s %d %d", s, x, y)); err != nil {
		return err
	}
	c.inputs.Add(1)
	return nil
}

// CenterStick returns a stick to neutral.
func (c *Client) CenterStick(ctx context.Context, s Stick) error {
	return c.SetStick(ctx, s, 0, 0)
}

// ack issues a command that must be answered with "ok".
func (c *Client) ack(ctx context.Context, op, cmd string) error {
	line, err := c.roundTrip(ctx, op, cmd)
	if err != nil {
		return err
	}
	if line != "ok" {
		c.errs.Add(1)
		return &TransportError{Op: op, Addr: c.opts.Addr, Cause: &ErrMalformedAck{Op: op, Line: line}}
	}
	return nil
}

// roundTrip sends one command line and reads one response line, holding the
// connection mutex for the whole exchange. An I/O failure poisons the
// connection: it is closed and the caller must Connect again.
func (c *Client) roundTrip(ctx context.Context, op, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.errs.Add(1)
		return "", &TransportError{Op: op, Addr: c.opts.Addr, Cause: &ErrNotConnected{Addr: c.opts.Addr}}
	}

	conn := c.conn

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.CallTimeout)
	}
	conn.SetDeadline(deadline)

	// Cancellation mid-read: force the blocked read to fail immediately.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.dropConnLocked()
		c.errs.Add(1)
		return "", &TransportError{Op: op, Addr: c.opts.Addr, Cause: err}
	}

	line, err := c.br.ReadString('\n')
	if err != nil {
		c.dropConnLocked()
		c.errs.Add(1)
		return "", &TransportError{Op: op, Addr: c.opts.Addr, Cause: err}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// dropConnLocked closes and forgets the connection. Must be called with mu held.
func (c *Client) dropConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.br = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
