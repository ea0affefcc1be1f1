package sbb

import "fmt"

// TransportError is returned for any connection, timeout, or protocol-level
// failure. The client never retries internally; retry policy belongs to the
// caller.
type TransportError struct {
	Op    string // command that failed, e.g. "peek", "poke", "connect"
	Addr  string // console address
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sbb: %s failed (console %s): %v", e.Op, e.Addr, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ErrMalformedAck is returned when the console answers a command with
// something other than the expected acknowledgement line.
type ErrMalformedAck struct {
	Op   string
	Line string
}

func (e *ErrMalformedAck) Error() string {
	return fmt.Sprintf("sbb: malformed ack for %s: %q", e.Op, e.Line)
}

// ErrNotConnected is returned when a command is issued before Connect or
// after Close.
type ErrNotConnected struct {
	Addr string
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("sbb: not connected to console %s", e.Addr)
}

// ErrBreakerOpen is returned by Connect when the reconnect breaker is open,
// rejecting the dial without touching the network.
type ErrBreakerOpen struct {
	Addr string
}

func (e *ErrBreakerOpen) Error() string {
	return fmt.Sprintf("sbb: reconnect breaker open for console %s", e.Addr)
}
