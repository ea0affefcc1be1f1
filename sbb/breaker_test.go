package sbb_test

import (
	"testing"
	"time"

	"github.com/veldt/denbot/sbb"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := sbb.NewBreaker(sbb.WithBreakerThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("breaker should still be closed after 2 failures")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker should be open after 3 failures")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := sbb.NewBreaker(
		sbb.WithBreakerThreshold(1),
		sbb.WithBreakerResetTimeout(10*time.Second),
		sbb.WithBreakerClock(clock),
	)

	b.RecordFailure()
	if b.State() != sbb.BreakerOpen {
		t.Fatal("want open")
	}

	// Before the reset timeout: still open.
	now = now.Add(5 * time.Second)
	if b.Allow() {
		t.Fatal("probe allowed too early")
	}

	// After the reset timeout: half-open, probe allowed.
	now = now.Add(6 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be allowed after reset timeout")
	}
	if b.State() != sbb.BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}

	b.RecordSuccess()
	if b.State() != sbb.BreakerClosed {
		t.Fatal("success in half-open should close the breaker")
	}
}

func TestBreakerFailureInHalfOpenReopens(t *testing.T) {
	now := time.Now()
	b := sbb.NewBreaker(
		sbb.WithBreakerThreshold(1),
		sbb.WithBreakerResetTimeout(time.Second),
		sbb.WithBreakerClock(func() time.Time { return now }),
	)

	b.RecordFailure()
	now = now.Add(2 * time.Second)
	if b.State() != sbb.BreakerHalfOpen {
		t.Fatal("want half-open")
	}
	b.RecordFailure()
	if b.State() != sbb.BreakerOpen {
		t.Fatal("failure in half-open should reopen")
	}
}

func TestBreakerReset(t *testing.T) {
	b := sbb.NewBreaker(sbb.WithBreakerThreshold(1))
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("want open")
	}
	b.Reset()
	if !b.Allow() {
		t.Fatal("reset should close the breaker")
	}
}
