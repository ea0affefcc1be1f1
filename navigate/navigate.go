// Package navigate drives the player toward a den with analog stick bursts,
// checking progress against position read-back between bursts. Success is a
// distance-to-target check below a configured threshold, never an assumption
// that an input sequence "must have" worked.
package navigate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veldt/denbot/coords"
	"github.com/veldt/denbot/sbb"
)

// Console is the input surface of a console connection. *sbb.Client
// satisfies it.
type Console interface {
	SetStick(ctx context.Context, s sbb.Stick, x, y int16) error
	CenterStick(ctx context.Context, s sbb.Stick) error
	Click(ctx context.Context, b sbb.Button) error
	Press(ctx context.Context, b sbb.Button, hold time.Duration) error
}

// PositionReader reports the player's current world position.
// *raid.Store satisfies it.
type PositionReader interface {
	PlayerPosition(ctx context.Context) (coords.Point, error)
}

// Failure reports that movement finished without the player reaching the
// target. The caller decides whether to retry or refresh coordinates.
type Failure struct {
	Target coords.Point
	Final  coords.Point
	Dist   float64
}

func (e *Failure) Error() string {
	return fmt.Sprintf("navigate: stopped %.1f units from target (threshold not met)", e.Dist)
}

// Options configures a Driver.
type Options struct {
	// Threshold is the distance below which the target counts as reached.
	// Default: 3.0 units.
	Threshold float64
	// Burst is how long the stick is held per movement burst. Default: 400ms.
	Burst time.Duration
	// Settle is the pause after each burst before the position read, letting
	// the player model come to rest. Default: 250ms.
	Settle time.Duration
	// MaxBursts bounds a single MoveTo. Default: 24.
	MaxBursts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Threshold <= 0 {
		o.Threshold = 3.0
	}
	if o.Burst <= 0 {
		o.Burst = 400 * time.Millisecond
	}
	if o.Settle <= 0 {
		o.Settle = 250 * time.Millisecond
	}
	if o.MaxBursts <= 0 {
		o.MaxBursts = 24
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Driver moves the player around the overworld.
type Driver struct {
	con  Console
	pos  PositionReader
	opts Options
}

// New creates a Driver.
func New(con Console, pos PositionReader, opts Options) *Driver {
	opts.defaults()
	return &Driver{con: con, pos: pos, opts: opts}
}

// MoveTo walks the player toward target until the distance threshold is met,
// the burst budget runs out, or timeout expires. It always returns the final
// observed position, also on failure, so callers can log drift.
func (d *Driver) MoveTo(ctx context.Context, target coords.Point, timeout time.Duration) (coords.Point, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pos, err := d.pos.PlayerPosition(ctx)
	if err != nil {
		return coords.Point{}, err
	}

	for burst := 0; burst < d.opts.MaxBursts; burst++ {
		dist := pos.Dist(target)
		if dist <= d.opts.Threshold {
			d.opts.Logger.Debug("navigate: target reached", "dist", dist, "bursts", burst)
			return pos, nil
		}
		if err := ctx.Err(); err != nil {
			return pos, &Failure{Target: target, Final: pos, Dist: dist}
		}

		x, y := stickVector(pos, target)
		if err := d.con.SetStick(ctx, sbb.StickLeft, x, y); err != nil {
			return pos, err
		}
		burstErr := sleepCtx(ctx, d.opts.Burst)
		// Always recenter, even when the burst was cut short, so the
		// player is not left running.
		if err := d.con.CenterStick(contextOrBackground(ctx), sbb.StickLeft); err != nil {
			return pos, err
		}
		if burstErr != nil {
			return pos, &Failure{Target: target, Final: pos, Dist: dist}
		}
		if err := sleepCtx(ctx, d.opts.Settle); err != nil {
			return pos, &Failure{Target: target, Final: pos, Dist: dist}
		}

		pos, err = d.pos.PlayerPosition(ctx)
		if err != nil {
			return coords.Point{}, err
		}
	}

	dist := pos.Dist(target)
	if dist <= d.opts.Threshold {
		return pos, nil
	}
	return pos, &Failure{Target: target, Final: pos, Dist: dist}
}

// PressButton forwards a timed button press to the console.
func (d *Driver) PressButton(ctx context.Context, b sbb.Button, hold time.Duration) error {
	return d.con.Press(ctx, b, hold)
}

// stickVector maps the direction from pos to target onto a full-deflection
// stick input in the X/Z plane. Y is height and not steerable.
func stickVector(pos, target coords.Point) (int16, int16) {
	dx := target.X - pos.X
	dz := target.Z - pos.Z
	dist := coords.Point{X: dx, Z: dz}.Dist(coords.Point{})
	if dist == 0 {
		return 0, 0
	}
	const full = 32767
	return int16(dx / dist * full), int16(dz / dist * full)
}

// contextOrBackground returns ctx unless it is already done; recentering the
// stick must go out even during cancellation.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
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
