// Package drive implements the dead-reckoning drive primitives: straight moves
// and in-place turns measured by the wheel encoders, and time-bounded pulses.
//
// Every primitive blocks until its target is met and leaves both motors
// stopped on every exit path.
package drive

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/a3feh/coursebot/internal/config"
	"github.com/a3feh/coursebot/internal/debug"
	"github.com/a3feh/coursebot/internal/logic/geometry"
)

// ErrMotionTimeout is returned when an encoder target is not reached before
// the motion deadline.
var ErrMotionTimeout = errors.New("motion timeout")

// Motor is a wheel motor commanded at a signed power percentage.
type Motor interface {
	SetPower(percent int) error
	Stop() error
}

// Encoder counts wheel travel since its last reset.
type Encoder interface {
	Reset() error
	Count() (int, error)
}

// Wheel pairs a motor with the encoder on the same wheel.
type Wheel struct {
	Motor   Motor
	Encoder Encoder
}

// Options tunes the polling loop and the reverse-direction compensation.
type Options struct {
	PollInterval       time.Duration
	Timeout            time.Duration // 0 polls until the target is reached
	BackwardCalibrator int           // percent added in magnitude to a wheel driven in reverse
}

// OptionsFromConfig projects the motion and calibration sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollInterval:       cfg.PollInterval(),
		Timeout:            cfg.MotionTimeout(),
		BackwardCalibrator: cfg.Calibration.BackwardCalibratorPct,
	}
}

// Driver runs drive primitives on a pair of wheels.
// It is not safe for concurrent use: one maneuver at a time owns the motors.
type Driver struct {
	left   Wheel
	right  Wheel
	clk    clock.Clock
	counts *geometry.CountsCalculator
	opts   Options
}

// NewDriver creates a driver. A zero poll interval defaults to 5ms.
func NewDriver(left, right Wheel, clk clock.Clock, counts *geometry.CountsCalculator, opts Options) *Driver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return &Driver{
		left:   left,
		right:  right,
		clk:    clk,
		counts: counts,
		opts:   opts,
	}
}

// Counts returns the calculator used for count targets.
func (d *Driver) Counts() *geometry.CountsCalculator {
	return d.counts
}

// MoveForward drives both wheels at percent until their averaged encoder count
// covers inches. A negative distance drives in reverse.
func (d *Driver) MoveForward(ctx context.Context, percent int, inches float64) error {
	if inches < 0 {
		percent = -abs(percent)
	}
	target := d.counts.LinearTarget(inches)
	debug.Move("forward", percent, inches, "in")
	debug.Verbose("target=%.2f counts", target)
	return d.run(ctx, percent, percent, target)
}

// TurnRight rotates clockwise in place by degrees.
func (d *Driver) TurnRight(ctx context.Context, percent int, degrees float64) error {
	if degrees < 0 {
		return d.turn(ctx, geometry.CounterClockwise, percent, -degrees)
	}
	return d.turn(ctx, geometry.Clockwise, percent, degrees)
}

// TurnLeft rotates counter-clockwise in place by degrees.
func (d *Driver) TurnLeft(ctx context.Context, percent int, degrees float64) error {
	if degrees < 0 {
		return d.turn(ctx, geometry.Clockwise, percent, -degrees)
	}
	return d.turn(ctx, geometry.CounterClockwise, percent, degrees)
}

func (d *Driver) turn(ctx context.Context, rot geometry.Rotation, percent int, degrees float64) error {
	l, r := d.spinPowers(rot, percent)
	target := d.counts.TurnTarget(degrees)
	debug.Move("turn "+rot.String(), abs(percent), degrees, "deg")
	debug.Verbose("target=%.2f counts (left %d%%, right %d%%)", target, l, r)
	return d.run(ctx, l, r, target)
}

// spinPowers returns opposite wheel powers for an in-place rotation. The wheel
// running backward gets the backward calibrator.
func (d *Driver) spinPowers(rot geometry.Rotation, percent int) (int, int) {
	fwd := abs(percent)
	back := -fwd - d.opts.BackwardCalibrator
	if rot == geometry.Clockwise {
		return fwd, back
	}
	return back, fwd
}

// MoveForwardSeconds drives both wheels at percent for duration. A negative
// percent receives the backward calibrator.
func (d *Driver) MoveForwardSeconds(ctx context.Context, percent int, duration time.Duration) error {
	if percent < 0 {
		percent -= d.opts.BackwardCalibrator
	}
	debug.Move("forward", percent, duration.Seconds(), "s")
	return d.runFor(ctx, percent, percent, duration)
}

// RotateFor spins in place in direction rot at percent for duration.
func (d *Driver) RotateFor(ctx context.Context, rot geometry.Rotation, percent int, duration time.Duration) error {
	l, r := d.spinPowers(rot, percent)
	debug.Move("turn "+rot.String(), abs(percent), duration.Seconds(), "s")
	return d.runFor(ctx, l, r, duration)
}

func (d *Driver) runFor(ctx context.Context, l, r int, duration time.Duration) (err error) {
	defer func() { err = multierr.Append(err, d.Stop()) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.SetPowers(l, r); err != nil {
		return err
	}
	return d.Wait(ctx, duration)
}

// run commands the wheels and polls the encoders until their average reaches
// target, the deadline passes or ctx is done.
func (d *Driver) run(ctx context.Context, l, r int, target float64) (err error) {
	defer func() { err = multierr.Append(err, d.Stop()) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.resetEncoders(); err != nil {
		return err
	}
	if target <= 0 {
		return nil
	}
	if err := d.SetPowers(l, r); err != nil {
		return err
	}

	start := d.clk.Now()
	for polls := 1; ; polls++ {
		avg, err := d.averageCount()
		if err != nil {
			return err
		}
		debug.Trace("poll %d: avg=%.1f target=%.1f", polls, avg, target)
		if avg >= target {
			debug.Verbose("target reached after %d polls", polls)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.opts.Timeout > 0 && d.clk.Since(start) >= d.opts.Timeout {
			return errors.Wrapf(ErrMotionTimeout, "%.2f of %.2f in after %s",
				d.counts.InchesFromCounts(avg), d.counts.InchesFromCounts(target), d.opts.Timeout)
		}
		d.clk.Sleep(d.opts.PollInterval)
	}
}

func (d *Driver) resetEncoders() error {
	if err := d.left.Encoder.Reset(); err != nil {
		return errors.Wrap(err, "reset left encoder")
	}
	if err := d.right.Encoder.Reset(); err != nil {
		return errors.Wrap(err, "reset right encoder")
	}
	return nil
}

func (d *Driver) averageCount() (float64, error) {
	l, err := d.left.Encoder.Count()
	if err != nil {
		return 0, errors.Wrap(err, "read left encoder")
	}
	r, err := d.right.Encoder.Count()
	if err != nil {
		return 0, errors.Wrap(err, "read right encoder")
	}
	return float64(l+r) / 2, nil
}

// SetPowers commands both motors directly. Callers own stopping them.
func (d *Driver) SetPowers(left, right int) error {
	if err := d.left.Motor.SetPower(left); err != nil {
		return errors.Wrap(err, "left motor")
	}
	if err := d.right.Motor.SetPower(right); err != nil {
		return errors.Wrap(err, "right motor")
	}
	return nil
}

// Stop stops both motors. Both are always attempted.
func (d *Driver) Stop() error {
	return multierr.Combine(
		errors.Wrap(d.left.Motor.Stop(), "stop left motor"),
		errors.Wrap(d.right.Motor.Stop(), "stop right motor"),
	)
}

// Wait blocks for duration, polling ctx at the poll interval.
func (d *Driver) Wait(ctx context.Context, duration time.Duration) error {
	end := d.clk.Now().Add(duration)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := end.Sub(d.clk.Now())
		if remaining <= 0 {
			return nil
		}
		d.clk.Sleep(min(remaining, d.opts.PollInterval))
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
