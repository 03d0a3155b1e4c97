// Package correction closes the loop on accumulated drive error with the
// absolute positioning system. It pulses the wheels in short fixed bursts,
// waits for the tracker to settle and re-reads, until the heading or a single
// coordinate falls within tolerance.
package correction

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/a3feh/coursebot/internal/config"
	"github.com/a3feh/coursebot/internal/debug"
	"github.com/a3feh/coursebot/internal/logic/geometry"
)

var (
	// ErrSensorUnavailable is returned when the tracker reports a sentinel
	// instead of the quantity being corrected.
	ErrSensorUnavailable = errors.New("position sensor not visible")
	// ErrCorrectionTimeout is returned when a correction loop does not converge
	// before its deadline.
	ErrCorrectionTimeout = errors.New("correction did not converge")
)

// PoseSensor reads the absolute pose. Heading is negative and coordinates are
// non-positive when no valid reading is available.
type PoseSensor interface {
	Heading() float64
	X() float64
	Y() float64
}

// Mover is the low-level motor access corrections are built on. Each call
// leaves the motors stopped.
type Mover interface {
	RotateFor(ctx context.Context, rot geometry.Rotation, percent int, duration time.Duration) error
	MoveForwardSeconds(ctx context.Context, percent int, duration time.Duration) error
	Wait(ctx context.Context, duration time.Duration) error
}

// Thresholds tunes the pulse controller.
type Thresholds struct {
	HeadingTolerance  float64 // degrees
	PositionTolerance float64 // course units
	PulsePercent      int
	PulseDuration     time.Duration
	SettleDelay       time.Duration // wait after a pulse before re-reading
	Timeout           time.Duration // 0 loops until convergence
	RestoreHeading    bool          // turn back to the starting heading after a position correction
}

// ThresholdsFromConfig projects the correction section of cfg.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	c := cfg.Correction
	return Thresholds{
		HeadingTolerance:  c.HeadingToleranceDeg,
		PositionTolerance: c.PositionTolerance,
		PulsePercent:      c.PulsePercent,
		PulseDuration:     cfg.PulseDuration(),
		SettleDelay:       cfg.SettleDelay(),
		Timeout:           cfg.CorrectionTimeout(),
		RestoreHeading:    c.RestoreHeading,
	}
}

// Corrector runs pulse corrections against a pose sensor.
type Corrector struct {
	mover  Mover
	sensor PoseSensor
	clk    clock.Clock
	th     Thresholds
}

// NewCorrector creates a corrector.
func NewCorrector(mover Mover, sensor PoseSensor, clk clock.Clock, th Thresholds) *Corrector {
	return &Corrector{
		mover:  mover,
		sensor: sensor,
		clk:    clk,
		th:     th,
	}
}

// Thresholds returns the tuning in use.
func (c *Corrector) Thresholds() Thresholds {
	return c.th
}

// CorrectHeading pulses the robot in place until its heading is within
// tolerance of target, always turning the shorter way around.
func (c *Corrector) CorrectHeading(ctx context.Context, target float64) error {
	target = geometry.NormalizeHeading(target)
	heading := c.sensor.Heading()
	if heading < 0 {
		return errors.Wrapf(ErrSensorUnavailable, "heading reads %.0f", heading)
	}

	deadline := c.deadline()
	for pulses := 0; ; pulses++ {
		diff, rot := geometry.HeadingError(heading, target)
		debug.Verbose("heading=%.2f target=%.2f diff=%.2f", heading, target, diff)
		if math.Abs(diff) <= c.th.HeadingTolerance {
			if pulses > 0 {
				debug.Live("heading %.1f reached after %d pulses", target, pulses)
			}
			return nil
		}
		if c.expired(deadline) {
			return errors.Wrapf(ErrCorrectionTimeout, "heading %.2f, target %.2f after %d pulses", heading, target, pulses)
		}

		debug.Pulse("heading", pulses+1, rot.String(), diff)
		if err := c.mover.RotateFor(ctx, rot, c.th.PulsePercent, c.th.PulseDuration); err != nil {
			return err
		}
		if err := c.mover.Wait(ctx, c.th.SettleDelay); err != nil {
			return err
		}

		heading = c.sensor.Heading()
		if heading < 0 {
			return errors.Wrapf(ErrSensorUnavailable, "heading reads %.0f after %d pulses", heading, pulses+1)
		}
	}
}

// CheckX aligns the robot with the nearest east/west heading and pulses it
// forward or backward until its x coordinate is within tolerance of target.
func (c *Corrector) CheckX(ctx context.Context, target float64) error {
	return c.checkAxis(ctx, geometry.AxisX, target)
}

// CheckY aligns the robot with the nearest north/south heading and pulses it
// forward or backward until its y coordinate is within tolerance of target.
func (c *Corrector) CheckY(ctx context.Context, target float64) error {
	return c.checkAxis(ctx, geometry.AxisY, target)
}

func (c *Corrector) coordinate(axis geometry.Axis) float64 {
	if axis == geometry.AxisY {
		return c.sensor.Y()
	}
	return c.sensor.X()
}

func (c *Corrector) checkAxis(ctx context.Context, axis geometry.Axis, target float64) error {
	start := c.sensor.Heading()
	if start < 0 {
		return errors.Wrapf(ErrSensorUnavailable, "check %s: heading reads %.0f", axis, start)
	}
	if pos := c.coordinate(axis); pos <= 0 {
		return errors.Wrapf(ErrSensorUnavailable, "check %s: coordinate reads %.0f", axis, pos)
	}

	cardinal := geometry.NearestCardinal(start, axis)
	debug.Live("check %s: target %.2f, aligning to %.0f", axis, target, cardinal)
	if err := c.CorrectHeading(ctx, cardinal); err != nil {
		return errors.WithMessagef(err, "check %s", axis)
	}

	deadline := c.deadline()
	for pulses := 0; ; pulses++ {
		pos := c.coordinate(axis)
		if pos <= 0 {
			return errors.Wrapf(ErrSensorUnavailable, "check %s: coordinate reads %.0f after %d pulses", axis, pos, pulses)
		}
		diff := target - pos
		debug.Verbose("%s=%.2f target=%.2f diff=%.2f", axis, pos, target, diff)
		if math.Abs(diff) <= c.th.PositionTolerance {
			break
		}
		if c.expired(deadline) {
			return errors.Wrapf(ErrCorrectionTimeout, "check %s: %.2f, target %.2f after %d pulses", axis, pos, target, pulses)
		}

		percent := c.th.PulsePercent
		direction := "forward"
		if (diff > 0) != geometry.FacesPositive(cardinal, axis) {
			percent = -percent
			direction = "backward"
		}
		debug.Pulse(axis.String(), pulses+1, direction, diff)
		if err := c.mover.MoveForwardSeconds(ctx, percent, c.th.PulseDuration); err != nil {
			return err
		}
		if err := c.mover.Wait(ctx, c.th.SettleDelay); err != nil {
			return err
		}
	}

	if c.th.RestoreHeading {
		if err := c.CorrectHeading(ctx, start); err != nil {
			return errors.WithMessagef(err, "check %s: restore heading", axis)
		}
	}
	return nil
}

func (c *Corrector) deadline() time.Time {
	if c.th.Timeout <= 0 {
		return time.Time{}
	}
	return c.clk.Now().Add(c.th.Timeout)
}

func (c *Corrector) expired(deadline time.Time) bool {
	return !deadline.IsZero() && !c.clk.Now().Before(deadline)
}
