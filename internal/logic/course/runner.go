package course

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/a3feh/coursebot/internal/debug"
)

// Drive is the set of drive primitives a course uses.
type Drive interface {
	MoveForward(ctx context.Context, percent int, inches float64) error
	TurnRight(ctx context.Context, percent int, degrees float64) error
	TurnLeft(ctx context.Context, percent int, degrees float64) error
	MoveForwardSeconds(ctx context.Context, percent int, duration time.Duration) error
	Wait(ctx context.Context, duration time.Duration) error
	Stop() error
}

// Corrector is the set of pose corrections a course uses.
type Corrector interface {
	CorrectHeading(ctx context.Context, target float64) error
	CheckX(ctx context.Context, target float64) error
	CheckY(ctx context.Context, target float64) error
}

// Result summarizes a course run.
type Result struct {
	Course    string        `json:"course"`
	Completed int           `json:"completed"`
	Skipped   []int         `json:"skipped,omitempty"` // 1-based indexes of optional steps that failed
	Elapsed   time.Duration `json:"elapsed"`
}

// StepFunc is notified before each step runs.
type StepFunc func(index, total int, s Step)

// Runner executes courses one step at a time. It is not safe for concurrent use.
type Runner struct {
	drive  Drive
	corr   Corrector
	clk    clock.Clock
	onStep StepFunc
}

// NewRunner creates a course runner.
func NewRunner(d Drive, c Corrector, clk clock.Clock) *Runner {
	return &Runner{drive: d, corr: c, clk: clk}
}

// OnStep registers a callback invoked before each step.
func (r *Runner) OnStep(fn StepFunc) {
	r.onStep = fn
}

// Run executes every step of c in order. The first failing step that is not
// optional ends the run; the motors are stopped before returning.
func (r *Runner) Run(ctx context.Context, c *Course) (res Result, err error) {
	res.Course = c.Name
	start := r.clk.Now()
	defer func() {
		res.Elapsed = r.clk.Since(start)
		err = multierr.Append(err, r.drive.Stop())
	}()

	debug.Section("Course " + c.Name)
	for i, s := range c.Steps {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		if s.Percent == 0 {
			s.Percent = c.Percent
		}
		if s.Percent == 0 {
			s.Percent = DefaultPercent
		}
		debug.Step(i+1, s.String())
		if r.onStep != nil {
			r.onStep(i+1, len(c.Steps), s)
		}

		if err := r.runStep(ctx, s); err != nil {
			if s.Optional && ctx.Err() == nil {
				debug.Warn("step %d (%s) skipped: %v", i+1, s, err)
				res.Skipped = append(res.Skipped, i+1)
				continue
			}
			return res, errors.WithMessagef(err, "step %d (%s)", i+1, s)
		}
		res.Completed++
	}

	debug.Info("course %s complete: %d steps, %d skipped", c.Name, res.Completed, len(res.Skipped))
	return res, nil
}

func (r *Runner) runStep(ctx context.Context, s Step) error {
	switch s.Kind {
	case Forward:
		return r.drive.MoveForward(ctx, s.Percent, s.Inches)
	case ForwardSeconds:
		return r.drive.MoveForwardSeconds(ctx, s.Percent, s.Duration())
	case TurnLeft:
		return r.drive.TurnLeft(ctx, s.Percent, s.Degrees)
	case TurnRight:
		return r.drive.TurnRight(ctx, s.Percent, s.Degrees)
	case Heading:
		return r.corr.CorrectHeading(ctx, s.Target)
	case CheckX:
		return r.corr.CheckX(ctx, s.Target)
	case CheckY:
		return r.corr.CheckY(ctx, s.Target)
	case Wait:
		return r.drive.Wait(ctx, s.Duration())
	}
	return errors.Errorf("unknown step kind %q", s.Kind)
}
