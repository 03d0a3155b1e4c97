package geometry

import (
	"math"

	"github.com/a3feh/coursebot/internal/config"
)

// CountsCalculator converts distances and rotation angles to encoder count targets.
type CountsCalculator struct {
	countsPerInch float64
	halfWidthIn   float64
	turnSlip      float64
}

// NewCountsCalculator creates a count calculator from the calibration section of cfg.
func NewCountsCalculator(cfg *config.Config) *CountsCalculator {
	cal := cfg.Calibration

	// One wheel revolution covers its circumference.
	circumference := 2 * math.Pi * cal.WheelRadiusIn
	countsPerInch := float64(cal.EncoderCountsPerRev) / circumference

	slip := cal.TurnSlipFactor
	if slip <= 0 {
		slip = 1
	}

	return &CountsCalculator{
		countsPerInch: countsPerInch,
		halfWidthIn:   cal.RobotWidthIn / 2.0,
		turnSlip:      slip,
	}
}

// CountsPerInch returns the number of encoder counts per inch of wheel travel.
func (c *CountsCalculator) CountsPerInch() float64 {
	return c.countsPerInch
}

// LinearTarget returns the averaged encoder count a straight move of inches must reach.
// The sign of inches only selects the direction and is ignored here.
func (c *CountsCalculator) LinearTarget(inches float64) float64 {
	return math.Abs(inches) * c.countsPerInch
}

// TurnTarget returns the per-wheel encoder count for an in-place rotation of degrees:
// the arc each wheel travels about the robot's center, scaled by the turn slip factor.
func (c *CountsCalculator) TurnTarget(degrees float64) float64 {
	arc := math.Abs(degrees) * math.Pi / 180.0 * c.halfWidthIn
	return arc * c.countsPerInch * c.turnSlip
}

// InchesFromCounts converts an averaged encoder count back to inches.
func (c *CountsCalculator) InchesFromCounts(counts float64) float64 {
	if c.countsPerInch == 0 {
		return 0
	}
	return counts / c.countsPerInch
}
