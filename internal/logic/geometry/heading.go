package geometry

import "math"

// Rotation is the direction a heading correction turns the robot.
// Headings grow counter-clockwise, as reported by the RPS.
type Rotation int

const (
	// CounterClockwise increases the heading (a left turn).
	CounterClockwise Rotation = iota
	// Clockwise decreases the heading (a right turn).
	Clockwise
)

func (r Rotation) String() string {
	if r == Clockwise {
		return "clockwise"
	}
	return "counter-clockwise"
}

// Axis names a course coordinate that can be corrected on its own.
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	if a == AxisY {
		return "y"
	}
	return "x"
}

// Cardinal headings in degrees.
const (
	East  = 0.0
	North = 90.0
	West  = 180.0
	South = 270.0
)

// NormalizeHeading wraps h into [0, 360).
func NormalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// HeadingError returns the signed shortest angular distance from current to target
// and the rotation that closes it. When the direct difference exceeds 180° the
// complementary distance is used and the direction flips, so the result is always
// within [-180, 180].
func HeadingError(current, target float64) (float64, Rotation) {
	diff := NormalizeHeading(target) - NormalizeHeading(current)
	if math.Abs(diff) > 180 {
		if diff > 0 {
			diff -= 360
		} else {
			diff += 360
		}
	}
	if diff < 0 {
		return diff, Clockwise
	}
	return diff, CounterClockwise
}

// NearestCardinal returns the cardinal heading along axis closest to heading:
// east or west for AxisX, north or south for AxisY.
func NearestCardinal(heading float64, axis Axis) float64 {
	h := NormalizeHeading(heading)
	if axis == AxisY {
		if h < 180 {
			return North
		}
		return South
	}
	if h > 90 && h <= 270 {
		return West
	}
	return East
}

// FacesPositive reports whether a robot at the cardinal heading drives toward
// increasing coordinates along axis when moving forward.
func FacesPositive(cardinal float64, axis Axis) bool {
	if axis == AxisY {
		return cardinal == North
	}
	return cardinal == East
}
