// Package sim simulates a differential-drive robot: two wheel motors, their
// encoders and an overhead position tracker. Kinematics are integrated lazily
// whenever the simulation is observed or commanded, so it runs equally well on
// a real clock or on a mock clock advanced by Sleep.
package sim

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/samber/lo"

	"github.com/a3feh/coursebot/internal/debug"
	"github.com/a3feh/coursebot/internal/hw/rps"
)

// Clock is a mock clock whose Sleep advances simulated time instead of blocking.
type Clock struct {
	*clock.Mock
}

// NewClock returns a simulated clock starting at the Unix epoch.
func NewClock() *Clock {
	return &Clock{Mock: clock.NewMock()}
}

// Sleep advances the clock by d.
func (c *Clock) Sleep(d time.Duration) {
	c.Mock.Add(d)
}

// Config describes the simulated robot.
type Config struct {
	CountsPerInch   float64
	WidthIn         float64  // distance between the wheel contact points
	MaxSpeedIn      float64  // wheel speed in inches per second at 100%
	BackwardLossPct int      // percent points of power lost by a wheel running in reverse
	Start           r2.Point // initial course position
	StartHeading    float64  // initial heading in degrees, counter-clockwise from east
}

// Robot is the simulated drivetrain and its pose.
type Robot struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg Config

	last       time.Time
	power      [2]int
	travel     [2]float64 // inches rolled by each wheel since its encoder reset
	position   r2.Point
	headingRad float64
	visible    bool
	motorCalls int
}

const (
	left  = 0
	right = 1
)

// New creates a stopped robot at cfg.Start.
func New(clk clock.Clock, cfg Config) *Robot {
	if cfg.MaxSpeedIn <= 0 {
		cfg.MaxSpeedIn = 12
	}
	return &Robot{
		clk:        clk,
		cfg:        cfg,
		last:       clk.Now(),
		position:   cfg.Start,
		headingRad: cfg.StartHeading * math.Pi / 180,
		visible:    true,
	}
}

// wheelSpeed converts a power percentage to a signed wheel speed.
func (r *Robot) wheelSpeed(percent int) float64 {
	effective := float64(percent)
	if percent < 0 {
		effective = math.Min(0, effective+float64(r.cfg.BackwardLossPct))
	}
	return effective / 100 * r.cfg.MaxSpeedIn
}

// advanceLocked integrates the pose from the last update to now.
func (r *Robot) advanceLocked() {
	now := r.clk.Now()
	dt := now.Sub(r.last).Seconds()
	r.last = now
	if dt <= 0 {
		return
	}

	vl := r.wheelSpeed(r.power[left])
	vr := r.wheelSpeed(r.power[right])
	r.travel[left] += math.Abs(vl) * dt
	r.travel[right] += math.Abs(vr) * dt

	v := (vl + vr) / 2
	omega := (vr - vl) / r.cfg.WidthIn
	theta := r.headingRad
	if math.Abs(omega) < 1e-9 {
		r.position.X += v * math.Cos(theta) * dt
		r.position.Y += v * math.Sin(theta) * dt
		return
	}
	// Constant wheel speeds describe an arc about the instantaneous center.
	next := theta + omega*dt
	r.position.X += v / omega * (math.Sin(next) - math.Sin(theta))
	r.position.Y -= v / omega * (math.Cos(next) - math.Cos(theta))
	r.headingRad = next
}

func (r *Robot) setPower(side, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	r.power[side] = lo.Clamp(percent, -100, 100)
	r.motorCalls++
}

func (r *Robot) count(side int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	return int(r.travel[side] * r.cfg.CountsPerInch)
}

func (r *Robot) reset(side int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	r.travel[side] = 0
}

// Pose returns the true position and heading, regardless of visibility.
func (r *Robot) Pose() (r2.Point, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	return r.position, normalizeDeg(r.headingRad * 180 / math.Pi)
}

// SetPose teleports the robot.
func (r *Robot) SetPose(pos r2.Point, heading float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	r.position = pos
	r.headingRad = heading * math.Pi / 180
}

// SetVisible toggles whether the tracker sees the robot.
func (r *Robot) SetVisible(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible = v
}

// Powers returns the current left and right power commands.
func (r *Robot) Powers() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.power[left], r.power[right]
}

// MotorCalls returns how many power commands the motors received.
func (r *Robot) MotorCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.motorCalls
}

func normalizeDeg(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// Motor is one simulated wheel motor.
type Motor struct {
	r    *Robot
	side int
}

// LeftMotor returns the left wheel motor.
func (r *Robot) LeftMotor() *Motor { return &Motor{r: r, side: left} }

// RightMotor returns the right wheel motor.
func (r *Robot) RightMotor() *Motor { return &Motor{r: r, side: right} }

// SetPower sets a signed power percentage, clamped to [-100, 100].
func (m *Motor) SetPower(percent int) error {
	debug.Trace("sim: motor %d power %d%%", m.side, percent)
	m.r.setPower(m.side, percent)
	return nil
}

// Stop sets the power to zero.
func (m *Motor) Stop() error {
	return m.SetPower(0)
}

// Encoder is one simulated wheel encoder. It counts travel in either direction.
type Encoder struct {
	r    *Robot
	side int
}

// LeftEncoder returns the left wheel encoder.
func (r *Robot) LeftEncoder() *Encoder { return &Encoder{r: r, side: left} }

// RightEncoder returns the right wheel encoder.
func (r *Robot) RightEncoder() *Encoder { return &Encoder{r: r, side: right} }

// Count returns the counts accumulated since the last reset.
func (e *Encoder) Count() (int, error) {
	return e.r.count(e.side), nil
}

// Reset zeroes the count.
func (e *Encoder) Reset() error {
	e.r.reset(e.side)
	return nil
}

// Tracker is the simulated overhead positioning system. It reports the true
// pose, or the NotVisible sentinel while the robot is hidden.
type Tracker struct {
	r *Robot
}

// Tracker returns the simulated positioning system.
func (r *Robot) Tracker() *Tracker { return &Tracker{r: r} }

func (t *Tracker) read() (r2.Point, float64, bool) {
	t.r.mu.Lock()
	visible := t.r.visible
	t.r.mu.Unlock()
	pos, heading := t.r.Pose()
	return pos, heading, visible
}

// Heading returns the heading in degrees, or rps.NotVisible.
func (t *Tracker) Heading() float64 {
	_, h, ok := t.read()
	if !ok {
		return rps.NotVisible
	}
	return h
}

// X returns the x coordinate, or rps.NotVisible.
func (t *Tracker) X() float64 {
	p, _, ok := t.read()
	if !ok {
		return rps.NotVisible
	}
	return p.X
}

// Y returns the y coordinate, or rps.NotVisible.
func (t *Tracker) Y() float64 {
	p, _, ok := t.read()
	if !ok {
		return rps.NotVisible
	}
	return p.Y
}

// Latest returns the current reading in the same shape as the serial sensor.
func (t *Tracker) Latest() (rps.Reading, bool) {
	pos, h, ok := t.read()
	return rps.Reading{Position: pos, Heading: h, At: t.r.clk.Now()}, ok
}
