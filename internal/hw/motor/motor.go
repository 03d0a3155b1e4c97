package motor

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/a3feh/coursebot/internal/debug"
	"github.com/a3feh/coursebot/internal/hw/gpio"
)

// MaxPercent is the largest power magnitude a motor accepts.
const MaxPercent = 100

// Config holds the hardware configuration of one H-bridge channel.
type Config struct {
	Name     string
	DirPin   int
	PWMPin   int
	PWMFreq  int  // PWM frequency in Hz. 0 defaults to 1kHz.
	Reversed bool // motor mounted mirrored: forward drives the direction pin LOW
}

// Motor drives a brushed DC wheel motor at a signed power percentage.
// There is no ramping: a new power takes effect immediately.
type Motor struct {
	gpio  gpio.Driver
	cfg   Config
	power int
}

// NewMotor creates a motor on an H-bridge channel and leaves it stopped.
func NewMotor(g gpio.Driver, cfg Config) (*Motor, error) {
	if cfg.PWMFreq <= 0 {
		cfg.PWMFreq = 1000
	}
	if err := g.SetupPin(cfg.DirPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("motor %s: setup dir pin: %w", cfg.Name, err)
	}
	if err := g.SetupPin(cfg.PWMPin, gpio.PWM); err != nil {
		return nil, fmt.Errorf("motor %s: setup pwm pin: %w", cfg.Name, err)
	}

	m := &Motor{gpio: g, cfg: cfg}
	if err := m.Stop(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetPower sets a signed power percentage. The sign selects the direction.
// Values outside [-100, 100] are clamped silently.
func (m *Motor) SetPower(percent int) error {
	percent = lo.Clamp(percent, -MaxPercent, MaxPercent)

	forward := percent >= 0
	if m.cfg.Reversed {
		forward = !forward
	}
	dirLevel := gpio.Low
	if forward {
		dirLevel = gpio.High
	}

	debug.Trace("Motor %s: power %d%%", m.Name(), percent)

	if err := m.gpio.WritePin(m.cfg.DirPin, dirLevel); err != nil {
		return fmt.Errorf("motor %s: set direction: %w", m.Name(), err)
	}
	magnitude := percent
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if err := m.gpio.SetPWM(m.cfg.PWMPin, m.cfg.PWMFreq, float64(magnitude)); err != nil {
		return fmt.Errorf("motor %s: set duty: %w", m.Name(), err)
	}
	m.power = percent
	return nil
}

// Stop cuts power to the motor.
func (m *Motor) Stop() error {
	return m.SetPower(0)
}

// Power returns the last power percentage applied.
func (m *Motor) Power() int {
	return m.power
}

// Name returns the configured motor name.
func (m *Motor) Name() string {
	return m.cfg.Name
}
