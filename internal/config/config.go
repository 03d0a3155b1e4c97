package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file accepted by Load.
const MaxConfigFileBytes = 64 * 1024

// CalibrationConfig holds the build-time calibration constants of the drivetrain.
type CalibrationConfig struct {
	EncoderCountsPerRev   int     `yaml:"encoder_counts_per_rev"`  // encoder pulses per wheel revolution
	WheelRadiusIn         float64 `yaml:"wheel_radius_in"`         // wheel radius in inches
	RobotWidthIn          float64 `yaml:"robot_width_in"`          // distance between wheel contact points
	BackwardCalibratorPct int     `yaml:"backward_calibrator_pct"` // added to reverse-running motors
	TurnSlipFactor        float64 `yaml:"turn_slip_factor"`        // scales turn count targets (turn calibrator)
}

// CorrectionConfig holds the RPS pulse-correction tuning constants.
type CorrectionConfig struct {
	HeadingToleranceDeg float64 `yaml:"heading_tolerance_deg"`
	PositionTolerance   float64 `yaml:"position_tolerance"`
	PulsePercent        int     `yaml:"pulse_percent"`
	PulseMs             int     `yaml:"pulse_ms"`
	SettleMs            int     `yaml:"settle_ms"`
	TimeoutMs           *int    `yaml:"timeout_ms"` // nil = default, 0 = unbounded
	RestoreHeading      bool    `yaml:"restore_heading"`
}

// MotionConfig controls encoder polling of the drive primitives.
type MotionConfig struct {
	PollIntervalMs int  `yaml:"poll_interval_ms"`
	TimeoutMs      *int `yaml:"timeout_ms"` // nil = default, 0 = unbounded
}

// MotorConfig describes an H-bridge channel driving one wheel.
type MotorConfig struct {
	DirPin   int  `yaml:"dir_pin"`
	PWMPin   int  `yaml:"pwm_pin"`
	PWMFreq  int  `yaml:"pwm_freq_hz"`
	Reversed bool `yaml:"reversed"` // motor mounted mirrored
}

// EncoderConfig describes a single-channel wheel encoder input.
type EncoderConfig struct {
	Pin      int `yaml:"pin"`
	SampleUs int `yaml:"sample_us"` // sampling period of the edge counter
}

// RPSConfig describes the serial link to the absolute positioning system.
type RPSConfig struct {
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	StaleMs int    `yaml:"stale_ms"` // readings older than this report "not visible"
}

// HardwareConfig selects and wires the robot hardware.
type HardwareConfig struct {
	Mock         bool          `yaml:"mock"` // simulated robot (true=dev/test, false=real Raspberry Pi)
	LeftMotor    MotorConfig   `yaml:"left_motor"`
	RightMotor   MotorConfig   `yaml:"right_motor"`
	LeftEncoder  EncoderConfig `yaml:"left_encoder"`
	RightEncoder EncoderConfig `yaml:"right_encoder"`
	RPS          RPSConfig     `yaml:"rps"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int    `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	CourseFile string `yaml:"course_file"` // YAML file listing the courses the runner can execute
}

// Config aggregates all application configuration.
type Config struct {
	Calibration CalibrationConfig `yaml:"calibration"`
	Correction  CorrectionConfig  `yaml:"correction"`
	Motion      MotionConfig      `yaml:"motion"`
	Hardware    HardwareConfig    `yaml:"hardware"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// configs/ directory once cleaned.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return errors.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return errors.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return errors.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat config file")
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, errors.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	cal := &c.Calibration
	if cal.EncoderCountsPerRev <= 0 {
		cal.EncoderCountsPerRev = 318
	}
	if cal.WheelRadiusIn <= 0 {
		cal.WheelRadiusIn = 1.25
	}
	if cal.RobotWidthIn <= 0 {
		cal.RobotWidthIn = 8.0
	}
	if cal.TurnSlipFactor <= 0 {
		cal.TurnSlipFactor = 1.0
	}

	cor := &c.Correction
	if cor.HeadingToleranceDeg <= 0 {
		cor.HeadingToleranceDeg = 0.5
	}
	if cor.PositionTolerance <= 0 {
		cor.PositionTolerance = 0.5
	}
	if cor.PulsePercent == 0 {
		cor.PulsePercent = 20
	}
	if cor.PulseMs <= 0 {
		cor.PulseMs = 100
	}
	if cor.SettleMs <= 0 {
		cor.SettleMs = 300
	}
	if cor.TimeoutMs == nil {
		ms := 8000
		cor.TimeoutMs = &ms
	}

	if c.Motion.PollIntervalMs <= 0 {
		c.Motion.PollIntervalMs = 5
	}
	if c.Motion.TimeoutMs == nil {
		ms := 10000
		c.Motion.TimeoutMs = &ms
	}

	for _, m := range []*MotorConfig{&c.Hardware.LeftMotor, &c.Hardware.RightMotor} {
		if m.PWMFreq <= 0 {
			m.PWMFreq = 1000
		}
	}
	for _, e := range []*EncoderConfig{&c.Hardware.LeftEncoder, &c.Hardware.RightEncoder} {
		if e.SampleUs <= 0 {
			e.SampleUs = 100
		}
	}
	if c.Hardware.RPS.Baud <= 0 {
		c.Hardware.RPS.Baud = 115200
	}
	if c.Hardware.RPS.StaleMs <= 0 {
		c.Hardware.RPS.StaleMs = 500
	}
}

// Validate checks ranges after defaults have been applied.
func (c *Config) Validate() error {
	if c.Calibration.BackwardCalibratorPct < 0 || c.Calibration.BackwardCalibratorPct > 100 {
		return errors.Errorf("calibration.backward_calibrator_pct must be between 0 and 100, got %d",
			c.Calibration.BackwardCalibratorPct)
	}
	if c.Correction.PulsePercent < 1 || c.Correction.PulsePercent > 100 {
		return errors.Errorf("correction.pulse_percent must be between 1 and 100, got %d", c.Correction.PulsePercent)
	}
	if ms := c.Correction.TimeoutMs; ms != nil && *ms < 0 {
		return errors.Errorf("correction.timeout_ms must be >= 0, got %d", *c.Correction.TimeoutMs)
	}
	if ms := c.Motion.TimeoutMs; ms != nil && *ms < 0 {
		return errors.Errorf("motion.timeout_ms must be >= 0, got %d", *c.Motion.TimeoutMs)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return errors.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Hardware.Mock {
		return nil
	}

	hw := c.Hardware
	pins := map[int]string{}
	for name, pin := range map[string]int{
		"hardware.left_motor.dir_pin":  hw.LeftMotor.DirPin,
		"hardware.left_motor.pwm_pin":  hw.LeftMotor.PWMPin,
		"hardware.right_motor.dir_pin": hw.RightMotor.DirPin,
		"hardware.right_motor.pwm_pin": hw.RightMotor.PWMPin,
		"hardware.left_encoder.pin":    hw.LeftEncoder.Pin,
		"hardware.right_encoder.pin":   hw.RightEncoder.Pin,
	} {
		if pin <= 0 {
			return errors.Errorf("%s is required when hardware.mock is false", name)
		}
		if other, dup := pins[pin]; dup {
			return errors.Errorf("%s and %s share pin %d", name, other, pin)
		}
		pins[pin] = name
	}
	if hw.RPS.Port == "" {
		return errors.Errorf("hardware.rps.port is required when hardware.mock is false")
	}
	return nil
}

// PollInterval returns the delay between two encoder polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Motion.PollIntervalMs) * time.Millisecond
}

// MotionTimeout returns the deadline of a drive primitive (0 = unbounded).
func (c *Config) MotionTimeout() time.Duration {
	return msOrZero(c.Motion.TimeoutMs)
}

// PulseDuration returns the length of one correction pulse.
func (c *Config) PulseDuration() time.Duration {
	return time.Duration(c.Correction.PulseMs) * time.Millisecond
}

// SettleDelay returns the wait after a pulse before re-reading the RPS.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Correction.SettleMs) * time.Millisecond
}

// CorrectionTimeout returns the deadline of a correction loop (0 = unbounded).
func (c *Config) CorrectionTimeout() time.Duration {
	return msOrZero(c.Correction.TimeoutMs)
}

// SamplePeriod returns the edge sampling period of an encoder.
func (e EncoderConfig) SamplePeriod() time.Duration {
	return time.Duration(e.SampleUs) * time.Microsecond
}

// StaleAfter returns the age after which an RPS reading is discarded.
func (r RPSConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleMs) * time.Millisecond
}

func msOrZero(ms *int) time.Duration {
	if ms == nil {
		return 0
	}
	return time.Duration(*ms) * time.Millisecond
}
