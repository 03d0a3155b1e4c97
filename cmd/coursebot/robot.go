package main

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/a3feh/coursebot/internal/config"
	"github.com/a3feh/coursebot/internal/debug"
	"github.com/a3feh/coursebot/internal/hw/encoder"
	"github.com/a3feh/coursebot/internal/hw/gpio"
	"github.com/a3feh/coursebot/internal/hw/motor"
	"github.com/a3feh/coursebot/internal/hw/rps"
	"github.com/a3feh/coursebot/internal/hw/sim"
	"github.com/a3feh/coursebot/internal/logic/correction"
	"github.com/a3feh/coursebot/internal/logic/drive"
	"github.com/a3feh/coursebot/internal/logic/geometry"
	"github.com/a3feh/coursebot/internal/web"
)

// Simulated robot defaults: 12 in/s at full power, parked facing north.
var (
	simMaxSpeedIn   = 12.0
	simStart        = r2.Point{X: 18, Y: 18}
	simStartHeading = geometry.North
)

// robot is the assembled drivetrain with its background tasks.
type robot struct {
	clk       clock.Clock
	counts    *geometry.CountsCalculator
	driver    *drive.Driver
	corrector *correction.Corrector
	pose      web.PoseFunc
	tasks     []func(context.Context) error
	closers   []func() error
}

// buildRobot wires either the simulated robot or the real hardware described by cfg.
func buildRobot(cfg *config.Config, clk clock.Clock) (*robot, error) {
	rb := &robot{
		clk:    clk,
		counts: geometry.NewCountsCalculator(cfg),
	}

	var (
		left, right drive.Wheel
		sensor      correction.PoseSensor
	)
	if cfg.Hardware.Mock {
		debug.Info("Using simulated robot")
		sr := sim.New(clk, sim.Config{
			CountsPerInch:   rb.counts.CountsPerInch(),
			WidthIn:         cfg.Calibration.RobotWidthIn,
			MaxSpeedIn:      simMaxSpeedIn,
			BackwardLossPct: cfg.Calibration.BackwardCalibratorPct,
			Start:           simStart,
			StartHeading:    simStartHeading,
		})
		left = drive.Wheel{Motor: sr.LeftMotor(), Encoder: sr.LeftEncoder()}
		right = drive.Wheel{Motor: sr.RightMotor(), Encoder: sr.RightEncoder()}
		tracker := sr.Tracker()
		sensor = tracker
		rb.pose = tracker.Latest
	} else {
		var err error
		left, right, sensor, err = rb.buildHardware(cfg)
		if err != nil {
			return nil, multierr.Append(err, rb.Close())
		}
	}

	rb.driver = drive.NewDriver(left, right, clk, rb.counts, drive.OptionsFromConfig(cfg))
	rb.corrector = correction.NewCorrector(rb.driver, sensor, clk, correction.ThresholdsFromConfig(cfg))
	return rb, nil
}

func (rb *robot) buildHardware(cfg *config.Config) (left, right drive.Wheel, sensor correction.PoseSensor, err error) {
	hw := cfg.Hardware

	g, err := gpio.NewDriver(false)
	if err != nil {
		return left, right, nil, errors.Wrap(err, "init GPIO")
	}
	rb.closers = append(rb.closers, g.Close)

	debug.Step(1, "Initializing wheel motors")
	lm, err := motor.NewMotor(g, motorConfig("left", hw.LeftMotor))
	if err != nil {
		return left, right, nil, err
	}
	rm, err := motor.NewMotor(g, motorConfig("right", hw.RightMotor))
	if err != nil {
		return left, right, nil, err
	}
	debug.PrintStruct("Left motor config", hw.LeftMotor)
	debug.PrintStruct("Right motor config", hw.RightMotor)

	debug.Step(2, "Initializing wheel encoders")
	le, err := encoder.NewEncoder(g, rb.clk, encoder.Config{Name: "left", Pin: hw.LeftEncoder.Pin, SamplePeriod: hw.LeftEncoder.SamplePeriod()})
	if err != nil {
		return left, right, nil, err
	}
	re, err := encoder.NewEncoder(g, rb.clk, encoder.Config{Name: "right", Pin: hw.RightEncoder.Pin, SamplePeriod: hw.RightEncoder.SamplePeriod()})
	if err != nil {
		return left, right, nil, err
	}
	rb.tasks = append(rb.tasks, le.Run, re.Run)

	debug.Step(3, "Opening RPS link")
	s, err := rps.Open(rps.Config{Port: hw.RPS.Port, Baud: hw.RPS.Baud, StaleAfter: hw.RPS.StaleAfter()}, rb.clk)
	if err != nil {
		return left, right, nil, err
	}
	rb.closers = append(rb.closers, s.Close)
	rb.tasks = append(rb.tasks, s.Run)
	rb.pose = s.Latest

	return drive.Wheel{Motor: lm, Encoder: le}, drive.Wheel{Motor: rm, Encoder: re}, s, nil
}

func motorConfig(name string, mc config.MotorConfig) motor.Config {
	return motor.Config{
		Name:     name,
		DirPin:   mc.DirPin,
		PWMPin:   mc.PWMPin,
		PWMFreq:  mc.PWMFreq,
		Reversed: mc.Reversed,
	}
}

// Close stops the motors and releases the hardware, most recently opened first.
func (rb *robot) Close() error {
	var err error
	if rb.driver != nil {
		err = multierr.Append(err, rb.driver.Stop())
	}
	for i := len(rb.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, rb.closers[i]())
	}
	rb.closers = nil
	return err
}
