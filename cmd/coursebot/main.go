package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/a3feh/coursebot/internal/config"
	"github.com/a3feh/coursebot/internal/debug"
	"github.com/a3feh/coursebot/internal/hw/rps"
	"github.com/a3feh/coursebot/internal/logic/course"
	"github.com/a3feh/coursebot/internal/logic/geometry"
	"github.com/a3feh/coursebot/internal/web"
)

const (
	flagConfig  = "config"
	flagCourses = "courses"
	flagWeb     = "web"
	flagDebug   = "debug"
	flagMock    = "mock"
	flagInches  = "inches"
	flagDegrees = "degrees"
	flagWait    = "wait"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		debug.Sync()
		log.Fatalf("coursebot: %v", err)
	}
	debug.Sync()
}

func newApp() *cli.App {
	return &cli.App{
		Name:            "coursebot",
		Usage:           "drive a differential-drive robot through competition courses",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   filepath.Join("configs", "default.yaml"),
				Usage:   "load configuration from `FILE`",
			},
			&cli.IntFlag{
				Name:  flagDebug,
				Value: -1,
				Usage: "override defaults.debug_level (0-4)",
			},
			&cli.BoolFlag{
				Name:  flagMock,
				Usage: "drive the simulated robot instead of the GPIO hardware",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run a course from the course file, or serve the web console",
				ArgsUsage: "[course]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagCourses,
						Usage: "course `FILE` (defaults.course_file when empty)",
					},
					&cli.IntFlag{
						Name:  flagWeb,
						Usage: "serve the web console on `PORT` instead of running a course (0 disables)",
					},
				},
				Action: runAction,
			},
			{
				Name:  "targets",
				Usage: "print the encoder count targets implied by the calibration",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: flagInches, Value: 10, Usage: "straight-line distance"},
					&cli.Float64Flag{Name: flagDegrees, Value: 90, Usage: "in-place rotation"},
				},
				Action: targetsAction,
			},
			{
				Name:  "pose",
				Usage: "print the current position sensor reading",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: flagWait, Value: 2 * time.Second, Usage: "how long to wait for a fresh reading"},
				},
				Action: poseAction,
			},
		},
	}
}

// loadConfig loads the config file named by the global flags and applies the
// command-line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(flagConfig)
	if err := config.ValidateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := applyOverrides(cfg, c.Int(flagDebug), c.Bool(flagMock)); err != nil {
		return nil, err
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", path)
	debug.Value("Debug level", debug.Level())
	debug.Value("Mock hardware", cfg.Hardware.Mock)
	return cfg, nil
}

// applyOverrides mutates cfg with the command-line overrides. A negative
// debug level keeps the configured one.
func applyOverrides(cfg *config.Config, debugLevel int, mock bool) error {
	if debugLevel >= 0 {
		if debugLevel > debug.LevelTrace {
			return errors.Errorf("--debug must be between 0 and %d, got %d", debug.LevelTrace, debugLevel)
		}
		cfg.Defaults.DebugLevel = debugLevel
	}
	if mock {
		cfg.Hardware.Mock = true
	}
	return nil
}

// validatePort checks a --web port; 0 disables the console.
func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return errors.Errorf("port must be 1-65535, got %d", port)
	}
	return nil
}

func runAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	port := c.Int(flagWeb)
	if err := validatePort(port); err != nil {
		return err
	}

	coursePath := c.String(flagCourses)
	if coursePath == "" {
		coursePath = cfg.Defaults.CourseFile
	}
	courses, err := course.LoadFile(coursePath)
	if err != nil {
		return err
	}
	debug.Value("Courses", course.Names(courses))

	rb, err := buildRobot(cfg, clock.New())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, rb.Close()) }()

	runner := course.NewRunner(rb.driver, rb.corrector, rb.clk)
	runCourse := func(ctx context.Context, name string) error {
		cs, err := course.Find(courses, name)
		if err != nil {
			return err
		}
		res, err := runner.Run(ctx, cs)
		debug.Summary(fmt.Sprintf("Course %s: %d completed, %d skipped in %s",
			res.Course, res.Completed, len(res.Skipped), res.Elapsed.Round(time.Millisecond)))
		return err
	}

	ctx, stop := context.WithCancel(c.Context)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range rb.tasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}

	if port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		srv, err := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, web.Deps{
			Run:    runCourse,
			Pose:   rb.pose,
			Config: consoleConfig(cfg, rb, courses),
			Clock:  rb.clk,
		})
		if err != nil {
			stop()
			return multierr.Append(err, g.Wait())
		}
		g.Go(func() error { return srv.Run(gctx) })
	} else {
		g.Go(func() error {
			defer stop()
			return runCourse(gctx, c.Args().First())
		})
	}

	return interrupted(c.Context, g.Wait())
}

// interrupted drops the cancellation errors a run reports after the process
// was asked to stop.
func interrupted(parent context.Context, err error) error {
	if parent.Err() == nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		debug.Info("interrupted")
		return nil
	}
	return err
}

func consoleConfig(cfg *config.Config, rb *robot, courses []course.Course) web.ConsoleConfig {
	th := rb.corrector.Thresholds()
	return web.ConsoleConfig{
		CountsPerInch:         rb.counts.CountsPerInch(),
		WheelRadiusIn:         cfg.Calibration.WheelRadiusIn,
		RobotWidthIn:          cfg.Calibration.RobotWidthIn,
		BackwardCalibratorPct: cfg.Calibration.BackwardCalibratorPct,
		TurnSlipFactor:        cfg.Calibration.TurnSlipFactor,
		HeadingToleranceDeg:   th.HeadingTolerance,
		PositionTolerance:     th.PositionTolerance,
		PulsePercent:          th.PulsePercent,
		PulseMs:               int(th.PulseDuration.Milliseconds()),
		SettleMs:              int(th.SettleDelay.Milliseconds()),
		Courses:               course.Names(courses),
	}
}

func targetsAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	counts := geometry.NewCountsCalculator(cfg)

	inches, degrees := c.Float64(flagInches), c.Float64(flagDegrees)
	w := c.App.Writer
	fmt.Fprintf(w, "counts per inch: %.3f\n", counts.CountsPerInch())
	fmt.Fprintf(w, "forward %gin: %.2f counts\n", inches, counts.LinearTarget(inches))
	fmt.Fprintf(w, "turn %g deg: %.2f counts per wheel\n", degrees, counts.TurnTarget(degrees))
	return nil
}

func poseAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	rb, err := buildRobot(cfg, clock.New())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, rb.Close()) }()

	ctx, stop := context.WithTimeout(c.Context, c.Duration(flagWait))
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range rb.tasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}

	var (
		reading rps.Reading
		visible bool
	)
	poll := rb.clk.Ticker(50 * time.Millisecond)
	defer poll.Stop()
wait:
	for {
		if reading, visible = rb.pose(); visible {
			break
		}
		select {
		case <-gctx.Done():
			break wait
		case <-poll.C:
		}
	}
	stop()
	if err := g.Wait(); err != nil {
		return err
	}

	w := c.App.Writer
	if !visible {
		fmt.Fprintln(w, "not visible")
		return nil
	}
	fmt.Fprintf(w, "x=%.2f y=%.2f heading=%.2f\n", reading.Position.X, reading.Position.Y, reading.Heading)
	return nil
}
