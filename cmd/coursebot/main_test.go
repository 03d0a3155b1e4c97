package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/a3feh/coursebot/internal/config"
	"github.com/a3feh/coursebot/internal/debug"
	"github.com/a3feh/coursebot/internal/logic/course"
)

const testConfig = `
calibration:
  encoder_counts_per_rev: 318
  wheel_radius_in: 1.25
  robot_width_in: 8.0
correction:
  pulse_ms: 50
  settle_ms: 50
hardware:
  mock: true
defaults:
  debug_level: 0
`

const testCourses = `
courses:
  - name: hop
    percent: 100
    steps:
      - {kind: heading, target: 90}
      - {kind: forward, inches: 2}
      - {kind: check_y, target: 20}
  - name: idle
    steps:
      - {kind: wait, seconds: 0.05}
`

// writeFixtures creates <tmp>/configs/test.yaml and a course file.
func writeFixtures(t *testing.T) (cfgPath, coursePath string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "configs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath = filepath.Join(dir, "test.yaml")
	coursePath = filepath.Join(dir, "courses.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(coursePath, []byte(testCourses), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, coursePath
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { debug.Init(debug.LevelOff) })
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.RunContext(context.Background(), append([]string{"coursebot"}, args...))
	return out.String(), err
}

// ---------- applyOverrides / validatePort ----------

func TestApplyOverrides(t *testing.T) {
	cfg := &config.Config{Defaults: config.DefaultsConfig{DebugLevel: 2}}
	if err := applyOverrides(cfg, -1, false); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if cfg.Defaults.DebugLevel != 2 || cfg.Hardware.Mock {
		t.Errorf("negative debug and no mock should leave config unchanged: %+v", cfg.Defaults)
	}

	if err := applyOverrides(cfg, 4, true); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if cfg.Defaults.DebugLevel != 4 || !cfg.Hardware.Mock {
		t.Errorf("overrides not applied: debug=%d mock=%v", cfg.Defaults.DebugLevel, cfg.Hardware.Mock)
	}

	if err := applyOverrides(cfg, 5, false); err == nil {
		t.Error("expected error for debug level 5")
	}
}

func TestValidatePort(t *testing.T) {
	for _, p := range []int{0, 1, 8080, 65535} {
		if err := validatePort(p); err != nil {
			t.Errorf("port %d: %v", p, err)
		}
	}
	for _, p := range []int{-1, 65536, 100000} {
		if err := validatePort(p); err == nil {
			t.Errorf("port %d: expected error", p)
		}
	}
}

// ---------- buildRobot ----------

func TestBuildRobot_Mock(t *testing.T) {
	cfgPath, _ := writeFixtures(t)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rb, err := buildRobot(cfg, clock.NewMock())
	if err != nil {
		t.Fatalf("buildRobot: %v", err)
	}
	defer rb.Close()

	if len(rb.tasks) != 0 {
		t.Errorf("simulated robot should have no background tasks, got %d", len(rb.tasks))
	}
	reading, ok := rb.pose()
	if !ok || reading.Position != simStart || math.Abs(reading.Heading-simStartHeading) > 1e-9 {
		t.Errorf("pose = %+v, %v", reading, ok)
	}

	courses, err := course.Parse([]byte(testCourses))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cc := consoleConfig(cfg, rb, courses)
	if cc.PulseMs != 50 || len(cc.Courses) != 2 || cc.Courses[0] != "hop" {
		t.Errorf("console config = %+v", cc)
	}
	if cc.CountsPerInch < 40.48 || cc.CountsPerInch > 40.50 {
		t.Errorf("CountsPerInch = %v", cc.CountsPerInch)
	}
}

// ---------- commands ----------

func TestTargetsCommand(t *testing.T) {
	cfgPath, _ := writeFixtures(t)
	out, err := runApp(t, "--config", cfgPath, "targets", "--inches", "10", "--degrees", "90")
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	for _, want := range []string{"counts per inch: 40.489", "forward 10in: 404.89 counts", "turn 90 deg: 254.40"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestPoseCommand_Mock(t *testing.T) {
	cfgPath, _ := writeFixtures(t)
	out, err := runApp(t, "--config", cfgPath, "pose")
	if err != nil {
		t.Fatalf("pose: %v", err)
	}
	if !strings.Contains(out, "x=18.00 y=18.00 heading=90.00") {
		t.Errorf("output = %q", out)
	}
}

func TestRunCommand_Mock(t *testing.T) {
	cfgPath, coursePath := writeFixtures(t)
	if _, err := runApp(t, "--config", cfgPath, "--mock", "run", "--courses", coursePath, "hop"); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunCommand_FirstCourseByDefault(t *testing.T) {
	cfgPath, coursePath := writeFixtures(t)
	if _, err := runApp(t, "--config", cfgPath, "run", "--courses", coursePath); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunCommand_NamedCourse(t *testing.T) {
	cfgPath, coursePath := writeFixtures(t)
	if _, err := runApp(t, "--config", cfgPath, "run", "--courses", coursePath, "idle"); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunCommand_Errors(t *testing.T) {
	cfgPath, coursePath := writeFixtures(t)
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"unknown course", []string{"--config", cfgPath, "run", "--courses", coursePath, "nope"}, "not found"},
		{"config outside configs/", []string{"--config", "default.yaml", "run"}, "configs/"},
		{"bad port", []string{"--config", cfgPath, "run", "--courses", coursePath, "--web", "70000"}, "port"},
		{"bad debug", []string{"--config", cfgPath, "--debug", "9", "run", "--courses", coursePath}, "--debug"},
		{"missing course file", []string{"--config", cfgPath, "run", "--courses", coursePath + ".missing"}, "course file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runApp(t, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestInterrupted(t *testing.T) {
	live := context.Background()
	stopped, cancel := context.WithCancel(context.Background())
	cancel()

	if err := interrupted(live, context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation without an interrupt must surface, got %v", err)
	}
	for _, err := range []error{context.Canceled, context.DeadlineExceeded, errors.Wrap(context.DeadlineExceeded, "shutdown")} {
		if got := interrupted(stopped, err); got != nil {
			t.Errorf("interrupted(%v) = %v, want nil", err, got)
		}
	}
	boom := errors.New("motor fault")
	if got := interrupted(stopped, boom); got != boom {
		t.Errorf("real failure after interrupt must surface, got %v", got)
	}
}
