// Package course runs data-driven courses: ordered lists of drive primitives
// and pose corrections loaded from YAML.
package course

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MaxCourseFileBytes bounds the size of a course file accepted by LoadFile.
const MaxCourseFileBytes = 256 * 1024

// DefaultPercent is the drive power used when neither the step nor the course sets one.
const DefaultPercent = 35

// Kind names a course step.
type Kind string

const (
	Forward        Kind = "forward"
	ForwardSeconds Kind = "forward_seconds"
	TurnLeft       Kind = "turn_left"
	TurnRight      Kind = "turn_right"
	Heading        Kind = "heading"
	CheckX         Kind = "check_x"
	CheckY         Kind = "check_y"
	Wait           Kind = "wait"
)

// Step is one maneuver of a course.
type Step struct {
	Kind     Kind    `yaml:"kind" json:"kind"`
	Percent  int     `yaml:"percent,omitempty" json:"percent,omitempty"`
	Inches   float64 `yaml:"inches,omitempty" json:"inches,omitempty"`
	Degrees  float64 `yaml:"degrees,omitempty" json:"degrees,omitempty"`
	Seconds  float64 `yaml:"seconds,omitempty" json:"seconds,omitempty"`
	Target   float64 `yaml:"target,omitempty" json:"target,omitempty"`
	Optional bool    `yaml:"optional,omitempty" json:"optional,omitempty"` // errors other than cancellation are logged and skipped
}

// Course is a named sequence of steps.
type Course struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Percent     int    `yaml:"percent,omitempty" json:"percent,omitempty"` // default drive power
	Steps       []Step `yaml:"steps" json:"steps"`
}

type file struct {
	Courses []Course `yaml:"courses"`
}

// Duration returns Seconds as a duration.
func (s Step) Duration() time.Duration {
	return time.Duration(s.Seconds * float64(time.Second))
}

func (s Step) String() string {
	switch s.Kind {
	case Forward:
		return fmt.Sprintf("forward %.2fin at %d%%", s.Inches, s.Percent)
	case ForwardSeconds:
		return fmt.Sprintf("forward %.2fs at %d%%", s.Seconds, s.Percent)
	case TurnLeft, TurnRight:
		return fmt.Sprintf("%s %.1f° at %d%%", s.Kind, s.Degrees, s.Percent)
	case Heading, CheckX, CheckY:
		return fmt.Sprintf("%s %.2f", s.Kind, s.Target)
	case Wait:
		return fmt.Sprintf("wait %.2fs", s.Seconds)
	}
	return string(s.Kind)
}

// Validate checks that the step carries the fields its kind needs.
func (s Step) Validate() error {
	switch s.Kind {
	case Forward:
		if s.Inches == 0 {
			return errors.New("forward: inches is required")
		}
	case ForwardSeconds:
		if s.Seconds <= 0 {
			return errors.New("forward_seconds: seconds must be > 0")
		}
	case TurnLeft, TurnRight:
		if s.Degrees == 0 {
			return errors.Errorf("%s: degrees is required", s.Kind)
		}
	case Heading:
		if s.Target < 0 || s.Target >= 360 {
			return errors.Errorf("heading: target must be in [0, 360), got %.2f", s.Target)
		}
	case CheckX, CheckY:
		if s.Target <= 0 {
			return errors.Errorf("%s: target must be > 0, got %.2f", s.Kind, s.Target)
		}
	case Wait:
		if s.Seconds <= 0 {
			return errors.New("wait: seconds must be > 0")
		}
	default:
		return errors.Errorf("unknown step kind %q", s.Kind)
	}
	if s.Percent < -100 || s.Percent > 100 {
		return errors.Errorf("%s: percent must be between -100 and 100, got %d", s.Kind, s.Percent)
	}
	return nil
}

// Validate checks the course and every step.
func (c *Course) Validate() error {
	if c.Name == "" {
		return errors.New("course name is required")
	}
	if len(c.Steps) == 0 {
		return errors.Errorf("course %q has no steps", c.Name)
	}
	if c.Percent < 0 || c.Percent > 100 {
		return errors.Errorf("course %q: percent must be between 0 and 100, got %d", c.Name, c.Percent)
	}
	for i, s := range c.Steps {
		if err := s.Validate(); err != nil {
			return errors.Wrapf(err, "course %q step %d", c.Name, i+1)
		}
	}
	return nil
}

// Parse decodes a course file.
func Parse(data []byte) ([]Course, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "unmarshal courses")
	}
	if len(f.Courses) == 0 {
		return nil, errors.New("no courses defined")
	}
	seen := map[string]bool{}
	for i := range f.Courses {
		c := &f.Courses[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.Name] {
			return nil, errors.Errorf("duplicate course %q", c.Name)
		}
		seen[c.Name] = true
	}
	return f.Courses, nil
}

// LoadFile reads and validates a course file.
func LoadFile(path string) ([]Course, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat course file")
	}
	if info.Size() > MaxCourseFileBytes {
		return nil, errors.Errorf("course file is %d bytes, limit is %d", info.Size(), MaxCourseFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read course file")
	}
	return Parse(data)
}

// Find returns the course called name, or the first course when name is empty.
func Find(courses []Course, name string) (*Course, error) {
	if name == "" && len(courses) > 0 {
		return &courses[0], nil
	}
	for i := range courses {
		if courses[i].Name == name {
			return &courses[i], nil
		}
	}
	return nil, errors.Errorf("course %q not found", name)
}

// Names lists the course names in file order.
func Names(courses []Course) []string {
	names := make([]string, 0, len(courses))
	for _, c := range courses {
		names = append(names, c.Name)
	}
	return names
}
