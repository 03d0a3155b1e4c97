// Package rps reads the robot positioning system: an overhead tracker that
// reports the robot's course coordinates and heading over a serial link.
package rps

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/tarm/serial"

	"github.com/a3feh/coursebot/internal/debug"
)

// Sentinel values reported in place of a coordinate or heading.
const (
	// NotVisible means no valid reading is available.
	NotVisible = -1.0
	// DeadZone is reported by the tracker while the robot is in a zone it does not cover.
	DeadZone = -2.0
)

const (
	// maxLineBytes bounds a single protocol line.
	maxLineBytes = 256
	// quietBackoff spaces out reads while the link is silent.
	quietBackoff = 10 * time.Millisecond
)

// Config describes the serial link to the tracker.
type Config struct {
	Port       string
	Baud       int
	StaleAfter time.Duration // readings older than this are reported as NotVisible
}

// Reading is one pose report from the tracker.
type Reading struct {
	Position r2.Point  `json:"position"`
	Heading  float64   `json:"heading"`
	At       time.Time `json:"at"`
}

// Sensor keeps the latest tracker reading and serves it as X, Y and heading.
// Reads never block; stale or missing data yields the NotVisible sentinel.
type Sensor struct {
	mu         sync.Mutex
	clk        clock.Clock
	staleAfter time.Duration
	latest     Reading
	have       bool

	src       io.ReadCloser
	closeOnce sync.Once
	closeErr  error
}

// Open opens the serial port described by cfg.
func Open(cfg Config, clk clock.Clock) (*Sensor, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open rps port %s", cfg.Port)
	}
	debug.Info("RPS: listening on %s at %d baud", cfg.Port, cfg.Baud)
	return NewSensor(port, clk, cfg.StaleAfter), nil
}

// NewSensor creates a sensor fed from src. A nil src yields a sensor that is
// only updated through Update.
func NewSensor(src io.ReadCloser, clk clock.Clock, staleAfter time.Duration) *Sensor {
	return &Sensor{
		clk:        clk,
		staleAfter: staleAfter,
		src:        src,
	}
}

// ParseLine parses one protocol line: "x y heading", separated by spaces or commas.
func ParseLine(line string) (r2.Point, float64, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\r'
	})
	if len(fields) != 3 {
		return r2.Point{}, 0, errors.Errorf("rps line %q: want 3 fields, got %d", line, len(fields))
	}
	vals := make([]float64, 3)
	for i, f := range fields {
		v, err := cast.ToFloat64E(f)
		if err != nil {
			return r2.Point{}, 0, errors.Wrapf(err, "rps line %q: field %d", line, i)
		}
		vals[i] = v
	}
	return r2.Point{X: vals[0], Y: vals[1]}, vals[2], nil
}

// Update records a reading stamped with the current time.
func (s *Sensor) Update(pos r2.Point, heading float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = Reading{Position: pos, Heading: heading, At: s.clk.Now()}
	s.have = true
}

// Run consumes protocol lines from the serial source until ctx is done or the
// source fails. Malformed lines are logged and skipped; quiet periods are
// waited out.
func (s *Sensor) Run(ctx context.Context) error {
	if s.src == nil {
		<-ctx.Done()
		return nil
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	var pending []byte
	buf := make([]byte, 64)
	for {
		n, err := s.src.Read(buf)
		if ctx.Err() != nil {
			return nil
		}
		if n == 0 && err == io.EOF {
			// tarm/serial reports an expired read timeout as an empty EOF.
			select {
			case <-ctx.Done():
				return nil
			case <-s.clk.After(quietBackoff):
			}
			continue
		}
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			s.handleLine(string(pending[:i]))
			pending = pending[i+1:]
		}
		if len(pending) > maxLineBytes {
			debug.Warn("RPS: dropping %d bytes without newline", len(pending))
			pending = pending[:0]
		}
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "read rps")
		}
	}
}

func (s *Sensor) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	pos, heading, err := ParseLine(line)
	if err != nil {
		debug.Warn("RPS: %v", err)
		return
	}
	debug.Trace("RPS: x=%.2f y=%.2f heading=%.2f", pos.X, pos.Y, heading)
	s.Update(pos, heading)
}

// Latest returns the last reading and whether it is still fresh.
func (s *Sensor) Latest() (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.freshLocked()
}

func (s *Sensor) freshLocked() bool {
	if !s.have {
		return false
	}
	if s.staleAfter <= 0 {
		return true
	}
	return s.clk.Since(s.latest.At) <= s.staleAfter
}

// Heading returns the heading in degrees [0, 360), or a negative sentinel.
func (s *Sensor) Heading() float64 {
	r, ok := s.Latest()
	if !ok {
		return NotVisible
	}
	return r.Heading
}

// X returns the x course coordinate, or a negative sentinel.
func (s *Sensor) X() float64 {
	r, ok := s.Latest()
	if !ok {
		return NotVisible
	}
	return r.Position.X
}

// Y returns the y course coordinate, or a negative sentinel.
func (s *Sensor) Y() float64 {
	r, ok := s.Latest()
	if !ok {
		return NotVisible
	}
	return r.Position.Y
}

// Close releases the serial source. It is safe to call more than once.
func (s *Sensor) Close() error {
	if s.src == nil {
		return nil
	}
	s.closeOnce.Do(func() { s.closeErr = s.src.Close() })
	return s.closeErr
}
