// Package encoder counts wheel encoder transitions on a GPIO input.
package encoder

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/a3feh/coursebot/internal/debug"
	"github.com/a3feh/coursebot/internal/hw/gpio"
)

// Config holds the wiring of a single-channel encoder.
type Config struct {
	Name         string
	Pin          int
	SamplePeriod time.Duration // 0 defaults to 100µs
}

// Encoder counts every level transition of its input since the last Reset.
// Sampling runs in Run; Count and Reset are safe to call from another goroutine.
type Encoder struct {
	gpio   gpio.Driver
	cfg    Config
	clk    clock.Clock
	count  *atomic.Int64
	last   gpio.Level
	primed bool
}

// NewEncoder configures the input pin of an encoder.
func NewEncoder(g gpio.Driver, clk clock.Clock, cfg Config) (*Encoder, error) {
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = 100 * time.Microsecond
	}
	if err := g.SetupPin(cfg.Pin, gpio.Input); err != nil {
		return nil, fmt.Errorf("encoder %s: setup pin: %w", cfg.Name, err)
	}
	return &Encoder{
		gpio:  g,
		cfg:   cfg,
		clk:   clk,
		count: atomic.NewInt64(0),
	}, nil
}

// Sample reads the input once and counts a transition if the level changed.
func (e *Encoder) Sample() error {
	level, err := e.gpio.ReadPin(e.cfg.Pin)
	if err != nil {
		return err
	}
	if e.primed && level != e.last {
		e.count.Inc()
	}
	e.last = level
	e.primed = true
	return nil
}

// Run samples the input every sample period until ctx is done.
func (e *Encoder) Run(ctx context.Context) error {
	debug.Verbose("Encoder %s: sampling pin %d every %v", e.cfg.Name, e.cfg.Pin, e.cfg.SamplePeriod)
	ticker := e.clk.Ticker(e.cfg.SamplePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Sample(); err != nil {
				return fmt.Errorf("encoder %s: %w", e.cfg.Name, err)
			}
		}
	}
}

// Count returns the number of transitions since the last Reset.
func (e *Encoder) Count() (int, error) {
	return int(e.count.Load()), nil
}

// Reset zeroes the transition count.
func (e *Encoder) Reset() error {
	e.count.Store(0)
	return nil
}
