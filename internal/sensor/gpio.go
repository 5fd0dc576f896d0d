// Package sensor reads the filament motion and runout switches from sysfs GPIO value files.
package sensor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPollInterval is fast enough for a few hundred pulses per second.
	DefaultPollInterval = 2 * time.Millisecond
	readingBuffer       = 32
)

// PinPath turns a GPIO number into its sysfs value path; other values are used as paths.
func PinPath(value string) string {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil && n >= 0 {
		return fmt.Sprintf("/sys/class/gpio/gpio%d/value", n)
	}
	return value
}

// Pin is one input line.
type Pin struct {
	Path   string
	Invert bool
}

// Read returns the logical level of the pin.
func (p Pin) Read() (bool, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return false, fmt.Errorf("failed to read pin %s: %w", p.Path, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return false, fmt.Errorf("failed to read pin %s: empty value", p.Path)
	}
	high := data[0] != '0'
	if p.Invert {
		high = !high
	}
	return high, nil
}

// EdgeDetector reports low-to-high transitions.
type EdgeDetector struct {
	last   bool
	primed bool
}

// Rising records level and reports whether it completes a rising edge.
// The first sample only primes the detector.
func (e *EdgeDetector) Rising(level bool) bool {
	if !e.primed {
		e.primed = true
		e.last = level
		return false
	}
	rising := level && !e.last
	e.last = level
	return rising
}

// Reading is what changed since the previous reading.
type Reading struct {
	Pulses    int
	HasRunout bool
	Runout    bool
}

// Logger receives sensor log lines.
type Logger interface {
	Logf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...any) {}

// Config selects the pins.
type Config struct {
	Motion       Pin
	Runout       Pin
	PollInterval time.Duration
}

// Poller samples the pins and accumulates motion edges between readings.
type Poller struct {
	cfg   Config
	log   Logger
	edges EdgeDetector

	pending    int
	runout     bool
	runoutSeen bool
	failing    bool
}

// NewPoller creates a poller. An empty runout path disables the runout switch.
func NewPoller(cfg Config, log Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = nopLogger{}
	}
	return &Poller{cfg: cfg, log: log}
}

// Sample reads the pins once and returns the accumulated change, if any.
// The runout switch reads low when no filament is present.
func (p *Poller) Sample() (Reading, bool, error) {
	level, err := p.cfg.Motion.Read()
	if err != nil {
		return Reading{}, false, err
	}
	if p.edges.Rising(level) {
		p.pending++
	}

	var r Reading
	if p.cfg.Runout.Path != "" {
		present, err := p.cfg.Runout.Read()
		if err != nil {
			return Reading{}, false, err
		}
		if !p.runoutSeen || p.runout == present {
			r.HasRunout = true
			r.Runout = !present
			p.runout = !present
			p.runoutSeen = true
		}
	}
	if p.pending == 0 && !r.HasRunout {
		return Reading{}, false, nil
	}
	r.Pulses = p.pending
	p.pending = 0
	return r, true, nil
}

// Run polls until ctx is done and delivers changes on the returned channel.
// A reading that cannot be delivered immediately is merged into the next one.
func (p *Poller) Run(ctx context.Context) <-chan Reading {
	out := make(chan Reading, readingBuffer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		var held Reading
		holding := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			r, ok, err := p.Sample()
			if err != nil {
				if !p.failing {
					p.log.Logf("Sensor read failed: %v", err)
					p.failing = true
				}
				continue
			}
			if p.failing {
				p.log.Logf("Sensor reads recovered")
				p.failing = false
			}
			if !ok && !holding {
				continue
			}
			if ok {
				held = merge(held, r)
				holding = true
			}
			select {
			case out <- held:
				held = Reading{}
				holding = false
			default:
			}
		}
	}()
	return out
}

func merge(a, b Reading) Reading {
	a.Pulses += b.Pulses
	if b.HasRunout {
		a.HasRunout = true
		a.Runout = b.Runout
	}
	return a
}
