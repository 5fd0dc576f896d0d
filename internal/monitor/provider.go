package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/policy"
)

const calibrationTimeout = 5 * time.Second

// CalibrationStore persists the sensor calibration.
type CalibrationStore interface {
	LoadCalibration(ctx context.Context) (model.Calibration, bool, error)
	SaveCalibration(ctx context.Context, cal model.Calibration) error
}

// Pinned marks calibration values set explicitly on the command line.
// Pinned values are never replaced by the persisted calibration.
type Pinned struct {
	MmPerPulse    bool
	AutoCalibrate bool
}

// Provider yields the policy config for each tick: the loaded settings with the
// persisted calibration laid over them.
type Provider struct {
	mu     sync.Mutex
	load   func() (policy.Config, error)
	store  CalibrationStore
	pinned Pinned
	now    func() time.Time

	base policy.Config
	cal  *model.Calibration
}

// NewProvider loads the settings once. store may be nil.
func NewProvider(load func() (policy.Config, error), store CalibrationStore, pinned Pinned) (*Provider, error) {
	p := &Provider{load: load, store: store, pinned: pinned, now: time.Now}
	base, err := load()
	if err != nil {
		return nil, err
	}
	p.base = base
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), calibrationTimeout)
		defer cancel()
		cal, ok, err := store.LoadCalibration(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load calibration: %w", err)
		}
		if ok {
			p.cal = &cal
		}
	}
	return p, nil
}

// Current returns the effective config.
func (p *Provider) Current() policy.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.base
	if p.cal == nil {
		return cfg
	}
	if !p.pinned.MmPerPulse && p.cal.MmPerPulse > 0 {
		cfg.MmPerPulse = p.cal.MmPerPulse
	}
	if !p.pinned.AutoCalibrate {
		cfg.AutoCalibrate = p.cal.AutoCalibrate
	}
	return cfg
}

// Reload re-reads the settings. The previous settings stay active on error.
func (p *Provider) Reload() error {
	base, err := p.load()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.base = base
	p.mu.Unlock()
	return nil
}

// SaveCalibration persists a new mm/pulse and turns auto-calibration off.
func (p *Provider) SaveCalibration(mmPerPulse float64) error {
	cal := model.Calibration{MmPerPulse: mmPerPulse, UpdatedAt: p.now()}
	if p.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), calibrationTimeout)
		defer cancel()
		if err := p.store.SaveCalibration(ctx, cal); err != nil {
			return fmt.Errorf("failed to save calibration: %w", err)
		}
	}
	p.mu.Lock()
	p.cal = &cal
	p.mu.Unlock()
	return nil
}
