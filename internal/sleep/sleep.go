// Package sleep orchestrates low-power suspension and wake restoration.
// Buffered records are deliberately not flushed before sleeping: they stay
// durable in the KV store regardless, and flushing on every sleep would
// defeat the wear-reduction purpose of buffering.
package sleep

import (
	"time"

	"codeberg.org/mutker/fieldlogd/internal/errors"
	"codeberg.org/mutker/fieldlogd/internal/logger"
	"codeberg.org/mutker/fieldlogd/internal/radio"
)

// RetainedState is the small fixed record surviving sleep only, not full
// power loss. Anything that must survive power loss belongs in the KV store.
type RetainedState struct {
	MeasurementCount uint32
	TimeInitialized  bool
	LastEpoch        int64
	BootCount        uint32
	ErrorCount       uint32
}

// Region models the sleep-retained memory region: a single fixed-layout
// slot that persists across Suspend and is invalid after a cold start.
type Region struct {
	state RetainedState
	valid bool
}

func (r *Region) Save(state RetainedState) {
	r.state = state
	r.valid = true
}

func (r *Region) Load() (RetainedState, bool) {
	return r.state, r.valid
}

// System is the suspend collaborator. Suspend blocks until the armed wake
// timer fires; nothing executes in between.
type System interface {
	Suspend(wakeAfter time.Duration) error
}

type Config struct {
	// Enabled gates sleep mode.
	Enabled bool
	// Interval is the wake timer duration, normally the measurement interval.
	Interval time.Duration
	// USBThresholdVolts separates battery power from USB power. Readings at
	// or above it mean an external supply is present.
	USBThresholdVolts float64
}

func DefaultConfig() Config {
	return Config{
		Interval:          60 * time.Second,
		USBThresholdVolts: 5.0,
	}
}

// Controller reads and writes the retained region and drives suspension. It
// never triggers a buffer flush as a side effect of sleeping.
type Controller struct {
	cfg    Config
	region *Region
	system System
	rad    *radio.Controller
}

func New(cfg Config, region *Region, system System, rad *radio.Controller) *Controller {
	if cfg.USBThresholdVolts == 0 {
		cfg.USBThresholdVolts = 5.0
	}

	return &Controller{
		cfg:    cfg,
		region: region,
		system: system,
		rad:    rad,
	}
}

// ShouldSleep reports whether the gate holds: sleep mode configured and the
// power source inferred as battery from the supplied voltage reading.
func (c *Controller) ShouldSleep(batteryVolts float64) bool {
	return c.cfg.Enabled && batteryVolts < c.cfg.USBThresholdVolts
}

// Sleep persists the retained state, powers down the radio if active, arms
// the wake timer and suspends. It returns once the wake timer has fired.
func (c *Controller) Sleep(state RetainedState) error {
	logger.Info().
		Dur("wake_after", c.cfg.Interval).
		Uint32("measurement_count", state.MeasurementCount).
		Msg("Entering deep sleep")

	c.region.Save(state)

	if c.rad != nil && c.rad.Enabled() {
		if err := c.rad.Disable(); err != nil {
			logger.Warn().Err(err).Msg("Radio power-down before sleep failed")
		}
	}

	if err := c.system.Suspend(c.cfg.Interval); err != nil {
		return errors.New().Wrap(ErrSuspendFailed, err)
	}

	return nil
}

// Wake restores the retained state. When a wall-clock epoch was known before
// sleeping, the sleep duration is added to reconstruct an approximate time;
// precise correction is deferred to the next time sync.
func (c *Controller) Wake() (RetainedState, bool) {
	state, ok := c.region.Load()
	if !ok {
		return RetainedState{}, false
	}

	if state.TimeInitialized {
		state.LastEpoch += int64(c.cfg.Interval / time.Second)
	}
	logger.Debug().
		Uint32("measurement_count", state.MeasurementCount).
		Bool("time_initialized", state.TimeInitialized).
		Msg("Restored retained state after wake")

	return state, true
}
