// Package radio implements the enable/disable power state machine for the
// network radio. Disabling fully powers the hardware down; re-enabling is
// requested by an edge-triggered wake signal whose interrupt handler does
// nothing but latch a flag for the main loop.
package radio

import (
	"sync/atomic"

	"codeberg.org/mutker/fieldlogd/internal/clock"
	"codeberg.org/mutker/fieldlogd/internal/errors"
	"codeberg.org/mutker/fieldlogd/internal/logger"
)

// Hardware is the radio driver collaborator. PowerOn performs the full
// re-initialization (reconnect or restart the standalone access point);
// PowerOff powers the hardware down completely, not idle. Connected reports
// an associated peer or an established outbound session.
type Hardware interface {
	PowerOn() error
	PowerOff() error
	Connected() bool
}

type Config struct {
	// TimeoutMs disables the radio after this long without observed activity.
	TimeoutMs uint32
	// DebounceMs suppresses wake edges arriving closer together than this.
	DebounceMs uint32
}

func DefaultConfig() Config {
	return Config{
		TimeoutMs:  180_000,
		DebounceMs: 50,
	}
}

// Controller owns the RadioState. Everything except the two atomics is
// touched only by the main loop; the atomics are written by EdgeISR and
// consumed by Poll, the single interrupt/loop handoff in the system.
type Controller struct {
	cfg Config
	hw  Hardware

	enabled      bool
	lastActivity uint32

	wakePending atomic.Bool
	lastEdge    atomic.Uint32
}

// New assumes the radio was brought up during boot, mirroring the power-on
// path where the network starts enabled.
func New(cfg Config, hw Hardware, now uint32) *Controller {
	return &Controller{
		cfg:          cfg,
		hw:           hw,
		enabled:      true,
		lastActivity: now,
	}
}

// EdgeISR runs in interrupt context. It debounces against the last-edge
// timestamp and latches the wake flag; no radio operation happens here.
func (c *Controller) EdgeISR(now uint32) {
	last := c.lastEdge.Load()
	if last != 0 && clock.Elapsed(now, last) < c.cfg.DebounceMs {
		return
	}
	c.lastEdge.Store(now)
	c.wakePending.Store(true)
}

// Poll consumes a pending wake request and evaluates the inactivity timeout.
// Called once per loop iteration.
func (c *Controller) Poll(now uint32) error {
	if c.wakePending.Swap(false) {
		if err := c.Enable(now); err != nil {
			return err
		}
	}

	if c.enabled && clock.Elapsed(now, c.lastActivity) >= c.cfg.TimeoutMs {
		if c.hw.Connected() {
			// Activity observed: re-arm instead of transitioning.
			c.lastActivity = now
		} else {
			logger.Info().Msg("Radio timeout with no activity, powering down")
			return c.Disable()
		}
	}

	return nil
}

// Enable re-initializes the radio and re-arms the timeout timer. A no-op
// when already enabled.
func (c *Controller) Enable(now uint32) error {
	if c.enabled {
		return nil
	}

	if err := c.hw.PowerOn(); err != nil {
		return errors.New().Wrap(ErrPowerOnFailed, err)
	}
	c.enabled = true
	c.lastActivity = now
	logger.Info().Msg("Radio enabled")

	return nil
}

// Disable powers the radio down. A no-op when already disabled.
func (c *Controller) Disable() error {
	if !c.enabled {
		return nil
	}

	if err := c.hw.PowerOff(); err != nil {
		return errors.New().Wrap(ErrPowerOffFailed, err)
	}
	c.enabled = false
	logger.Info().Msg("Radio disabled")

	return nil
}

func (c *Controller) Enabled() bool {
	return c.enabled
}

// Connected reports hardware connectivity while enabled.
func (c *Controller) Connected() bool {
	return c.enabled && c.hw.Connected()
}

// Touch records observed activity from the serving path, deferring the
// timeout.
func (c *Controller) Touch(now uint32) {
	if c.enabled {
		c.lastActivity = now
	}
}
