// Package health runs the liveness checks: watchdog pinging, free-memory
// sampling, bounded reconnect attempts and the consecutive-error budget
// whose exhaustion is the only path to a full restart.
package health

import (
	"codeberg.org/mutker/fieldlogd/internal/clock"
	"codeberg.org/mutker/fieldlogd/internal/kvstore"
	"codeberg.org/mutker/fieldlogd/internal/logger"
	"codeberg.org/mutker/fieldlogd/internal/radio"
	"github.com/shirou/gopsutil/v3/mem"
)

// Watchdog is the hardware watchdog collaborator. A missed ping causes an
// unconditional hardware reset, the system-level fallback for any hang.
type Watchdog interface {
	Ping()
}

// Restarter performs the full restart when the error budget is exhausted.
type Restarter interface {
	Restart()
}

// Network is the client-mode connectivity collaborator: rejoin the
// configured network, or fall back to serving standalone.
type Network interface {
	Reconnect() error
	StartStandalone() error
}

// MemorySampler returns the free memory in bytes.
type MemorySampler func() (uint64, error)

func systemFreeMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}

	return vm.Available, nil
}

// FailureKind attributes a detected failure to its counter.
type FailureKind int

const (
	KindSensor FailureKind = iota
	KindStorage
	KindRadio
)

// Counters are persisted to the KV store right before an exhaustion restart
// so the post-mortem survives it.
type Counters struct {
	SensorErrors  uint32
	StorageErrors uint32
	RadioErrors   uint32
	Consecutive   uint32
}

const (
	keySensorErrors  = "sensor_errors"
	keyStorageErrors = "storage_errors"
	keyRadioErrors   = "radio_errors"
	keyConsecutive   = "consecutive"
)

type Config struct {
	// SleepEnabled loosens the cadence to once per wake; the caller invokes
	// Check explicitly after each wake in that mode.
	SleepEnabled bool
	// ClientMode enables reconnect supervision.
	ClientMode bool
	// MaxReconnects bounds reconnect attempts per check.
	MaxReconnects int
	// ErrorCeiling is the consecutive-error count that forces a restart.
	ErrorCeiling uint32
	// LowMemoryBytes is the free-memory warning threshold.
	LowMemoryBytes uint64
	// MaxIntervalMs caps the time between checks when sleep is disabled.
	MaxIntervalMs uint32
	// MeasurementsPerCheck triggers a check every N measurements when sleep
	// is disabled.
	MeasurementsPerCheck uint32
}

func DefaultConfig() Config {
	return Config{
		MaxReconnects:        3,
		ErrorCeiling:         5,
		LowMemoryBytes:       16 << 20,
		MaxIntervalMs:        600_000,
		MeasurementsPerCheck: 10,
	}
}

// Monitor owns the HealthCounters and the restart escalation.
type Monitor struct {
	cfg        Config
	wd         Watchdog
	restarter  Restarter
	network    Network
	rad        *radio.Controller
	freeMemory MemorySampler
	ns         *kvstore.Namespace

	counters   Counters
	lastCheck  uint32
	lastCount  uint32
	standalone bool
	restarted  bool
}

func New(cfg Config, wd Watchdog, restarter Restarter, network Network, rad *radio.Controller, ns *kvstore.Namespace) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		wd:         wd,
		restarter:  restarter,
		network:    network,
		rad:        rad,
		freeMemory: systemFreeMemory,
		ns:         ns,
	}
	m.loadCounters()

	return m
}

// SetMemorySampler overrides the gopsutil-backed sampler, used by tests.
func (m *Monitor) SetMemorySampler(sampler MemorySampler) {
	m.freeMemory = sampler
}

// loadCounters restores lifetime error totals; the consecutive count always
// starts fresh after a boot.
func (m *Monitor) loadCounters() {
	if m.ns == nil {
		return
	}
	m.counters.SensorErrors, _ = m.ns.GetUint32(keySensorErrors, 0)
	m.counters.StorageErrors, _ = m.ns.GetUint32(keyStorageErrors, 0)
	m.counters.RadioErrors, _ = m.ns.GetUint32(keyRadioErrors, 0)
}

func (m *Monitor) persistCounters() {
	if m.ns == nil {
		return
	}
	m.ns.PutUint32(keySensorErrors, m.counters.SensorErrors)
	m.ns.PutUint32(keyStorageErrors, m.counters.StorageErrors)
	m.ns.PutUint32(keyRadioErrors, m.counters.RadioErrors)
	m.ns.PutUint32(keyConsecutive, m.counters.Consecutive)
}

// Due reports whether a check should run this iteration. With sleep enabled
// the cadence is once per wake and the caller invokes Check directly.
func (m *Monitor) Due(now, measurementCount uint32) bool {
	if m.cfg.SleepEnabled {
		return false
	}
	if measurementCount-m.lastCount >= m.cfg.MeasurementsPerCheck {
		return true
	}

	return clock.Elapsed(now, m.lastCheck) >= m.cfg.MaxIntervalMs
}

// Check runs one health pass. The watchdog ping comes first and happens on
// every invocation regardless of outcome.
func (m *Monitor) Check(now, measurementCount uint32) {
	m.wd.Ping()
	m.lastCheck = now
	m.lastCount = measurementCount

	if free, err := m.freeMemory(); err == nil {
		if free < m.cfg.LowMemoryBytes {
			logger.Warn().Uint64("free_bytes", free).Msg("Free memory below threshold")
		}
	} else {
		logger.Warn().Err(err).Msg("Memory sampling failed")
	}

	if m.cfg.ClientMode && !m.standalone && m.rad != nil && m.rad.Enabled() && !m.rad.Connected() {
		if m.reconnect() {
			m.RecordSuccess()
		} else {
			m.RecordFailure(KindRadio)
		}
	} else {
		m.RecordSuccess()
	}
}

// reconnect makes a bounded number of attempts, pinging the watchdog between
// them, and falls back to standalone mode when all fail. The fallback is not
// fatal; the device keeps logging.
func (m *Monitor) reconnect() bool {
	for attempt := 1; attempt <= m.cfg.MaxReconnects; attempt++ {
		if err := m.network.Reconnect(); err == nil {
			logger.Info().Int("attempt", attempt).Msg("Reconnected to network")
			return true
		}
		m.wd.Ping()
	}

	logger.Warn().
		Int("attempts", m.cfg.MaxReconnects).
		Msg("Reconnect failed, falling back to standalone mode")
	if err := m.network.StartStandalone(); err != nil {
		logger.Error().Err(err).Msg("Standalone fallback failed")
	}
	m.standalone = true

	return false
}

// RecordFailure notes a detected failure. Reaching the consecutive-error
// ceiling persists the counters and performs the full restart, exactly once.
func (m *Monitor) RecordFailure(kind FailureKind) {
	switch kind {
	case KindSensor:
		m.counters.SensorErrors++
	case KindStorage:
		m.counters.StorageErrors++
	case KindRadio:
		m.counters.RadioErrors++
	}
	m.counters.Consecutive++

	if m.counters.Consecutive >= m.cfg.ErrorCeiling && !m.restarted {
		m.restarted = true
		logger.Error().
			Uint32("consecutive", m.counters.Consecutive).
			Msg("Consecutive error budget exhausted, restarting")
		m.persistCounters()
		m.restarter.Restart()
	}
}

// RecordSuccess resets the consecutive-error count.
func (m *Monitor) RecordSuccess() {
	m.counters.Consecutive = 0
}

func (m *Monitor) CountersSnapshot() Counters {
	return m.counters
}

// Standalone reports whether the monitor has fallen back to standalone mode.
func (m *Monitor) Standalone() bool {
	return m.standalone
}
