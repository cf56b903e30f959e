// Package device wires the logger core together and drives it from a single
// cooperative control loop. All component state hangs off the Device; there
// is no package-level mutable state anywhere in the core.
package device

import (
	"context"
	"io"
	"time"

	"codeberg.org/mutker/fieldlogd/internal/buffer"
	"codeberg.org/mutker/fieldlogd/internal/clock"
	"codeberg.org/mutker/fieldlogd/internal/config"
	"codeberg.org/mutker/fieldlogd/internal/errors"
	"codeberg.org/mutker/fieldlogd/internal/flush"
	"codeberg.org/mutker/fieldlogd/internal/health"
	"codeberg.org/mutker/fieldlogd/internal/kvstore"
	"codeberg.org/mutker/fieldlogd/internal/logger"
	"codeberg.org/mutker/fieldlogd/internal/radio"
	"codeberg.org/mutker/fieldlogd/internal/sink"
	"codeberg.org/mutker/fieldlogd/internal/sleep"
)

const (
	// loopTick is the polling granularity of the control loop.
	loopTick = 100 * time.Millisecond

	// measurementPersistEvery limits lifetime-counter writes to at most one
	// per this many successful measurements, to limit flash wear.
	measurementPersistEvery = 10

	// resyncIntervalMs is the wall-clock resync cadence (12 hours).
	resyncIntervalMs = 12 * 60 * 60 * 1000

	measurementsNamespace = "measurements"
	countKey              = "count"
	bootsKey              = "boots"
)

// Source is the sensor collaborator. It supplies a pre-rendered record and a
// separately pre-rendered header; the core treats both as opaque text.
type Source interface {
	Read() (header, record string, err error)
}

// TimeSyncer is the network time collaborator.
type TimeSyncer interface {
	Sync() (time.Time, error)
}

// Options carries the wired components and collaborators.
type Options struct {
	Config   *config.Config
	Store    *kvstore.Store
	Sink     *sink.Sink
	Radio    *radio.Controller
	Sleep    *sleep.Controller
	Health   *health.Monitor
	Ticks    clock.Source
	Source   Source
	Battery  func() float64
	Syncer   TimeSyncer
	Watchdog flush.Watchdog
}

// Device is the owned context object every component hangs off.
type Device struct {
	cfg    *config.Config
	buf    *buffer.Buffer
	snk    *sink.Sink
	engine *flush.Engine
	rad    *radio.Controller
	slp    *sleep.Controller
	mon    *health.Monitor
	ticks  clock.Source

	source  Source
	battery func() float64
	syncer  TimeSyncer

	lifetime *kvstore.Namespace

	measurementCount uint32
	bootCount        uint32
	timeInitialized  bool
	lastEpoch        int64

	lastMeasurement uint32
	lastSync        uint32
	syncAttempted   bool
}

func New(opts Options) (*Device, error) {
	errFactory := errors.New()

	if opts.Config == nil || opts.Store == nil || opts.Sink == nil ||
		opts.Radio == nil || opts.Sleep == nil || opts.Health == nil ||
		opts.Ticks == nil || opts.Source == nil || opts.Battery == nil {
		return nil, errFactory.New(ErrMissingComponent)
	}

	buf, err := buffer.New(opts.Store.Namespace("databuffer"))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	flushCfg := flush.DefaultConfig()
	flushCfg.Enabled = opts.Config.Buffering
	flushCfg.IntervalMs = uint32(opts.Config.FlushInterval) * 1000
	engine := flush.New(flushCfg, buf, opts.Sink, opts.Watchdog, opts.Ticks)

	lifetime := opts.Store.Namespace(measurementsNamespace)
	count, err := lifetime.GetUint32(countKey, 0)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	boots, err := lifetime.GetUint32(bootsKey, 0)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	boots++
	if err := lifetime.PutUint32(bootsKey, boots); err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	now := opts.Ticks()
	d := &Device{
		cfg:              opts.Config,
		buf:              buf,
		snk:              opts.Sink,
		engine:           engine,
		rad:              opts.Radio,
		slp:              opts.Sleep,
		mon:              opts.Health,
		ticks:            opts.Ticks,
		source:           opts.Source,
		battery:          opts.Battery,
		syncer:           opts.Syncer,
		lifetime:         lifetime,
		measurementCount: count,
		bootCount:        boots,
		lastMeasurement:  now,
		lastSync:         now,
	}

	logger.Info().
		Uint32("boot_count", boots).
		Uint32("measurement_count", count).
		Int("buffered", buf.Count()).
		Msg("Device initialized")

	return d, nil
}

// Step runs one control loop iteration: radio poll, timed flush, measurement,
// time resync and health cadence, in that order.
func (d *Device) Step() {
	now := d.ticks()

	if err := d.rad.Poll(now); err != nil {
		logger.Warn().Err(err).Msg("Radio poll failed")
		d.mon.RecordFailure(health.KindRadio)
	}

	if d.engine.TimerDue(now) {
		if _, err := d.engine.Flush(flush.TriggerTimer); err != nil {
			logger.Warn().Err(err).Msg("Timed flush failed")
			d.mon.RecordFailure(health.KindStorage)
		} else {
			d.mon.RecordSuccess()
		}
	}

	measurementIntervalMs := uint32(d.cfg.MeasurementInterval) * 1000
	if clock.Elapsed(now, d.lastMeasurement) >= measurementIntervalMs {
		d.takeMeasurement()
		d.lastMeasurement = now

		if d.slp.ShouldSleep(d.battery()) {
			d.sleepCycle()
		}
	}

	d.maybeSyncTime(now)

	if d.mon.Due(now, d.measurementCount) {
		d.mon.Check(now, d.measurementCount)
	}
}

func (d *Device) takeMeasurement() {
	header, record, err := d.source.Read()
	if err != nil {
		logger.Warn().Err(err).Msg("Measurement failed")
		d.mon.RecordFailure(health.KindSensor)
		return
	}

	if err := d.engine.Log(header, record); err != nil {
		logger.Warn().Err(err).Msg("Failed to log record")
		d.mon.RecordFailure(health.KindStorage)
		return
	}
	d.mon.RecordSuccess()

	d.measurementCount++
	if d.measurementCount%measurementPersistEvery == 0 {
		if err := d.lifetime.PutUint32(countKey, d.measurementCount); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist measurement count")
		}
	}
}

// sleepCycle suspends until the wake timer fires, restores retained state
// and runs the once-per-wake health check. Buffered records are left in the
// KV store untouched.
func (d *Device) sleepCycle() {
	state := sleep.RetainedState{
		MeasurementCount: d.measurementCount,
		TimeInitialized:  d.timeInitialized,
		LastEpoch:        d.lastEpoch,
		BootCount:        d.bootCount,
		ErrorCount:       d.mon.CountersSnapshot().Consecutive,
	}

	if err := d.slp.Sleep(state); err != nil {
		logger.Warn().Err(err).Msg("Suspend failed, continuing awake")
		return
	}

	if restored, ok := d.slp.Wake(); ok {
		d.measurementCount = restored.MeasurementCount
		d.timeInitialized = restored.TimeInitialized
		d.lastEpoch = restored.LastEpoch
	}

	d.mon.Check(d.ticks(), d.measurementCount)
}

// maybeSyncTime asks the time collaborator for wall-clock time once at boot
// and then on the resync cadence, only while the radio is up.
func (d *Device) maybeSyncTime(now uint32) {
	if d.syncer == nil || !d.rad.Enabled() {
		return
	}
	if d.syncAttempted && clock.Elapsed(now, d.lastSync) < resyncIntervalMs {
		return
	}

	d.syncAttempted = true
	d.lastSync = now

	t, err := d.syncer.Sync()
	if err != nil {
		logger.Warn().Err(err).Msg("Time sync failed")
		return
	}
	d.timeInitialized = true
	d.lastEpoch = t.Unix()
	logger.Info().Time("time", t).Msg("Time synchronized")
}

// Run drives the control loop until the context is cancelled.
func (d *Device) Run(ctx context.Context) error {
	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Step()
		}
	}
}

// Web/API collaborator surface. Read-side calls count as radio activity,
// deferring the inactivity timeout.

func (d *Device) BufferCount() int {
	return d.buf.Count()
}

func (d *Device) BufferCapacity() int {
	return d.buf.Capacity()
}

func (d *Device) RequestManualFlush() (int, bool) {
	return d.engine.RequestManualFlush()
}

func (d *Device) StorageHealthy() bool {
	return d.snk.Healthy()
}

func (d *Device) ListFiles() ([]sink.FileInfo, error) {
	d.rad.Touch(d.ticks())
	return d.snk.ListFiles()
}

func (d *Device) ReadFile(name string) ([]byte, error) {
	d.rad.Touch(d.ticks())
	return d.snk.ReadFile(name)
}

func (d *Device) StreamFile(name string) (io.ReadCloser, error) {
	d.rad.Touch(d.ticks())
	return d.snk.StreamFile(name)
}

func (d *Device) RadioEnabled() bool {
	return d.rad.Enabled()
}

// WakeRadio is the interrupt entry point for the wake signal.
func (d *Device) WakeRadio() {
	d.rad.EdgeISR(d.ticks())
}

func (d *Device) MeasurementCount() uint32 {
	return d.measurementCount
}

func (d *Device) BootCount() uint32 {
	return d.bootCount
}
