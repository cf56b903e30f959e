// Package flush decides when and why the record buffer drains into the
// storage sink, and performs the drain. Four independently-sufficient
// triggers exist: the fill threshold, the flush timer, a manual request,
// and a forced flush when the buffer is full at append time.
package flush

import (
	"context"
	"time"

	"codeberg.org/mutker/fieldlogd/internal/buffer"
	"codeberg.org/mutker/fieldlogd/internal/clock"
	"codeberg.org/mutker/fieldlogd/internal/errors"
	"codeberg.org/mutker/fieldlogd/internal/logger"
	"codeberg.org/mutker/fieldlogd/internal/sink"
	"github.com/cenkalti/backoff/v5"
)

// Trigger identifies why a flush was requested.
type Trigger int

const (
	TriggerThreshold Trigger = iota
	TriggerTimer
	TriggerManual
	TriggerForced
)

func (t Trigger) String() string {
	switch t {
	case TriggerThreshold:
		return "threshold"
	case TriggerTimer:
		return "timer"
	case TriggerManual:
		return "manual"
	case TriggerForced:
		return "forced"
	default:
		return "unknown"
	}
}

// Watchdog is pinged from inside retry waits so a stuck medium trips the
// hardware reset instead of hanging the loop.
type Watchdog interface {
	Ping()
}

type noopWatchdog struct{}

func (noopWatchdog) Ping() {}

type Config struct {
	// Enabled gates the buffered path; when false records go straight to
	// the sink.
	Enabled bool
	// IntervalMs is the timer trigger period in milliseconds.
	IntervalMs uint32
	// ThresholdPct is the fill percentage that triggers an automatic flush.
	ThresholdPct int
	// WriteRetries bounds attempts per record during a flush.
	WriteRetries uint
	// RetryDelay is the constant backoff between attempts.
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		IntervalMs:   300_000,
		ThresholdPct: 80,
		WriteRetries: 3,
		RetryDelay:   100 * time.Millisecond,
	}
}

// Engine owns no record data, only timers and thresholds; its commands are
// consumed jointly by the buffer and the sink.
type Engine struct {
	cfg   Config
	buf   *buffer.Buffer
	sink  *sink.Sink
	wd    Watchdog
	ticks clock.Source

	lastFlush  uint32
	lastHeader string

	// writeFailures counts record writes that exhausted their retries.
	writeFailures uint32
}

func New(cfg Config, buf *buffer.Buffer, snk *sink.Sink, wd Watchdog, ticks clock.Source) *Engine {
	if wd == nil {
		wd = noopWatchdog{}
	}
	if cfg.ThresholdPct <= 0 {
		cfg.ThresholdPct = 80
	}

	return &Engine{
		cfg:       cfg,
		buf:       buf,
		sink:      snk,
		wd:        wd,
		ticks:     ticks,
		lastFlush: ticks(),
	}
}

func (e *Engine) threshold() int {
	return buffer.Capacity * e.cfg.ThresholdPct / 100
}

// Log stages one record. With buffering disabled the record goes straight to
// the sink. With buffering enabled a full buffer forces a synchronous flush
// before the append, and reaching the threshold triggers one automatic flush
// after it. A failed threshold flush is not an append failure: the record is
// already durable in the KV store and the next trigger retries the batch.
func (e *Engine) Log(header, record string) error {
	e.lastHeader = header

	if !e.cfg.Enabled {
		return e.sink.Append(header, record)
	}

	if e.buf.Full() {
		logger.Warn().Msg("Buffer full, forcing flush")
		if _, err := e.Flush(TriggerForced); err != nil {
			return errors.New().Wrap(ErrLogFailed, err)
		}
	}

	if _, err := e.buf.Append(record); err != nil {
		return err
	}
	logger.Debug().
		Int("count", e.buf.Count()).
		Int("capacity", e.buf.Capacity()).
		Msg("Record buffered")

	if e.buf.Count() >= e.threshold() {
		logger.Info().Int("count", e.buf.Count()).Msg("Buffer threshold reached, flushing")
		if _, err := e.Flush(TriggerThreshold); err != nil {
			logger.Warn().Err(err).Msg("Threshold flush failed, records remain buffered")
		}
	}

	return nil
}

// TimerDue reports whether the timer trigger has elapsed. The comparison is
// wraparound-tolerant.
func (e *Engine) TimerDue(now uint32) bool {
	if !e.cfg.Enabled || e.buf.Empty() {
		return false
	}

	return clock.Elapsed(now, e.lastFlush) >= e.cfg.IntervalMs
}

// Flush drains the buffer into the sink. Per-record write failures are
// retried with short backoff, then counted; they never abort the rest of the
// batch. The buffer is cleared when at least one record was durably written.
// If the sink could not be opened, or no record wrote at all, the buffer is
// left untouched so the next trigger retries the whole batch.
func (e *Engine) Flush(trigger Trigger) (int, error) {
	errFactory := errors.New()

	if e.buf.Empty() {
		return 0, nil
	}

	if err := e.sink.EnsureOpen(); err != nil {
		return 0, err
	}

	records, err := e.buf.ReadAll()
	if err != nil {
		return 0, errFactory.Wrap(ErrFlushFailed, err)
	}

	total := e.buf.Count()
	logger.Info().
		Int("count", total).
		Str("trigger", trigger.String()).
		Msg("Flushing buffered records")

	moved := 0
	for _, record := range records {
		if err := e.writeWithRetry(record); err != nil {
			e.writeFailures++
			logger.Warn().Err(err).Msg("Record write failed after retries")
			continue
		}
		moved++
	}

	if moved == 0 {
		return 0, errFactory.WithData(errors.ErrTransientIO, total)
	}

	if err := e.buf.Clear(); err != nil {
		return moved, errFactory.Wrap(ErrFlushFailed, err)
	}
	e.lastFlush = e.ticks()

	logger.Info().
		Int("moved", moved).
		Int("total", total).
		Msg("Flush complete")

	return moved, nil
}

func (e *Engine) writeWithRetry(record string) error {
	operation := func() (struct{}, error) {
		return struct{}{}, e.sink.Append(e.lastHeader, record)
	}

	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.RetryDelay)),
		backoff.WithMaxTries(e.cfg.WriteRetries),
		backoff.WithNotify(func(error, time.Duration) { e.wd.Ping() }),
	)

	return err
}

// RequestManualFlush flushes unconditionally on behalf of the web
// collaborator. An empty buffer reports success with zero records moved.
func (e *Engine) RequestManualFlush() (int, bool) {
	moved, err := e.Flush(TriggerManual)
	if err != nil {
		logger.Warn().Err(err).Msg("Manual flush failed")
		return moved, false
	}

	return moved, true
}

// WriteFailures returns the number of record writes dropped after exhausting
// their retries.
func (e *Engine) WriteFailures() uint32 {
	return e.writeFailures
}
