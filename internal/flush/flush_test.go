package flush_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/fieldlogd/internal/buffer"
	"codeberg.org/mutker/fieldlogd/internal/errors"
	"codeberg.org/mutker/fieldlogd/internal/flush"
	"codeberg.org/mutker/fieldlogd/internal/kvstore"
	"codeberg.org/mutker/fieldlogd/internal/sink"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeWatchdog struct {
	pings int
}

func (w *fakeWatchdog) Ping() { w.pings++ }

// flakyFs fails every OpenFile call after the first allowed files, which
// makes individual records inside a flush fail while others succeed.
type flakyFs struct {
	afero.Fs
	allowOpens int
	opens      int
}

func (f *flakyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f.opens++
	if f.opens > f.allowOpens {
		return nil, fmt.Errorf("simulated write failure on %s", name)
	}

	return f.Fs.OpenFile(name, flag, perm)
}

type harness struct {
	engine *flush.Engine
	buf    *buffer.Buffer
	snk    *sink.Sink
	fs     afero.Fs
	wd     *fakeWatchdog
	now    *uint32
}

func newHarness(t *testing.T, fs afero.Fs, cfg flush.Config) *harness {
	t.Helper()

	store, err := kvstore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	buf, err := buffer.New(store.Namespace("databuffer"))
	require.NoError(t, err)

	snk := sink.NewWithClock(fs, "/mnt/data", func() time.Time { return testDay })
	wd := &fakeWatchdog{}
	now := new(uint32)

	return &harness{
		engine: flush.New(cfg, buf, snk, wd, func() uint32 { return *now }),
		buf:    buf,
		snk:    snk,
		fs:     fs,
		wd:     wd,
		now:    now,
	}
}

func mountedFs(t *testing.T) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/mnt/data", 0o755))

	return fs
}

func fastConfig() flush.Config {
	cfg := flush.DefaultConfig()
	cfg.RetryDelay = time.Millisecond

	return cfg
}

func TestFlushEmptyBufferIdempotent(t *testing.T) {
	h := newHarness(t, mountedFs(t), fastConfig())

	moved, err := h.engine.Flush(flush.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, moved, "Expected zero records moved")
	assert.Equal(t, 0, h.buf.Count(), "Expected state unchanged")
}

func TestManualFlushEmptyReportsSuccess(t *testing.T) {
	h := newHarness(t, mountedFs(t), fastConfig())

	moved, ok := h.engine.RequestManualFlush()
	assert.True(t, ok)
	assert.Equal(t, 0, moved)
}

func TestThresholdFlushAtEighty(t *testing.T) {
	h := newHarness(t, mountedFs(t), fastConfig())

	for i := 0; i < 79; i++ {
		require.NoError(t, h.engine.Log("timestamp,temp", fmt.Sprintf("r%d", i)))
	}
	assert.Equal(t, 79, h.buf.Count(), "No flush expected before the threshold")

	// The 80th record crosses the 80% threshold and triggers exactly one flush.
	require.NoError(t, h.engine.Log("timestamp,temp", "r79"))
	assert.Equal(t, 0, h.buf.Count(), "Expected buffer drained")

	data, err := afero.ReadFile(h.fs, "/mnt/data/data_20240501.csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 81, "Expected header plus 80 record lines")
	assert.Equal(t, "timestamp,temp", lines[0])
	assert.Equal(t, "r0", lines[1])
	assert.Equal(t, "r79", lines[80])
}

func TestForcedFlushAtCapacity(t *testing.T) {
	// Medium absent: threshold flushes fail, so the buffer can fill up.
	fs := afero.NewMemMapFs()
	h := newHarness(t, fs, fastConfig())

	for i := 0; i < buffer.Capacity; i++ {
		require.NoError(t, h.engine.Log("h", fmt.Sprintf("r%d", i)))
	}
	require.Equal(t, buffer.Capacity, h.buf.Count())

	// Mount the medium; the next append forces a synchronous flush first.
	require.NoError(t, fs.MkdirAll("/mnt/data", 0o755))
	require.NoError(t, h.engine.Log("h", "r100"))
	assert.Equal(t, 1, h.buf.Count(), "Expected forced flush before the append")

	data, err := afero.ReadFile(fs, "/mnt/data/data_20240501.csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 101, "Expected header plus the 100 flushed records")
}

func TestForcedFlushFailureSurfacesError(t *testing.T) {
	fs := afero.NewMemMapFs() // never mounted
	h := newHarness(t, fs, fastConfig())

	for i := 0; i < buffer.Capacity; i++ {
		require.NoError(t, h.engine.Log("h", "r"))
	}

	err := h.engine.Log("h", "overflow")
	require.Error(t, err)
	assert.Equal(t, buffer.Capacity, h.buf.Count(), "Buffer must be intact after a failed forced flush")
}

func TestSinkUnavailableLeavesCount(t *testing.T) {
	h := newHarness(t, afero.NewMemMapFs(), fastConfig())

	for i := 0; i < 10; i++ {
		require.NoError(t, h.engine.Log("h", "r"))
	}

	before := h.buf.Count()
	moved, err := h.engine.Flush(flush.TriggerTimer)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrMediumAbsent))
	assert.Equal(t, 0, moved)
	assert.Equal(t, before, h.buf.Count(), "No deletion without a durable write")
}

func TestWholeFlushFailureLeavesBuffer(t *testing.T) {
	// Directory exists so EnsureOpen succeeds, but every write fails.
	backing := afero.NewMemMapFs()
	require.NoError(t, backing.MkdirAll("/mnt/data", 0o755))
	h := newHarness(t, afero.NewReadOnlyFs(backing), fastConfig())

	for i := 0; i < 5; i++ {
		require.NoError(t, h.engine.Log("h", "r"))
	}

	moved, err := h.engine.Flush(flush.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, 0, moved)
	assert.Equal(t, 5, h.buf.Count(), "Zero successes must leave the buffer for retry")
}

func TestPartialFailureClearsAndCounts(t *testing.T) {
	backing := mountedFs(t)
	// First record opens one file handle; everything after fails.
	fs := &flakyFs{Fs: backing, allowOpens: 1}
	h := newHarness(t, fs, fastConfig())

	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.Log("h", fmt.Sprintf("r%d", i)))
	}

	moved, err := h.engine.Flush(flush.TriggerManual)
	require.NoError(t, err, "At least one durable write reports success")
	assert.Equal(t, 1, moved)
	assert.Equal(t, 0, h.buf.Count(), "Attempted batch is cleared")
	assert.Equal(t, uint32(2), h.engine.WriteFailures(), "Failed records are counted")
	assert.Greater(t, h.wd.pings, 0, "Watchdog pinged during retry waits")
}

func TestTimerDue(t *testing.T) {
	cfg := fastConfig()
	cfg.IntervalMs = 500
	h := newHarness(t, mountedFs(t), cfg)

	assert.False(t, h.engine.TimerDue(*h.now), "Empty buffer never times out")

	require.NoError(t, h.engine.Log("h", "r"))
	assert.False(t, h.engine.TimerDue(400))
	assert.True(t, h.engine.TimerDue(600))
}

func TestTimerDueAcrossWraparound(t *testing.T) {
	cfg := fastConfig()
	cfg.IntervalMs = 500
	fs := mountedFs(t)

	h := newHarness(t, fs, cfg)
	*h.now = 0xFFFFFF00
	// Rebuild the engine so lastFlush lands near the top of the counter range.
	engine := flush.New(cfg, h.buf, h.snk, h.wd, func() uint32 { return *h.now })

	require.NoError(t, engine.Log("h", "r"))

	assert.False(t, engine.TimerDue(0xFFFFFF80), "128 ms elapsed, not due")
	assert.True(t, engine.TimerDue(0x00000200), "Wrapped comparison must stay small and positive")
}

func TestBufferingDisabledWritesDirect(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false
	h := newHarness(t, mountedFs(t), cfg)

	require.NoError(t, h.engine.Log("h", "direct"))
	assert.Equal(t, 0, h.buf.Count())

	data, err := afero.ReadFile(h.fs, "/mnt/data/data_20240501.csv")
	require.NoError(t, err)
	assert.Equal(t, "h\ndirect\n", string(data))
}
