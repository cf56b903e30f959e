package radio_test

import (
	"testing"

	"codeberg.org/mutker/fieldlogd/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHardware struct {
	connected bool
	onCalls   int
	offCalls  int
}

func (h *fakeHardware) PowerOn() error  { h.onCalls++; return nil }
func (h *fakeHardware) PowerOff() error { h.offCalls++; return nil }
func (h *fakeHardware) Connected() bool { return h.connected }

func testConfig() radio.Config {
	return radio.Config{TimeoutMs: 1000, DebounceMs: 50}
}

func TestTimeoutDisablesExactlyOnce(t *testing.T) {
	hw := &fakeHardware{}
	c := radio.New(testConfig(), hw, 0)
	require.True(t, c.Enabled())

	require.NoError(t, c.Poll(999))
	assert.True(t, c.Enabled(), "Not yet timed out")

	require.NoError(t, c.Poll(1000))
	assert.False(t, c.Enabled(), "Expected transition at the timeout")
	assert.Equal(t, 1, hw.offCalls)

	require.NoError(t, c.Poll(2000))
	assert.Equal(t, 1, hw.offCalls, "Expected no repeated power-down while disabled")
}

func TestConnectedPeerDefersTimeout(t *testing.T) {
	hw := &fakeHardware{connected: true}
	c := radio.New(testConfig(), hw, 0)

	require.NoError(t, c.Poll(1500))
	assert.True(t, c.Enabled(), "Connected counts as activity")

	// The timer was re-armed at 1500; losing the peer starts the countdown.
	hw.connected = false
	require.NoError(t, c.Poll(2400))
	assert.True(t, c.Enabled())

	require.NoError(t, c.Poll(2500))
	assert.False(t, c.Enabled())
}

func TestInterruptReenablesOnNextPollOnly(t *testing.T) {
	hw := &fakeHardware{}
	c := radio.New(testConfig(), hw, 0)
	require.NoError(t, c.Poll(1000))
	require.False(t, c.Enabled())

	c.EdgeISR(1200)
	assert.Equal(t, 0, hw.onCalls, "The handler must perform no radio operations")
	assert.False(t, c.Enabled())

	require.NoError(t, c.Poll(1210))
	assert.True(t, c.Enabled(), "Expected enable on the next loop iteration")
	assert.Equal(t, 1, hw.onCalls)

	// Timeout timer was re-armed at the enable.
	require.NoError(t, c.Poll(2200))
	assert.True(t, c.Enabled())
	require.NoError(t, c.Poll(2210))
	assert.False(t, c.Enabled())
}

func TestEdgeDebounce(t *testing.T) {
	hw := &fakeHardware{}
	c := radio.New(testConfig(), hw, 0)
	require.NoError(t, c.Poll(1000))

	c.EdgeISR(1200)
	require.NoError(t, c.Poll(1201))
	require.True(t, c.Enabled())
	require.NoError(t, c.Disable())

	// A bounce within the debounce window is swallowed.
	c.EdgeISR(1230)
	require.NoError(t, c.Poll(1240))
	assert.False(t, c.Enabled(), "Bounced edge must not latch a wake request")

	// A clean press after the window works.
	c.EdgeISR(1300)
	require.NoError(t, c.Poll(1310))
	assert.True(t, c.Enabled())
}

func TestEnableDisableIdempotent(t *testing.T) {
	hw := &fakeHardware{}
	c := radio.New(testConfig(), hw, 0)

	require.NoError(t, c.Enable(10))
	assert.Equal(t, 0, hw.onCalls, "Enable while enabled is a no-op")

	require.NoError(t, c.Disable())
	require.NoError(t, c.Disable())
	assert.Equal(t, 1, hw.offCalls)
}

func TestTouchDefersTimeout(t *testing.T) {
	hw := &fakeHardware{}
	c := radio.New(testConfig(), hw, 0)

	c.Touch(900)
	require.NoError(t, c.Poll(1800))
	assert.True(t, c.Enabled(), "Activity at 900 defers the timeout")

	require.NoError(t, c.Poll(1900))
	assert.False(t, c.Enabled())
}
