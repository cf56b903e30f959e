// Package clock provides the 32-bit monotonic millisecond counter every
// component timer is driven by. The counter wraps roughly every 49.7 days,
// so elapsed time must always be computed through Elapsed rather than by
// comparing tick values directly.
package clock

import "time"

// Source returns the current tick count in milliseconds. It wraps at 2^32.
type Source func() uint32

// Monotonic is a Source backed by the runtime monotonic clock.
type Monotonic struct {
	start time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// Millis returns milliseconds since construction, truncated to 32 bits.
func (m *Monotonic) Millis() uint32 {
	return uint32(time.Since(m.start) / time.Millisecond)
}

// Elapsed returns the milliseconds between since and now. Unsigned
// subtraction stays correct across a counter wrap: a comparison straddling
// the wraparound point yields a small positive value, not a huge one.
func Elapsed(now, since uint32) uint32 {
	return now - since
}
