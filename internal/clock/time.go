// Package clock implements the monotonic high-resolution time representation
// used throughout the mapper runtime (spec.md §4: Time & Clock) and the
// per-link sync clock that tracks offset, latency, and jitter from periodic
// ping round trips (spec.md §4.8).
package clock

import (
	"math"
	"time"
)

// fracScale is the number of fractional ticks per second. 1<<32 gives the
// same sub-nanosecond resolution as an NTP/OSC timetag's fraction field,
// which is what the wire format in internal/network needs to round-trip.
const fracScale = 1 << 32

// Time is a 32-bit seconds + 32-bit fraction timestamp, matching the OSC
// bundle timetag wire format (spec.md §6.1). Sec counts whole seconds since
// an arbitrary but consistent epoch (process start, monotonic); Frac counts
// 1/2^32ths of a second.
type Time struct {
	Sec  uint32
	Frac uint32
}

// Zero is the zero-value Time.
var Zero = Time{}

// Now returns the current Time using the process monotonic clock as its
// epoch. Two Times produced by Now on the same process are directly
// comparable and subtractable; Times are not meaningful across processes
// without the offset maintained by SyncClock.
func Now() Time {
	return FromDuration(time.Since(processEpoch))
}

// processEpoch anchors Now()'s monotonic origin. Recorded once at package
// init so repeated calls to Now are cheap duration conversions.
var processEpoch = time.Now()

// FromDuration converts a time.Duration elapsed-since-epoch value into a Time.
func FromDuration(d time.Duration) Time {
	if d < 0 {
		d = 0
	}
	sec := d / time.Second
	rem := d % time.Second
	frac := uint32((int64(rem) * fracScale) / int64(time.Second))
	return Time{Sec: uint32(sec), Frac: frac}
}

// AsDuration converts t back into a time.Duration elapsed-since-epoch value.
func (t Time) AsDuration() time.Duration {
	whole := time.Duration(t.Sec) * time.Second
	frac := time.Duration((int64(t.Frac) * int64(time.Second)) / fracScale)
	return whole + frac
}

// AsDouble returns t as a floating point number of seconds, matching the
// libmapper `mapper_timetag_as_double` contract used by the expression
// evaluator and history timestamps.
func (t Time) AsDouble() float64 {
	return float64(t.Sec) + float64(t.Frac)/fracScale
}

// FromDouble constructs a Time from a floating point number of seconds.
func FromDouble(seconds float64) Time {
	if seconds < 0 {
		seconds = 0
	}
	sec := math.Floor(seconds)
	frac := (seconds - sec) * fracScale
	return Time{Sec: uint32(sec), Frac: uint32(frac)}
}

// Add returns t + d.
func (t Time) Add(d Time) Time {
	frac := uint64(t.Frac) + uint64(d.Frac)
	sec := t.Sec + d.Sec
	if frac >= fracScale {
		frac -= fracScale
		sec++
	}
	return Time{Sec: sec, Frac: uint32(frac)}
}

// Sub returns t - d, clamping at zero if d is later than t.
func (t Time) Sub(d Time) Time {
	sec := t.Sec
	frac := uint64(t.Frac)
	if frac < uint64(d.Frac) {
		if sec == 0 {
			return Zero
		}
		sec--
		frac += fracScale
	}
	frac -= uint64(d.Frac)
	if sec < d.Sec {
		return Zero
	}
	sec -= d.Sec
	return Time{Sec: sec, Frac: uint32(frac)}
}

// Diff returns the signed difference (t - other) as a time.Duration,
// negative when t precedes other. Unlike Sub this does not clamp.
func (t Time) Diff(other Time) time.Duration {
	return t.AsDuration() - other.AsDuration()
}

// Mul scales t by a floating point factor.
func (t Time) Mul(factor float64) Time {
	return FromDouble(t.AsDouble() * factor)
}

// Before reports whether t occurs strictly before other.
func (t Time) Before(other Time) bool {
	if t.Sec != other.Sec {
		return t.Sec < other.Sec
	}
	return t.Frac < other.Frac
}

// After reports whether t occurs strictly after other.
func (t Time) After(other Time) bool {
	return other.Before(t)
}

// IsZero reports whether t is the zero Time.
func (t Time) IsZero() bool {
	return t.Sec == 0 && t.Frac == 0
}
