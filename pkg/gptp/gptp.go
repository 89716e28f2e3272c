// Package gptp provides the gPTP wallclock abstraction spec.md §1 calls a
// trait: local_time() and cross_stamp(sys, ptp). The core treats gPTP as an
// external collaborator it only reads from; this package supplies the
// interface every clock-consuming component programs against plus a
// CLOCK_MONOTONIC_RAW-backed reference implementation, since no real gPTP
// daemon is reachable in-process.
package gptp

import (
	"time"

	"golang.org/x/sys/unix"
)

// Clock is the gPTP wallclock contract. LocalTime returns the current gPTP
// time in nanoseconds since an arbitrary epoch (stable across calls, not
// necessarily wall-clock epoch). CrossStamp correlates a system-clock
// reading with the gPTP clock at (approximately) the same instant, which
// callers use to translate between the two domains.
type Clock interface {
	LocalTime() uint64
	CrossStamp() (sysNs, ptpNs uint64)
}

// MonotonicRawClock implements Clock using CLOCK_MONOTONIC_RAW, the closest
// stand-in for a hardware PTP clock available without real gPTP hardware:
// it is immune to NTP slewing the way a PTP-disciplined clock is immune to
// local adjustments, which is the property callers actually depend on.
type MonotonicRawClock struct {
	originNs int64
}

// NewMonotonicRawClock returns a Clock whose LocalTime starts counting from
// zero at construction time.
func NewMonotonicRawClock() *MonotonicRawClock {
	return &MonotonicRawClock{originNs: rawNow()}
}

// LocalTime returns nanoseconds elapsed since the clock was constructed.
func (c *MonotonicRawClock) LocalTime() uint64 {
	return uint64(rawNow() - c.originNs)
}

// CrossStamp returns a (system time, gPTP time) pair sampled back-to-back.
// A real gPTP stack reads both from hardware in one ioctl for tighter
// correlation; two back-to-back clock_gettime calls are the best a
// software stand-in can offer.
func (c *MonotonicRawClock) CrossStamp() (sysNs, ptpNs uint64) {
	sysNs = uint64(time.Now().UnixNano())
	ptpNs = c.LocalTime()
	return
}

func rawNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return time.Now().UnixNano()
	}
	return ts.Nano()
}
