// Package clockdomain implements the clock-domain abstraction from
// spec.md §3/§4.3: a rate-ratio estimator plus event-count timeline shared
// by gPTP wallclock, hardware-capture, and received-stream clock sources.
package clockdomain

import (
	"math"
	"sync"

	"github.com/openavb/avbstreamhandler/pkg/pll"
)

// Kind identifies the clock source a domain tracks.
type Kind int

const (
	KindPtp Kind = iota
	KindHwCapture
	KindRxStream
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindPtp:
		return "Ptp"
	case KindHwCapture:
		return "HwCapture"
	case KindRxStream:
		return "RxStream"
	case KindRaw:
		return "Raw"
	default:
		return "Unknown"
	}
}

// LockState mirrors the spec's lock_state field: a graduated view of the
// boolean `locked` flag that also distinguishes "never measured" from
// "measured but drifting".
type LockState int

const (
	LockStateUnknown LockState = iota
	LockStateUnlocked
	LockStateLocked
)

func (s LockState) String() string {
	switch s {
	case LockStateUnknown:
		return "Unknown"
	case LockStateUnlocked:
		return "Unlocked"
	case LockStateLocked:
		return "Locked"
	default:
		return "Invalid"
	}
}

// Params configures the rate-ratio filter and lock detector.
type Params struct {
	// NominalIntervalNs is the nanosecond duration a single nominal event
	// represents (e.g. ~20833ns for a 48kHz audio clock, or 1 for a
	// gPTP/raw nanosecond-tick domain). The instantaneous rate ratio is
	// (eventCountDelta * NominalIntervalNs) / elapsedWallclockNs, so a
	// perfectly nominal source yields a ratio of 1.0.
	NominalIntervalNs float64
	// TimeConstantNs is the EMA time constant τ. The default settles a
	// step response in ~1s at 48kHz polling, per spec.md §4.3.
	TimeConstantNs uint64
	// LockThreshold1 is the maximum |instantaneous - filtered| deviation
	// (as a ratio, e.g. 0.0002) tolerated while still counting toward lock.
	LockThreshold1 float64
	// LockThreshold2 is the number of consecutive in-tolerance updates
	// required to transition to locked.
	LockThreshold2 int
	// UnlockFactor multiplies LockThreshold1 to get the deviation beyond
	// which lock is immediately cleared.
	UnlockFactor float64
}

// DefaultParams returns the spec-described defaults for a 48kHz-class
// audio-rate domain; callers feeding a raw nanosecond-tick domain (gPTP,
// CRF) should override NominalIntervalNs to 1.
func DefaultParams() Params {
	return Params{
		NominalIntervalNs: 1e9 / 48000.0,
		TimeConstantNs:    1_000_000_000, // ~1s
		LockThreshold1:    2e-4,
		LockThreshold2:    8,
		UnlockFactor:      5.0,
	}
}

type recoverySink struct {
	driverID uint32
	driver   pll.Driver
}

// Domain is a single clock domain instance: event-count timeline, filtered
// rate ratio, and lock state, with an optional PLL driver callback.
type Domain struct {
	ID   uint64
	Kind Kind

	params Params

	mu              sync.RWMutex
	events          uint64
	lastEventTimeNs uint64
	haveLast        bool
	rateRatio       float64
	locked          bool
	lockState       LockState
	inTolCount      int

	sink *recoverySink
}

// New constructs a Domain with rateRatio initialized to 1.0 (nominal).
func New(id uint64, kind Kind, params Params) *Domain {
	return &Domain{
		ID:        id,
		Kind:      kind,
		params:    params,
		rateRatio: 1.0,
		lockState: LockStateUnknown,
	}
}

// Advance records eventCountDelta new media-clock events observed at
// wallclockNs, recomputing the filtered rate ratio and lock state. The
// first call only establishes a baseline (no ratio can be computed yet).
func (d *Domain) Advance(eventCountDelta uint64, wallclockNs uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events += eventCountDelta

	if !d.haveLast {
		d.lastEventTimeNs = wallclockNs
		d.haveLast = true
		return
	}

	dtNs := wallclockNs - d.lastEventTimeNs
	d.lastEventTimeNs = wallclockNs
	if dtNs == 0 || eventCountDelta == 0 {
		return
	}

	// Instantaneous ratio: the nominal-rate duration the observed events
	// represent, divided by the wallclock duration that actually elapsed.
	// A source running exactly at its nominal rate yields 1.0; a source
	// running slow (more real time passed than its events account for)
	// yields < 1.0, and a fast one yields > 1.0.
	instRatio := (float64(eventCountDelta) * d.params.NominalIntervalNs) / float64(dtNs)

	alpha := emaAlpha(dtNs, d.params.TimeConstantNs)
	prevRatio := d.rateRatio
	newRatio := prevRatio + alpha*(instRatio-prevRatio)
	d.rateRatio = newRatio

	deviation := math.Abs(instRatio - newRatio)
	d.updateLock(deviation)
}

func emaAlpha(dtNs, tauNs uint64) float64 {
	if tauNs == 0 {
		return 1.0
	}
	x := float64(dtNs) / float64(tauNs)
	// 1 - e^-x, clamped to (0, 1].
	a := 1 - math.Exp(-x)
	if a <= 0 {
		return 1e-6
	}
	if a > 1 {
		return 1
	}
	return a
}

func (d *Domain) updateLock(deviation float64) {
	wasLocked := d.locked

	switch {
	case deviation < d.params.LockThreshold1:
		d.inTolCount++
		if d.inTolCount >= d.params.LockThreshold2 {
			d.locked = true
			d.lockState = LockStateLocked
		}
	case deviation > d.params.UnlockFactor*d.params.LockThreshold1:
		d.inTolCount = 0
		d.locked = false
		d.lockState = LockStateUnlocked
	default:
		// Between threshold1 and unlockFactor*threshold1: hold state,
		// reset the streak so a single noisy sample doesn't lock early.
		d.inTolCount = 0
	}

	if d.sink != nil {
		d.sink.driver.UpdateRelative(d.sink.driverID, d.rateRatio)
	}

	_ = wasLocked // transition itself is observable via Locked()/LockState()
}

// NowInMediaTicks extrapolates the event count forward to wallclockNs using
// the current filtered rate ratio.
func (d *Domain) NowInMediaTicks(wallclockNs uint64) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.haveLast {
		return d.events
	}
	elapsed := wallclockNs - d.lastEventTimeNs
	extra := uint64(float64(elapsed) * d.rateRatio)
	return d.events + extra
}

// RegisterRecoverySink attaches a PLL driver to receive UpdateRelative
// calls on every subsequent Advance.
func (d *Domain) RegisterRecoverySink(driverID uint32, driver pll.Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = &recoverySink{driverID: driverID, driver: driver}
}

// Events returns the monotonically non-decreasing event count.
func (d *Domain) Events() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.events
}

// RateRatio returns the current filtered rate ratio.
func (d *Domain) RateRatio() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rateRatio
}

// Locked reports whether the domain currently considers itself locked.
func (d *Domain) Locked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.locked
}

// LockState returns the graduated lock state.
func (d *Domain) LockState() LockState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lockState
}
