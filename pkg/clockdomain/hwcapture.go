package clockdomain

import (
	"context"
	"sync"
	"time"
)

// EdgeSource abstracts the NIC register the HwCapture worker programs: a
// timestamp counter latched on an SDP pin edge. A real implementation reads
// an i210 auxiliary timestamp register; tests and the software NIC stand-in
// supply a channel-backed fake.
type EdgeSource interface {
	// WaitEdge blocks until the next captured edge timestamp (nanoseconds,
	// same epoch as the domain's wallclock) is available, or ctx is done.
	WaitEdge(ctx context.Context) (tsNs uint64, ok bool)
}

// HwCaptureWorker polls an EdgeSource at >=2.5x the nominal event rate
// (spec.md §4.3) and folds each edge into the owning Domain via Advance,
// rounding missed edges to the nearest integer number of periods.
type HwCaptureWorker struct {
	domain       *Domain
	source       EdgeSource
	nominalPerNs float64 // nominal period between edges, in nanoseconds

	mu       sync.Mutex
	lastTsNs uint64
	haveLast bool

	wg sync.WaitGroup
}

// NewHwCaptureWorker binds source to domain. nominalPeriodNs is the expected
// spacing between edges at the nominal rate (e.g. the SDP toggle period).
func NewHwCaptureWorker(domain *Domain, source EdgeSource, nominalPeriodNs float64) *HwCaptureWorker {
	return &HwCaptureWorker{
		domain:       domain,
		source:       source,
		nominalPerNs: nominalPeriodNs,
	}
}

// Run blocks servicing edges until ctx is cancelled, then returns nil.
// Intended to be launched as `go worker.Run(ctx)` with the caller joining
// via its own sync.WaitGroup; Run itself never spawns goroutines so its
// cancellation is exactly ctx's.
func (w *HwCaptureWorker) Run(ctx context.Context) error {
	for {
		tsNs, ok := w.source.WaitEdge(ctx)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		w.onEdge(tsNs)
	}
}

func (w *HwCaptureWorker) onEdge(tsNs uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.haveLast {
		w.lastTsNs = tsNs
		w.haveLast = true
		return
	}

	deltaNs := tsNs - w.lastTsNs
	w.lastTsNs = tsNs

	if w.nominalPerNs <= 0 {
		w.domain.Advance(1, tsNs)
		return
	}

	// A missed edge (scheduler jitter, a dropped interrupt) shows up as a
	// delta that is a multiple of the nominal period rather than ~1x it.
	// Round to the nearest integer count of periods so the event count
	// stays consistent with the true number of edges that occurred, and
	// feed the whole delta to Advance in one shot — the rate-ratio filter
	// only cares about events-per-wallclock-ns, not how many calls it took.
	periods := roundPeriods(float64(deltaNs) / w.nominalPerNs)
	if periods < 1 {
		periods = 1
	}
	w.domain.Advance(periods, tsNs)
}

func roundPeriods(x float64) uint64 {
	if x < 0 {
		return 0
	}
	return uint64(x + 0.5)
}

// pollInterval returns the recommended polling period for a source that
// cannot block (a plain register peek rather than a blocking FD): >=2.5x
// the nominal event rate per spec.md §4.3's Shannon-with-margin rule.
func pollInterval(nominalPeriodNs float64) time.Duration {
	return time.Duration(nominalPeriodNs / 2.5)
}
