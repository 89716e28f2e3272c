// Package pll defines the PLL driver plugin contract from spec.md §6 and a
// software reference implementation. A real deployment loads a driver that
// tunes a physical oscillator; lacking that hardware, SoftwarePLL folds the
// reported ratio into a frequency-offset accumulator so the contract is
// still exercised end to end by tests and the diagnostics surface.
package pll

import (
	"sync"

	"github.com/openavb/avbstreamhandler/pkg/registry"
)

// Driver is the plugin contract every clock-recovery driver implements.
// update_relative is called from the clock-domain filter after every rate
// update and must be non-blocking or offload any I/O of its own.
type Driver interface {
	Init(reg *registry.Registry) error
	Cleanup()
	UpdateRelative(driverID uint32, ratio float64)
}

// SoftwarePLL is the in-process reference Driver: it has no hardware to
// tune, so it just remembers the most recently reported ratio per driver
// ID and accumulates a notional frequency offset, exposed for diagnostics
// and tests that want to assert "the driver received N update_relative
// calls with ratio > X" (spec.md §8 scenario 3).
type SoftwarePLL struct {
	mu      sync.Mutex
	ratios  map[uint32]float64
	offsets map[uint32]float64
	calls   map[uint32]int
}

// NewSoftwarePLL constructs an unconfigured SoftwarePLL.
func NewSoftwarePLL() *SoftwarePLL {
	return &SoftwarePLL{
		ratios:  make(map[uint32]float64),
		offsets: make(map[uint32]float64),
		calls:   make(map[uint32]int),
	}
}

// Init satisfies Driver; the software implementation needs no registry keys.
func (s *SoftwarePLL) Init(reg *registry.Registry) error { return nil }

// Cleanup satisfies Driver.
func (s *SoftwarePLL) Cleanup() {}

// UpdateRelative integrates ratio into the accumulated offset for driverID.
// A ratio of exactly 1.0 means no adjustment; each call nudges the offset
// a small fraction of the way toward the reported ratio, mimicking a slow
// hardware tuning loop rather than slewing instantaneously.
func (s *SoftwarePLL) UpdateRelative(driverID uint32, ratio float64) {
	const integrationGain = 0.1

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratios[driverID] = ratio
	s.offsets[driverID] += (ratio - 1.0) * integrationGain
	s.calls[driverID]++
}

// LastRatio returns the most recently reported ratio for driverID.
func (s *SoftwarePLL) LastRatio(driverID uint32) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratios[driverID]
}

// Offset returns the accumulated notional frequency offset for driverID.
func (s *SoftwarePLL) Offset(driverID uint32) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[driverID]
}

// CallCount returns how many times UpdateRelative has been called for driverID.
func (s *SoftwarePLL) CallCount(driverID uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[driverID]
}
