package clockdomain

import (
	"context"
	"testing"

	"github.com/openavb/avbstreamhandler/pkg/pll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceMonotonicEvents(t *testing.T) {
	d := New(1, KindRaw, DefaultParams())
	d.Advance(10, 1_000_000)
	d.Advance(10, 2_000_000)
	d.Advance(10, 3_000_000)
	assert.Equal(t, uint64(30), d.Events())
}

func TestAdvanceConvergesToNominalRatio(t *testing.T) {
	params := DefaultParams()
	params.NominalIntervalNs = 1.0 // raw nanosecond-tick domain
	d := New(1, KindRaw, params)

	var t0 uint64 = 0
	for i := 0; i < 500; i++ {
		t0 += 1000
		d.Advance(1000, t0) // exactly nominal: 1000 events over 1000ns
	}
	assert.InDelta(t, 1.0, d.RateRatio(), 0.02)
}

func TestAdvanceLocksAfterSustainedAgreement(t *testing.T) {
	params := DefaultParams()
	params.NominalIntervalNs = 1.0
	params.LockThreshold1 = 1e-3
	params.LockThreshold2 = 4
	d := New(1, KindRaw, params)

	var t0 uint64 = 0
	for i := 0; i < 10; i++ {
		t0 += 1000
		d.Advance(1000, t0)
	}
	assert.True(t, d.Locked())
	assert.Equal(t, LockStateLocked, d.LockState())
}

func TestAdvanceUnlocksOnLargeDeviation(t *testing.T) {
	params := DefaultParams()
	params.NominalIntervalNs = 1.0
	params.LockThreshold1 = 1e-3
	params.LockThreshold2 = 4
	params.UnlockFactor = 3.0
	d := New(1, KindRaw, params)

	var t0 uint64 = 0
	for i := 0; i < 10; i++ {
		t0 += 1000
		d.Advance(1000, t0)
	}
	require.True(t, d.Locked())

	// A sudden large rate excursion (way beyond unlockFactor*threshold1)
	// must clear lock immediately.
	t0 += 1000
	d.Advance(2000, t0)
	assert.False(t, d.Locked())
}

func TestRegisterRecoverySinkReceivesUpdates(t *testing.T) {
	params := DefaultParams()
	params.NominalIntervalNs = 1.0
	d := New(1, KindRxStream, params)

	driver := pll.NewSoftwarePLL()
	d.RegisterRecoverySink(0x80864711, driver)

	var t0 uint64 = 0
	for i := 0; i < 60; i++ {
		t0 += 10_000
		// +100ppm fast source relative to nominal: 10001 events per 10000ns.
		d.Advance(10_001, t0)
	}
	assert.GreaterOrEqual(t, driver.CallCount(0x80864711), 50)
}

func TestNowInMediaTicksExtrapolates(t *testing.T) {
	params := DefaultParams()
	params.NominalIntervalNs = 1.0
	d := New(1, KindRaw, params)
	d.Advance(1000, 1000)
	d.Advance(1000, 2000)

	now := d.NowInMediaTicks(2500)
	assert.GreaterOrEqual(t, now, d.Events())
}

type fakeEdgeSource struct {
	edges chan uint64
}

func (f *fakeEdgeSource) WaitEdge(ctx context.Context) (uint64, bool) {
	select {
	case ts, ok := <-f.edges:
		return ts, ok
	case <-ctx.Done():
		return 0, false
	}
}

func TestHwCaptureWorkerAdvancesDomain(t *testing.T) {
	params := DefaultParams()
	params.NominalIntervalNs = 1.0
	d := New(1, KindHwCapture, params)

	src := &fakeEdgeSource{edges: make(chan uint64)}
	w := NewHwCaptureWorker(d, src, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	src.edges <- 1000
	src.edges <- 2000
	src.edges <- 3100 // slightly-off period, rounds to 1 period

	// Give the worker goroutine a moment to drain the buffered edges by
	// feeding one more edge and checking events advanced appropriately.
	src.edges <- 4100

	cancel()
	<-done

	assert.GreaterOrEqual(t, d.Events(), uint64(2))
}
