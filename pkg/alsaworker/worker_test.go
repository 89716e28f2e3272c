package alsaworker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice mirrors the teacher's paStream test seam: a Device double
// that signals a period every call without touching real hardware.
type fakeDevice struct {
	mu           sync.Mutex
	periodFrames int
	channels     int
	ts           uint64
	started      atomic.Bool
	closed       atomic.Bool
	periods      atomic.Int32
	lastBuf      []float32
	maxPeriods   int32
}

func newFakeDevice(periodFrames, channels int) *fakeDevice {
	return &fakeDevice{periodFrames: periodFrames, channels: channels, maxPeriods: 1 << 30}
}

func (d *fakeDevice) Start() error { d.started.Store(true); return nil }
func (d *fakeDevice) Stop() error  { return nil }
func (d *fakeDevice) Close() error { d.closed.Store(true); return nil }

func (d *fakeDevice) WaitPeriod(ctx context.Context) error {
	if d.periods.Add(1) > d.maxPeriods {
		<-ctx.Done()
		return ctx.Err()
	}
	d.mu.Lock()
	d.ts += uint64(time.Millisecond)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Transfer(buf []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastBuf = append([]float32(nil), buf...)
	return nil
}

func (d *fakeDevice) CrossStamp() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ts
}

func (d *fakeDevice) PeriodFrames() int { return d.periodFrames }

func TestPrimeFillsBufferToTargetLevel(t *testing.T) {
	dev := newFakeDevice(64, 1)
	cfg := DefaultConfig()
	cfg.PeriodFrames = 64
	cfg.NumPeriods = 4
	w := New(dev, cfg, nil)

	assert.Equal(t, 0, w.Buffer().AvailableFrames())
	w.prime()
	assert.Equal(t, w.targetLevel, w.Buffer().AvailableFrames())
}

func TestRunStartsAndStopsDeviceCleanly(t *testing.T) {
	dev := newFakeDevice(64, 1)
	dev.maxPeriods = 5
	cfg := DefaultConfig()
	cfg.PeriodFrames = 64
	w := New(dev, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return in time")
	}

	assert.True(t, dev.started.Load())
	assert.True(t, dev.closed.Load())
}

func TestIteratePlaybackDrainsASRCIntoDevice(t *testing.T) {
	dev := newFakeDevice(32, 1)
	cfg := DefaultConfig()
	cfg.Direction = Playback
	cfg.PeriodFrames = 32
	cfg.NumPeriods = 4
	w := New(dev, cfg, nil)
	w.prime()

	for i := 0; i < 4; i++ {
		dev.mu.Lock()
		dev.ts += uint64(32 * int(time.Second) / int(cfg.SampleHz))
		dev.mu.Unlock()
		w.iterate()
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	require.Len(t, dev.lastBuf, 32)
}

func TestIterateCapturePushesDeviceIntoASRC(t *testing.T) {
	dev := newFakeDevice(32, 1)
	cfg := DefaultConfig()
	cfg.Direction = Capture
	cfg.PeriodFrames = 32
	cfg.NumPeriods = 4
	w := New(dev, cfg, nil)
	w.prime()
	before := w.Buffer().AvailableFrames()

	w.iterate()

	assert.GreaterOrEqual(t, w.Buffer().AvailableFrames(), before-cfg.PeriodFrames)
}

func TestBufferRoundTripsViaPCMInterfaces(t *testing.T) {
	var asrc stream.PCMSink = newASRCBuffer(64, 2, stream.FormatS16)
	asrc.WriteFrames([]byte{0, 10, 0, 20, 0, 30, 0, 40}, 2, stream.FormatS16)

	var src stream.PCMSource = asrc.(*ASRCBuffer)
	out := make([]byte, 8)
	n := src.ReadFrames(out, 2, 2, stream.FormatS16)
	assert.Equal(t, 2, n)
}

func TestFarrowResamplerProducesOutputNearUnityRatio(t *testing.T) {
	r := newFarrowResampler(1)
	in := make([]float32, 64)
	for i := range in {
		in[i] = float32(i)
	}
	out, consumed := r.Process(in, 1.0)
	assert.NotEmpty(t, out)
	assert.Greater(t, consumed, 0)
	assert.LessOrEqual(t, consumed, len(in))
}

func TestSRCControllerClampsToMaxDeviation(t *testing.T) {
	c := newSRCController()
	ratio := c.Update(1_000_000)
	assert.LessOrEqual(t, ratio, 1.0+c.maxDev)

	ratio = c.Update(-1_000_000)
	assert.GreaterOrEqual(t, ratio, 1.0-c.maxDev)
}
