package txengine

import (
	"sync"
	"testing"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/nic"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/openavb/avbstreamhandler/pkg/sequencer"
	"github.com/openavb/avbstreamhandler/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNIC struct {
	mu       sync.Mutex
	sent     int
	hiCredit int64
}

func (f *fakeNIC) SendBatch(queueIdx int, packets []*packetpool.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent += len(packets)
	return nil
}
func (f *fakeNIC) Reclaim(queueIdx int) []*packetpool.Packet { return nil }
func (f *fakeNIC) SetShaper(queueIdx int, idleSlopeKbps uint64, hiCreditBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hiCredit = hiCreditBytes
	return nil
}
func (f *fakeNIC) ReadRX(buf []byte) (int, error)           { return 0, nil }
func (f *fakeNIC) SetRXDeadline(d time.Duration) error      { return nil }
func (f *fakeNIC) SetFilter(idx int, streamID uint64) error { return nil }
func (f *fakeNIC) ClearFilter(idx int) error                { return nil }
func (f *fakeNIC) MatchFilters(frame []byte) (int, bool)    { return 0, false }
func (f *fakeNIC) AuxTimestamp(idx int, p float64) (*nic.AuxEdgeSource, error) {
	return nil, nil
}
func (f *fakeNIC) Close() error { return nil }

type constSource struct{ n int }

func (c *constSource) ReadFrames(out []byte, frames, channels int, format stream.AudioFormat) int {
	if c.n > frames {
		return frames
	}
	return c.n
}

func defaultCfgs() map[stream.SRClass]sequencer.Config {
	return map[stream.SRClass]sequencer.Config{
		stream.SRClassHigh: sequencer.DefaultConfig(),
		stream.SRClassLow:  sequencer.DefaultConfig(),
	}
}

func TestActivateCreatesSequencerLazily(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	eng := New(drv, pool, defaultCfgs(), nil, nil)
	defer eng.Shutdown()

	s := stream.NewAudioTx(1, stream.SRClassHigh, [6]byte{}, 2, 48000, stream.FormatS16,
		stream.TSpec{IntervalNs: 125_000, FramesPerInterval: 6}, nil, &constSource{n: 6})

	assert.Empty(t, eng.sequencers)
	require.NoError(t, eng.Activate(s))
	assert.Contains(t, eng.streams, uint64(1))
	assert.Contains(t, eng.sequencers, stream.SRClassHigh)
	assert.NotContains(t, eng.sequencers, stream.SRClassLow)
}

func TestRegisterEventListenerRejectsSecondCall(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	eng := New(drv, pool, defaultCfgs(), nil, nil)
	defer eng.Shutdown()

	require.NoError(t, eng.RegisterEventListener(stubListener{}))
	err := eng.RegisterEventListener(stubListener{})
	assert.Error(t, err)
}

func TestDeactivateUnknownStreamReturnsNotFound(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	eng := New(drv, pool, defaultCfgs(), nil, nil)
	defer eng.Shutdown()

	s := stream.NewAudioTx(99, stream.SRClassHigh, [6]byte{}, 2, 48000, stream.FormatS16,
		stream.TSpec{IntervalNs: 125_000, FramesPerInterval: 6}, nil, &constSource{n: 6})
	err := eng.Deactivate(s)
	assert.Error(t, err)
}

func TestActivateDeactivateRoundTrip(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	eng := New(drv, pool, defaultCfgs(), nil, nil)
	defer eng.Shutdown()

	s := stream.NewAudioTx(5, stream.SRClassLow, [6]byte{}, 2, 48000, stream.FormatS16,
		stream.TSpec{IntervalNs: 125_000, FramesPerInterval: 6}, nil, &constSource{n: 6})
	require.NoError(t, eng.Activate(s))
	require.NoError(t, eng.Deactivate(s))
	assert.NotContains(t, eng.streams, uint64(5))
}

func TestUpdateLinkStatusCascadesAndNotifiesListener(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	eng := New(drv, pool, defaultCfgs(), nil, nil)
	defer eng.Shutdown()

	s := stream.NewAudioTx(1, stream.SRClassHigh, [6]byte{}, 2, 48000, stream.FormatS16,
		stream.TSpec{IntervalNs: 125_000, FramesPerInterval: 6}, nil, &constSource{n: 6})
	require.NoError(t, eng.Activate(s))

	l := &recordingListener{}
	require.NoError(t, eng.RegisterEventListener(l))

	eng.UpdateLinkStatus(false)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.linkEvents, 1)
	assert.False(t, l.linkEvents[0])
}

func TestSetMaxFrameSizeHighPropagatesToLowSequencer(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	eng := New(drv, pool, defaultCfgs(), nil, nil)
	defer eng.Shutdown()

	// 1000 rather than 1522: 1522*8 is also the hiCredit used without a
	// propagated value, so only a different size shows propagation.
	eng.SetMaxFrameSizeHigh(1000)

	low := eng.sequencerFor(stream.SRClassLow)
	require.NotNil(t, low)
	drv.mu.Lock()
	defer drv.mu.Unlock()
	assert.Equal(t, int64(1000*8), drv.hiCredit)
}

func TestShutdownStopsAllLazilyCreatedSequencers(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	eng := New(drv, pool, defaultCfgs(), nil, nil)

	high := stream.NewAudioTx(1, stream.SRClassHigh, [6]byte{}, 2, 48000, stream.FormatS16,
		stream.TSpec{IntervalNs: 125_000, FramesPerInterval: 6}, nil, &constSource{n: 6})
	low := stream.NewAudioTx(2, stream.SRClassLow, [6]byte{}, 2, 48000, stream.FormatS16,
		stream.TSpec{IntervalNs: 125_000, FramesPerInterval: 6}, nil, &constSource{n: 6})
	require.NoError(t, eng.Activate(high))
	require.NoError(t, eng.Activate(low))

	done := make(chan struct{})
	go func() {
		eng.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not stop both sequencer goroutines (second-created sequencer may still be running)")
	}
}

type stubListener struct{}

func (stubListener) OnLinkStatus(up bool)                          {}
func (stubListener) OnStreamStatus(streamID uint64, state stream.State) {}

type recordingListener struct {
	mu         sync.Mutex
	linkEvents []bool
}

func (r *recordingListener) OnLinkStatus(up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linkEvents = append(r.linkEvents, up)
}
func (r *recordingListener) OnStreamStatus(streamID uint64, state stream.State) {}
