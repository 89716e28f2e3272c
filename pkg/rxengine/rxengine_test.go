package rxengine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/nic"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/openavb/avbstreamhandler/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

// fakeNIC feeds a queue of frames to ReadRX, returning a timeout once
// drained, and records filter programming for DirectDMAMode assertions.
type fakeNIC struct {
	mu      sync.Mutex
	frames  [][]byte
	filters map[int]uint64
}

func newFakeNIC(frames ...[]byte) *fakeNIC {
	return &fakeNIC{frames: frames, filters: make(map[int]uint64)}
}

func (f *fakeNIC) SendBatch(queueIdx int, packets []*packetpool.Packet) error { return nil }
func (f *fakeNIC) Reclaim(queueIdx int) []*packetpool.Packet                  { return nil }
func (f *fakeNIC) SetShaper(queueIdx int, idleSlopeKbps uint64, hiCreditBytes int64) error {
	return nil
}
func (f *fakeNIC) ReadRX(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return 0, timeoutErr{}
	}
	frame := f.frames[0]
	f.frames = f.frames[1:]
	return copy(buf, frame), nil
}
func (f *fakeNIC) SetRXDeadline(d time.Duration) error { return nil }
func (f *fakeNIC) SetFilter(idx int, streamID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters[idx] = streamID
	return nil
}
func (f *fakeNIC) ClearFilter(idx int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.filters, idx)
	return nil
}
func (f *fakeNIC) MatchFilters(frame []byte) (int, bool) {
	id, ok := avtpStreamID(frame)
	if !ok {
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for idx, sid := range f.filters {
		if sid == id {
			return idx, true
		}
	}
	return 0, false
}
func (f *fakeNIC) AuxTimestamp(idx int, p float64) (*nic.AuxEdgeSource, error) { return nil, nil }
func (f *fakeNIC) Close() error                                                { return nil }

type recordingListener struct {
	mu      sync.Mutex
	changes []stream.State
}

func (r *recordingListener) OnLinkStatus(up bool) {}
func (r *recordingListener) OnStreamStatus(streamID uint64, state stream.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, state)
}

func buildTestFrame(streamID uint64, seq uint8, tv bool) []byte {
	buf := make([]byte, 14+12+16)
	buf[12] = 0x22
	buf[13] = 0xF0
	off := 14
	buf[off] = 0x02 // AAF
	buf[off+1] = 0x80
	buf[off+2] = seq
	if tv {
		buf[off+3] = 0x01
	}
	for i := 0; i < 8; i++ {
		buf[off+4+i] = byte(streamID >> uint(56-8*i))
	}
	return buf
}

func TestDispatchDeliversKnownStreamAndFiresEvent(t *testing.T) {
	frame := buildTestFrame(0xAA, 5, true)
	drv := newFakeNIC(frame)
	eng := New(drv, DefaultConfig(), nil, nil)

	rx := stream.NewAudioRx(0xAA, stream.SRClassHigh, [6]byte{}, 1, 48000, stream.FormatS16, stream.TSpec{IntervalNs: 20_833_333}, nil, nil)
	require.NoError(t, eng.AddStream(rx))

	l := &recordingListener{}
	require.NoError(t, eng.RegisterEventListener(l))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = eng.Run(ctx)

	assert.Equal(t, uint64(1), rx.Diag.FramesRx.Load())
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotEmpty(t, l.changes)
	assert.Equal(t, stream.StateValid, l.changes[0])
}

func TestDispatchSilentlyDropsUnknownStream(t *testing.T) {
	frame := buildTestFrame(0xBB, 1, true)
	drv := newFakeNIC(frame)
	eng := New(drv, DefaultConfig(), nil, nil)

	rx := stream.NewAudioRx(0xAA, stream.SRClassHigh, [6]byte{}, 1, 48000, stream.FormatS16, stream.TSpec{IntervalNs: 20_833_333}, nil, nil)
	require.NoError(t, eng.AddStream(rx))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = eng.Run(ctx)

	assert.Equal(t, uint64(0), rx.Diag.FramesRx.Load())
}

func TestAddStreamDirectDMAModeProgramsFilter(t *testing.T) {
	drv := newFakeNIC()
	cfg := DefaultConfig()
	cfg.Mode = DirectDMAMode
	eng := New(drv, cfg, nil, nil)

	rx := stream.NewAudioRx(0xAA, stream.SRClassHigh, [6]byte{}, 1, 48000, stream.FormatS16, stream.TSpec{IntervalNs: 20_833_333}, nil, nil)
	require.NoError(t, eng.AddStream(rx))

	assert.Equal(t, uint64(0xAA), drv.filters[0])

	eng.RemoveStream(rx)
	assert.Empty(t, drv.filters)
}

func TestAddStreamDuplicateStreamIDRejected(t *testing.T) {
	drv := newFakeNIC()
	eng := New(drv, DefaultConfig(), nil, nil)

	rx := stream.NewAudioRx(0xAA, stream.SRClassHigh, [6]byte{}, 1, 48000, stream.FormatS16, stream.TSpec{IntervalNs: 20_833_333}, nil, nil)
	require.NoError(t, eng.AddStream(rx))
	assert.Error(t, eng.AddStream(rx))
}

func TestRegisterEventListenerRejectsSecondCall(t *testing.T) {
	drv := newFakeNIC()
	eng := New(drv, DefaultConfig(), nil, nil)

	require.NoError(t, eng.RegisterEventListener(&recordingListener{}))
	assert.Error(t, eng.RegisterEventListener(&recordingListener{}))
}
