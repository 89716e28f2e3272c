package sequencer

import (
	"sync"
	"testing"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/nic"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/openavb/avbstreamhandler/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNIC struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeNIC) SendBatch(queueIdx int, packets []*packetpool.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range packets {
		buf := make([]byte, p.PayloadLen)
		copy(buf, p.Data())
		f.sent = append(f.sent, buf)
	}
	return nil
}
func (f *fakeNIC) Reclaim(queueIdx int) []*packetpool.Packet { return nil }
func (f *fakeNIC) SetShaper(queueIdx int, idleSlopeKbps uint64, hiCreditBytes int64) error {
	return nil
}
func (f *fakeNIC) ReadRX(buf []byte) (int, error)             { return 0, nil }
func (f *fakeNIC) SetRXDeadline(d time.Duration) error        { return nil }
func (f *fakeNIC) SetFilter(idx int, streamID uint64) error   { return nil }
func (f *fakeNIC) ClearFilter(idx int) error                  { return nil }
func (f *fakeNIC) MatchFilters(frame []byte) (int, bool)      { return 0, false }
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

func TestAddStreamRejectsClassMismatch(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	seq := New(stream.SRClassHigh, 0, drv, pool, DefaultConfig(), nil, nil)

	lowStream := stream.NewAudioTx(1, stream.SRClassLow, [6]byte{}, 2, 48000, stream.FormatS16, stream.TSpec{IntervalNs: 125_000, FramesPerInterval: 6}, nil, &constSource{n: 6})
	err := seq.AddStream(lowStream)
	assert.Error(t, err)
}

func TestAddStreamRejectsOverBandwidth(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	cfg := DefaultConfig()
	cfg.MaxBandwidthKbps = 50000
	seq := New(stream.SRClassLow, 0, drv, pool, cfg, nil, nil)

	mk := func(id uint64, bw uint64) *stream.Stream {
		return stream.NewAudioTx(id, stream.SRClassLow, [6]byte{}, 2, 48000, stream.FormatS16,
			stream.TSpec{IntervalNs: 1_333_333, FramesPerInterval: 6, MaxBandwidthKbps: bw}, nil, &constSource{n: 6})
	}

	require.NoError(t, seq.AddStream(mk(1, 20000)))
	require.NoError(t, seq.AddStream(mk(2, 20000)))
	err := seq.AddStream(mk(3, 20000))
	assert.Error(t, err, "third stream should exceed max_bandwidth_kbps")
}

func TestIterateSendsDueEntries(t *testing.T) {
	pool := packetpool.New(8)
	drv := &fakeNIC{}
	seq := New(stream.SRClassHigh, 0, drv, pool, DefaultConfig(), nil, nil)

	s := stream.NewAudioTx(1, stream.SRClassHigh, [6]byte{}, 2, 48000, stream.FormatS16,
		stream.TSpec{IntervalNs: 125_000, FramesPerInterval: 6}, nil, &constSource{n: 6})
	require.NoError(t, seq.AddStream(s))

	seq.iterate()

	assert.Equal(t, 1, seq.ActiveStreamCount())
	drv.mu.Lock()
	assert.NotEmpty(t, drv.sent)
	drv.mu.Unlock()
}
