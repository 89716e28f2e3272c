package stream

import (
	"testing"

	"github.com/openavb/avbstreamhandler/pkg/clockdomain"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constPCMSource struct{ frames int }

func (c *constPCMSource) ReadFrames(out []byte, frames, channels int, format AudioFormat) int {
	n := c.frames
	if n > frames {
		n = frames
	}
	return n
}

type emptyPCMSource struct{}

func (emptyPCMSource) ReadFrames(out []byte, frames, channels int, format AudioFormat) int { return 0 }

func TestPrepareAudioTxProducesIncreasingLaunchTimes(t *testing.T) {
	pool := packetpool.New(8)
	tspec := TSpec{IntervalNs: 20_833_333, FramesPerInterval: 6, PresentationOffsetNs: 2_000_000}
	s := NewAudioTx(0x91E0F000FE010000, SRClassHigh, [6]byte{1, 2, 3, 4, 5, 6}, 2, 48000, FormatS16, tspec, nil, &constPCMSource{frames: 6})

	pkt1, l1, err := s.PreparePacket(1_000_000, pool)
	require.NoError(t, err)
	pkt2, l2, err := s.PreparePacket(1_000_000, pool)
	require.NoError(t, err)

	assert.Greater(t, l2, l1)
	assert.Equal(t, uint64(12), s.Diag.FramesTx.Load())
	pool.Put(pkt1)
	pool.Put(pkt2)
}

func TestPrepareAudioTxNoDataReturnsErrNoData(t *testing.T) {
	pool := packetpool.New(4)
	tspec := TSpec{IntervalNs: 20_833_333, FramesPerInterval: 6}
	s := NewAudioTx(1, SRClassHigh, [6]byte{}, 2, 48000, FormatS16, tspec, nil, emptyPCMSource{})

	_, _, err := s.PreparePacket(0, pool)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, 4, pool.FreeCount()) // packet returned, not leaked
}

func TestDispatchRXSeqNumMismatchRollover(t *testing.T) {
	clock := clockdomain.New(1, clockdomain.KindRxStream, clockdomain.DefaultParams())
	tspec := TSpec{IntervalNs: 20_833_333}
	rx := NewAudioRx(0xAA, SRClassHigh, [6]byte{}, 1, 48000, FormatS16, tspec, clock, nil)

	frame := buildTestFrame(t, 0xAA, 255, true)
	st, err := rx.DispatchRX(frame, 1000)
	require.NoError(t, err)
	assert.Equal(t, StateValid, st)

	frame2 := buildTestFrame(t, 0xAA, 0, true) // rollover 255 -> 0, in order
	_, err = rx.DispatchRX(frame2, 2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rx.Diag.SeqNumMismatch.Load())
}

func TestDispatchRXDetectsGap(t *testing.T) {
	tspec := TSpec{IntervalNs: 20_833_333}
	rx := NewAudioRx(0xAA, SRClassHigh, [6]byte{}, 1, 48000, FormatS16, tspec, nil, nil)

	frame := buildTestFrame(t, 0xAA, 5, true)
	_, err := rx.DispatchRX(frame, 1000)
	require.NoError(t, err)

	frame2 := buildTestFrame(t, 0xAA, 7, true) // skipped 6
	_, err = rx.DispatchRX(frame2, 2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rx.Diag.SeqNumMismatch.Load())
}

func buildTestFrame(t *testing.T, streamID uint64, seq uint8, tv bool) []byte {
	t.Helper()
	buf := make([]byte, 18+12+16)
	// minimal ethernet, no vlan: ethertype 0x22F0 at offset 12
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
