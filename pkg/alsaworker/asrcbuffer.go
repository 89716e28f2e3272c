package alsaworker

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/openavb/avbstreamhandler/pkg/stream"
)

// ASRCBuffer is the ASRC ring buffer spec.md §4.7 describes as "shared with
// the AVB stream": a fixed-capacity float32 ring that the ALSA worker fills
// (Capture direction) or drains (Playback direction) on its device-period
// cadence, and that the AVB stream pulls from or pushes into on its own
// packet cadence. It implements both stream.PCMSource and stream.PCMSink so
// the same buffer can be handed straight to stream.NewAudioTx or
// stream.NewAudioRx depending on Config.Direction.
type ASRCBuffer struct {
	mu        sync.Mutex
	channels  int
	format    stream.AudioFormat
	ring      []float32
	capFrames int
	head      int
	tail      int
	count     int
	lastTsNs  uint64
}

func newASRCBuffer(capFrames, channels int, format stream.AudioFormat) *ASRCBuffer {
	return &ASRCBuffer{
		channels:  channels,
		format:    format,
		ring:      make([]float32, capFrames*channels),
		capFrames: capFrames,
	}
}

// PushSamples writes as many whole frames of frames (interleaved float32)
// as fit into the ring, returning the count actually written. nowNs stamps
// the buffer's cross-stamp clock for the worker's bufferDifftime calc.
func (b *ASRCBuffer) PushSamples(frames []float32, nowNs uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(frames) / b.channels
	written := 0
	for written < n && b.count < b.capFrames {
		copy(b.ring[b.head*b.channels:(b.head+1)*b.channels], frames[written*b.channels:(written+1)*b.channels])
		b.head = (b.head + 1) % b.capFrames
		b.count++
		written++
	}
	b.lastTsNs = nowNs
	return written
}

// PopSamples reads as many whole frames as fit into out, returning the
// count actually read.
func (b *ASRCBuffer) PopSamples(out []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(out) / b.channels
	read := 0
	for read < n && b.count > 0 {
		copy(out[read*b.channels:(read+1)*b.channels], b.ring[b.tail*b.channels:(b.tail+1)*b.channels])
		b.tail = (b.tail + 1) % b.capFrames
		b.count--
		read++
	}
	return read
}

// AvailableFrames reports how many frames are currently queued.
func (b *ASRCBuffer) AvailableFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// CapacityFrames reports the ring's total frame capacity.
func (b *ASRCBuffer) CapacityFrames() int {
	return b.capFrames
}

// CrossStamp returns the timestamp of the buffer's most recent push,
// asrcRemote.ts in spec.md §4.7's bufferDifftime calculation.
func (b *ASRCBuffer) CrossStamp() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTsNs
}

// ReadFrames implements stream.PCMSource: a TX stream pulls mic-sourced
// frames out of the ring on its own packetization cadence (Capture
// direction only).
func (b *ASRCBuffer) ReadFrames(out []byte, frames, channels int, format stream.AudioFormat) int {
	tmp := make([]float32, frames*channels)
	n := b.PopSamples(tmp)
	encodeSamples(out, tmp[:n*channels], format)
	return n
}

// WriteFrames implements stream.PCMSink: an RX stream pushes decoded
// network frames into the ring for the ALSA worker to drain toward the
// speaker (Playback direction only).
func (b *ASRCBuffer) WriteFrames(data []byte, channels int, format stream.AudioFormat) {
	bps := bytesPerSample(format)
	if bps == 0 || channels == 0 {
		return
	}
	frames := len(data) / (channels * bps)
	tmp := make([]float32, frames*channels)
	decodeSamples(tmp, data[:frames*channels*bps], format)
	b.PushSamples(tmp, 0)
}

func bytesPerSample(format stream.AudioFormat) int {
	switch format {
	case stream.FormatS16:
		return 2
	case stream.FormatS32, stream.FormatF32:
		return 4
	default:
		return 2
	}
}

// encodeSamples writes samples (one float32 per channel-sample, in
// [-1.0, 1.0]) into out using format's on-wire layout: big-endian integers
// for S16/S32 (matching the AAF header fields pkg/avtp already encodes
// big-endian), and big-endian IEEE754 for F32.
func encodeSamples(out []byte, samples []float32, format stream.AudioFormat) {
	bps := bytesPerSample(format)
	for i, s := range samples {
		off := i * bps
		if off+bps > len(out) {
			break
		}
		switch format {
		case stream.FormatS16:
			v := int16(clamp(s) * 32767)
			binary.BigEndian.PutUint16(out[off:], uint16(v))
		case stream.FormatS32:
			v := int32(clamp(s) * 2147483647)
			binary.BigEndian.PutUint32(out[off:], uint32(v))
		case stream.FormatF32:
			binary.BigEndian.PutUint32(out[off:], math.Float32bits(s))
		}
	}
}

// decodeSamples is encodeSamples's inverse.
func decodeSamples(out []float32, in []byte, format stream.AudioFormat) {
	bps := bytesPerSample(format)
	for i := range out {
		off := i * bps
		if off+bps > len(in) {
			break
		}
		switch format {
		case stream.FormatS16:
			v := int16(binary.BigEndian.Uint16(in[off:]))
			out[i] = float32(v) / 32768.0
		case stream.FormatS32:
			v := int32(binary.BigEndian.Uint32(in[off:]))
			out[i] = float32(v) / 2147483648.0
		case stream.FormatF32:
			out[i] = math.Float32frombits(binary.BigEndian.Uint32(in[off:]))
		}
	}
}

func clamp(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}
