// Package stream implements the tagged-variant Stream capability set from
// spec.md §4.2 and §9 ("re-express as a tagged variant ... with a single
// capability set; the sequencer holds a reference and dispatches via the
// variant"): AudioTx, AudioRx, VideoTx, VideoRx, CrfTx, CrfRx all share one
// struct and one prepare_packet/dispatch pair, switching behavior on Kind
// instead of through a class hierarchy. Video framing is grounded on the
// teacher relay's RTP packetizers (pkg/rtp/h264.go), reusing pion/rtp to
// carry NAL units inside the AVTP CVF payload the way 1722a's RTP-profile
// CVF mapping does.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/openavb/avbstreamhandler/pkg/avtp"
	"github.com/openavb/avbstreamhandler/pkg/clockdomain"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/pion/rtp"
)

// Kind tags which of the six capability variants a Stream implements.
type Kind int

const (
	AudioTx Kind = iota
	AudioRx
	VideoTx
	VideoRx
	CrfTx
	CrfRx
)

func (k Kind) String() string {
	switch k {
	case AudioTx:
		return "AudioTx"
	case AudioRx:
		return "AudioRx"
	case VideoTx:
		return "VideoTx"
	case VideoRx:
		return "VideoRx"
	case CrfTx:
		return "CrfTx"
	case CrfRx:
		return "CrfRx"
	default:
		return "Unknown"
	}
}

func (k Kind) isTx() bool { return k == AudioTx || k == VideoTx || k == CrfTx }

// SRClass is the stream-reservation traffic class, High (125µs interval)
// or Low (1.333ms interval).
type SRClass int

const (
	SRClassHigh SRClass = iota
	SRClassLow
)

func (c SRClass) String() string {
	if c == SRClassHigh {
		return "High"
	}
	return "Low"
}

// State is an RX stream's validity state machine: spec.md §4.2's
// Inactive -> NoData -> InvalidData <-> Valid.
type State int

const (
	StateInactive State = iota
	StateNoData
	StateInvalidData
	StateValid
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateNoData:
		return "NoData"
	case StateInvalidData:
		return "InvalidData"
	case StateValid:
		return "Valid"
	default:
		return "Unknown"
	}
}

// AudioFormat is one of the fixed sample formats spec.md §1 allows.
type AudioFormat int

const (
	FormatS16 AudioFormat = iota
	FormatS32
	FormatF32
)

func (f AudioFormat) bytesPerSample() int {
	switch f {
	case FormatS16:
		return 2
	case FormatS32, FormatF32:
		return 4
	default:
		return 2
	}
}

// TSpec bundles the per-stream traffic-shaping parameters from spec.md §3.
type TSpec struct {
	IntervalNs            uint64
	MaxFrameSize          int
	FramesPerInterval     int
	VLANID                uint16
	VLANPrio              uint8
	PresentationOffsetNs  uint64
	MaxBandwidthKbps      uint64
}

// Diag holds the per-stream diagnostic counters spec.md §4.2 names,
// readable concurrently from the control API while a worker thread writes.
type Diag struct {
	FramesTx         atomic.Uint64
	FramesRx         atomic.Uint64
	SeqNumMismatch   atomic.Uint64
	MediaLocked      atomic.Uint64
	MediaUnlocked    atomic.Uint64
	TimestampValid   atomic.Uint64
	TimestampInvalid atomic.Uint64
	LateTimestamp    atomic.Uint64
	EarlyTimestamp   atomic.Uint64
	Dropped          atomic.Uint64
	ResetCount       atomic.Uint64
	StreamInterrupted atomic.Uint64
}

// PCMSource supplies interleaved PCM frames for an AudioTx stream; it
// returns fewer frames than requested (including zero) when the local
// ring is temporarily empty, which PreparePacket turns into a dummy
// filler packet rather than an error.
type PCMSource interface {
	ReadFrames(out []byte, frames, channels int, format AudioFormat) (framesRead int)
}

// PCMSink receives interleaved PCM frames decoded from an AudioRx stream.
type PCMSink interface {
	WriteFrames(data []byte, channels int, format AudioFormat)
}

// VideoSource supplies one encoded access unit (H.264 NAL units) per call
// for a VideoTx stream.
type VideoSource interface {
	NextFrame() (nalus []byte, keyframe bool, ok bool)
}

// VideoSink receives decoded access units for a VideoRx stream.
type VideoSink interface {
	WriteFrame(nalus []byte, keyframe bool)
}

var (
	// ErrNoData is returned by PreparePacket when a TX stream currently
	// has nothing to send; callers (the sequencer) treat it as "request a
	// dummy packet", not a hard error.
	ErrNoData = errors.New("stream: no data available")
	// ErrResetRequested signals that the stream itself wants its
	// sequencer entry reset (clock re-anchor, pool re-seed).
	ErrResetRequested = errors.New("stream: reset requested")
)

const streamInterruptedThreshold = 8 // consecutive invalid frames before InvalidData

// Stream is the single struct backing every Kind. Only the fields relevant
// to a given Kind are populated; PreparePacket/DispatchRX assert Kind
// internally rather than exposing six separate types.
type Stream struct {
	mu sync.Mutex

	Kind     Kind
	// InstanceID identifies this particular Stream object across its
	// lifetime, distinct from StreamID: a numeric StreamID can be reused
	// by a later Create* call once Destroy frees it, which would otherwise
	// make diagnostic log lines from the old and new stream ambiguous.
	InstanceID string
	StreamID   uint64
	SRClass    SRClass
	DMAC       [6]byte
	TSpec      TSpec
	Clock      *clockdomain.Domain
	Diag       Diag
	Active     bool

	// Wildcard RX: matches any incoming frame's stream ID (spec.md §4.6,
	// §8 scenario 6). pkg/engine sets it for stream_id==0; the
	// rx.ignore.stream_id registry key is not consulted.
	WildcardRX bool
	IdleWaitNs uint64

	AudioChannels int
	AudioSampleHz uint32
	AudioFormat   AudioFormat
	audioSrc      PCMSource
	audioSink     PCMSink

	VideoMaxPktRate int
	VideoMaxPktSize int
	videoSrc        VideoSource
	videoSink       VideoSink

	// TX-side sequencing state.
	txSeqNum       uint8
	lastLaunchTime uint64
	haveLaunch     bool

	// RX-side sequencing state.
	expectedSeqNum    uint8
	haveExpected      bool
	lastState         State
	lastTimeDispatched uint64
	invalidStreak     int
	lastMR            bool
	haveLastMR        bool
}

// NewAudioTx constructs a TX audio stream fed by src.
func NewAudioTx(streamID uint64, class SRClass, dmac [6]byte, channels int, sampleHz uint32, format AudioFormat, tspec TSpec, clock *clockdomain.Domain, src PCMSource) *Stream {
	return &Stream{
		Kind: AudioTx, InstanceID: uuid.New().String(), StreamID: streamID, SRClass: class, DMAC: dmac,
		TSpec: tspec, Clock: clock, AudioChannels: channels, AudioSampleHz: sampleHz,
		AudioFormat: format, audioSrc: src,
	}
}

// NewAudioRx constructs an RX audio stream writing decoded frames to sink.
func NewAudioRx(streamID uint64, class SRClass, dmac [6]byte, channels int, sampleHz uint32, format AudioFormat, tspec TSpec, clock *clockdomain.Domain, sink PCMSink) *Stream {
	return &Stream{
		Kind: AudioRx, InstanceID: uuid.New().String(), StreamID: streamID, SRClass: class, DMAC: dmac,
		TSpec: tspec, Clock: clock, AudioChannels: channels, AudioSampleHz: sampleHz,
		AudioFormat: format, audioSink: sink, lastState: StateInactive,
	}
}

// NewVideoTx constructs a TX video stream fed by src.
func NewVideoTx(streamID uint64, class SRClass, dmac [6]byte, maxPktRate, maxPktSize int, tspec TSpec, clock *clockdomain.Domain, src VideoSource) *Stream {
	return &Stream{
		Kind: VideoTx, InstanceID: uuid.New().String(), StreamID: streamID, SRClass: class, DMAC: dmac,
		TSpec: tspec, Clock: clock, VideoMaxPktRate: maxPktRate, VideoMaxPktSize: maxPktSize,
		videoSrc: src,
	}
}

// NewVideoRx constructs an RX video stream writing decoded frames to sink.
func NewVideoRx(streamID uint64, class SRClass, dmac [6]byte, maxPktRate, maxPktSize int, tspec TSpec, clock *clockdomain.Domain, sink VideoSink) *Stream {
	return &Stream{
		Kind: VideoRx, InstanceID: uuid.New().String(), StreamID: streamID, SRClass: class, DMAC: dmac,
		TSpec: tspec, Clock: clock, VideoMaxPktRate: maxPktRate, VideoMaxPktSize: maxPktSize,
		videoSink: sink, lastState: StateInactive,
	}
}

// NewCrfTx constructs a TX clock-reference stream deriving timestamps from clock.
func NewCrfTx(streamID uint64, class SRClass, dmac [6]byte, tspec TSpec, clock *clockdomain.Domain) *Stream {
	return &Stream{Kind: CrfTx, InstanceID: uuid.New().String(), StreamID: streamID, SRClass: class, DMAC: dmac, TSpec: tspec, Clock: clock}
}

// NewCrfRx constructs an RX clock-reference stream that advances clock on
// every valid CRF packet — the source of a derived clock domain (spec.md
// §6 derive_clock_from_rx).
func NewCrfRx(streamID uint64, class SRClass, dmac [6]byte, tspec TSpec, clock *clockdomain.Domain) *Stream {
	return &Stream{Kind: CrfRx, InstanceID: uuid.New().String(), StreamID: streamID, SRClass: class, DMAC: dmac, TSpec: tspec, Clock: clock, lastState: StateInactive}
}

// Reset re-anchors TX sequencing state, the "stream.reset()" spec.md §4.4
// calls when the sequencer drops or resets this stream's entry.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveLaunch = false
	s.Diag.ResetCount.Add(1)
}

// PreparePacket builds the next packet for a TX stream. nowTicks is the
// caller's current time in its launch-time clock base (pkg/sequencer
// passes its nowFn reading or the entry's last launch time); it anchors
// the first launch time after construction or Reset and is ignored
// otherwise. pool supplies the backing buffer. Returns ErrNoData
// when the underlying producer has nothing ready — the sequencer then
// requests a dummy packet with launch_time = last + nominal_interval so
// the shaper keeps draining credit (spec.md §4.4 "Tie-breaks").
func (s *Stream) PreparePacket(nowTicks uint64, pool *packetpool.Pool) (*packetpool.Packet, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Kind.isTx() {
		return nil, 0, fmt.Errorf("stream: PreparePacket called on RX kind %s", s.Kind)
	}

	launch := s.nextLaunchTimeLocked(nowTicks)

	switch s.Kind {
	case AudioTx:
		return s.prepareAudioTx(pool, launch)
	case VideoTx:
		return s.prepareVideoTx(pool, launch)
	case CrfTx:
		return s.prepareCrfTx(pool, launch)
	default:
		return nil, 0, fmt.Errorf("stream: unhandled TX kind %s", s.Kind)
	}
}

// PrepareDummyPacket builds a flags.dummy packet carrying only the AVTP
// common header, timestamped at this stream's launch-time cursor (already
// advanced by the PreparePacket call that returned ErrNoData). The
// sequencer sends it in place of real data so the shaper keeps draining
// credit and the stream's clock phase stays anchored while idle (spec.md
// §3/§4.4 "Tie-breaks").
func (s *Stream) PrepareDummyPacket(pool *packetpool.Pool) (*packetpool.Packet, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	launch := s.lastLaunchTime
	pkt, err := pool.Get()
	if err != nil {
		return nil, 0, err
	}

	h := s.commonHeader(true)
	h.Subtype = s.subtypeForKindLocked()
	h.TV = true
	h.Timestamp = uint32(launch)
	if err := avtp.Encode(pkt.Buf[:avtp.HeaderLen], h); err != nil {
		pool.Put(pkt)
		return nil, 0, err
	}

	pkt.PayloadLen = avtp.HeaderLen
	pkt.LaunchTimeNs = launch
	pkt.Dummy = true
	pool.Stamp(pkt, avtp.HeaderLen)
	return pkt, launch, nil
}

func (s *Stream) subtypeForKindLocked() avtp.Subtype {
	switch s.Kind {
	case VideoTx, VideoRx:
		return avtp.SubtypeCVF
	case CrfTx, CrfRx:
		return avtp.SubtypeCRF
	default:
		return avtp.SubtypeAAF
	}
}

func (s *Stream) nextLaunchTimeLocked(nowTicks uint64) uint64 {
	if !s.haveLaunch {
		s.lastLaunchTime = nowTicks + s.TSpec.PresentationOffsetNs
		s.haveLaunch = true
		return s.lastLaunchTime
	}
	s.lastLaunchTime += s.TSpec.IntervalNs
	return s.lastLaunchTime
}

func (s *Stream) commonHeader(sv bool) avtp.CommonHeader {
	h := avtp.CommonHeader{
		Version:     0,
		SV:          sv,
		SequenceNum: s.txSeqNum,
		StreamID:    s.StreamID,
	}
	s.txSeqNum++ // wraps at 256 by uint8 overflow, per spec.md §4.2
	return h
}

func (s *Stream) prepareAudioTx(pool *packetpool.Pool, launch uint64) (*packetpool.Packet, uint64, error) {
	bytesPerFrame := s.AudioChannels * s.AudioFormat.bytesPerSample()
	frames := s.TSpec.FramesPerInterval
	if frames <= 0 {
		frames = 1
	}
	payloadCap := frames * bytesPerFrame

	pkt, err := pool.Get()
	if err != nil {
		return nil, 0, err
	}

	h := s.commonHeader(true)
	h.Subtype = avtp.SubtypeAAF
	h.TV = true
	h.Timestamp = uint32(launch)

	if err := avtp.Encode(pkt.Buf[:avtp.HeaderLen], h); err != nil {
		pool.Put(pkt)
		return nil, 0, err
	}

	n := 0
	if s.audioSrc != nil {
		n = s.audioSrc.ReadFrames(pkt.Buf[avtp.HeaderLen:avtp.HeaderLen+payloadCap], frames, s.AudioChannels, s.AudioFormat)
	}
	if n == 0 {
		pool.Put(pkt)
		return nil, 0, ErrNoData
	}

	pkt.PayloadLen = avtp.HeaderLen + n*bytesPerFrame
	pkt.LaunchTimeNs = launch
	pool.Stamp(pkt, avtp.HeaderLen)
	s.Diag.FramesTx.Add(uint64(n))
	return pkt, launch, nil
}

func (s *Stream) prepareVideoTx(pool *packetpool.Pool, launch uint64) (*packetpool.Packet, uint64, error) {
	if s.videoSrc == nil {
		return nil, 0, ErrNoData
	}
	nalus, keyframe, ok := s.videoSrc.NextFrame()
	if !ok || len(nalus) == 0 {
		return nil, 0, ErrNoData
	}

	rtpPkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         keyframe,
			PayloadType:    96,
			SequenceNumber: uint16(s.txSeqNum),
			Timestamp:      uint32(launch),
			SSRC:           uint32(s.StreamID),
		},
		Payload: nalus,
	}
	marshaled, err := rtpPkt.Marshal()
	if err != nil {
		return nil, 0, fmt.Errorf("stream: marshal CVF payload: %w", err)
	}
	if avtp.HeaderLen+len(marshaled) > s.VideoMaxPktSize && s.VideoMaxPktSize > 0 {
		return nil, 0, fmt.Errorf("stream: video frame %d bytes exceeds max_pkt_size %d", len(marshaled), s.VideoMaxPktSize)
	}

	pkt, err := pool.Get()
	if err != nil {
		return nil, 0, err
	}

	h := s.commonHeader(true)
	h.Subtype = avtp.SubtypeCVF
	h.TV = true
	h.Timestamp = uint32(launch)
	if err := avtp.Encode(pkt.Buf[:avtp.HeaderLen], h); err != nil {
		pool.Put(pkt)
		return nil, 0, err
	}
	copy(pkt.Buf[avtp.HeaderLen:], marshaled)
	pkt.PayloadLen = avtp.HeaderLen + len(marshaled)
	pkt.LaunchTimeNs = launch
	pool.Stamp(pkt, avtp.HeaderLen)
	s.Diag.FramesTx.Add(1)
	return pkt, launch, nil
}

// crfTimestampCount is the number of media-clock timestamps one CRF packet
// carries, per IEEE 1722 CRF's fixed batch size for audio-sample-count type.
const crfTimestampCount = 6

func (s *Stream) prepareCrfTx(pool *packetpool.Pool, launch uint64) (*packetpool.Packet, uint64, error) {
	pkt, err := pool.Get()
	if err != nil {
		return nil, 0, err
	}
	h := s.commonHeader(true)
	h.Subtype = avtp.SubtypeCRF
	h.TV = true
	h.Timestamp = uint32(launch)
	if err := avtp.Encode(pkt.Buf[:avtp.HeaderLen], h); err != nil {
		pool.Put(pkt)
		return nil, 0, err
	}

	off := avtp.HeaderLen
	ts := launch
	for i := 0; i < crfTimestampCount; i++ {
		binary.BigEndian.PutUint64(pkt.Buf[off:off+8], ts)
		off += 8
		ts += s.TSpec.IntervalNs
	}
	pkt.PayloadLen = off
	pkt.LaunchTimeNs = launch
	pool.Stamp(pkt, avtp.HeaderLen)
	s.Diag.FramesTx.Add(1)
	return pkt, launch, nil
}

// DispatchRX validates and applies one received raw frame (Ethernet header
// through AVTP payload) against an RX stream, returning its updated state.
// Implements spec.md §4.2's RX-side capability and state machine.
func (s *Stream) DispatchRX(frame []byte, nowNs uint64) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Kind != AudioRx && s.Kind != VideoRx && s.Kind != CrfRx {
		return s.lastState, fmt.Errorf("stream: DispatchRX called on TX kind %s", s.Kind)
	}

	_, off, err := avtp.DecodeEthernetHeader(frame)
	if err != nil {
		return s.markInvalidLocked(), nil
	}
	h, err := avtp.Decode(frame[off:])
	if err != nil {
		return s.markInvalidLocked(), nil
	}
	if !s.WildcardRX && h.StreamID != s.StreamID {
		return s.lastState, nil // not for us; caller should not have routed this
	}

	s.lastTimeDispatched = nowNs
	s.Diag.FramesRx.Add(1)

	if s.haveExpected {
		// expectedSeqNum holds prev+1; measure the step from prev.
		delta := avtp.SeqNumDelta(s.expectedSeqNum-1, h.SequenceNum)
		if delta != 1 {
			s.Diag.SeqNumMismatch.Add(1)
		}
	}
	s.expectedSeqNum = h.SequenceNum + 1
	s.haveExpected = true

	if s.haveLastMR && h.MR != s.lastMR {
		if h.MR {
			s.Diag.MediaUnlocked.Add(1)
		} else {
			s.Diag.MediaLocked.Add(1)
		}
	}
	s.lastMR = h.MR
	s.haveLastMR = true

	if h.TV {
		s.Diag.TimestampValid.Add(1)
		s.classifyTimestampLocked(h.Timestamp, nowNs)
	} else {
		s.Diag.TimestampInvalid.Add(1)
	}

	payload := frame[off+avtp.HeaderLen:]
	switch s.Kind {
	case AudioRx:
		if s.audioSink != nil {
			s.audioSink.WriteFrames(payload, s.AudioChannels, s.AudioFormat)
		}
	case VideoRx:
		var rtpPkt rtp.Packet
		if err := rtpPkt.Unmarshal(payload); err == nil && s.videoSink != nil {
			s.videoSink.WriteFrame(rtpPkt.Payload, rtpPkt.Marker)
		}
	case CrfRx:
		s.advanceClockFromCRFLocked(payload, nowNs)
	}

	s.invalidStreak = 0
	return s.transitionValidLocked(), nil
}

func (s *Stream) classifyTimestampLocked(ts uint32, nowNs uint64) {
	if s.Clock == nil {
		return
	}
	mediaNow := s.Clock.NowInMediaTicks(nowNs)
	if uint64(ts) > mediaNow {
		s.Diag.EarlyTimestamp.Add(1)
	} else if mediaNow-uint64(ts) > s.TSpec.IntervalNs*4 {
		s.Diag.LateTimestamp.Add(1)
	}
}

func (s *Stream) advanceClockFromCRFLocked(payload []byte, nowNs uint64) {
	if s.Clock == nil || len(payload) < 8 {
		return
	}
	n := len(payload) / 8
	if n == 0 {
		return
	}
	s.Clock.Advance(uint64(n), nowNs)
}

func (s *Stream) markInvalidLocked() State {
	s.invalidStreak++
	if s.invalidStreak >= streamInterruptedThreshold {
		s.Diag.StreamInterrupted.Add(1)
		s.lastState = StateInvalidData
	}
	return s.lastState
}

func (s *Stream) transitionValidLocked() State {
	s.lastState = StateValid
	return s.lastState
}

// CheckIdle transitions an RX stream to NoData if it has received nothing
// for IdleWaitNs, the silence-triggered half of spec.md §4.2's state
// machine that DispatchRX alone cannot detect.
func (s *Stream) CheckIdle(nowNs uint64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastState == StateInactive {
		return s.lastState
	}
	if s.lastTimeDispatched == 0 {
		return s.lastState
	}
	if nowNs-s.lastTimeDispatched > s.IdleWaitNs {
		s.lastState = StateNoData
	}
	return s.lastState
}

// LastState returns the RX state without mutating anything.
func (s *Stream) LastState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastState
}

// SetAudioSource attaches (or detaches, with nil) the local PCM producer
// an AudioTx stream pulls from, the control API's connect/disconnect
// operation applied to a stream already created without one.
func (s *Stream) SetAudioSource(src PCMSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioSrc = src
}

// SetAudioSink attaches (or detaches, with nil) the local PCM consumer an
// AudioRx stream writes decoded frames to.
func (s *Stream) SetAudioSink(sink PCMSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioSink = sink
}

// SetVideoSource attaches (or detaches, with nil) the local encoded-frame
// producer a VideoTx stream pulls from.
func (s *Stream) SetVideoSource(src VideoSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoSrc = src
}

// SetVideoSink attaches (or detaches, with nil) the local decoded-frame
// consumer a VideoRx stream writes to.
func (s *Stream) SetVideoSink(sink VideoSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoSink = sink
}
