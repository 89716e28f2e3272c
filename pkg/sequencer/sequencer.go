// Package sequencer implements the per-class TX sequencer from spec.md
// §4.4: the launch-time multiplexer that owns one NIC TX queue, walks a
// sliding window of active streams, and programs the 802.1Qav credit-based
// shaper. The launch-time-ordered entry list is a container/heap priority
// queue in the idiom of the teacher relay's command queue
// (pkg/nest/queue.go ticketHeap); the shaper's token-bucket accounting
// reuses golang.org/x/time/rate the same way that queue reuses it for its
// Nest-API rate limit.
package sequencer

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/avtp"
	"github.com/openavb/avbstreamhandler/pkg/logger"
	"github.com/openavb/avbstreamhandler/pkg/nic"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/openavb/avbstreamhandler/pkg/stream"
	"golang.org/x/time/rate"
)

// DoneCode records why a SeqEntry wasn't serviced this iteration (spec.md §3).
type DoneCode int

const (
	NotDone DoneCode = iota
	EndOfWindow
	Dry
	WindowAdjust
	TxError
)

// Config holds one sequencer's window/threshold parameters, sourced from
// the registry keys spec.md §6 names.
type Config struct {
	WindowWidth     time.Duration // xmit.window.width, min 250us
	WindowPitch     time.Duration // xmit.window.pitch, min 125us
	TxDelay         time.Duration // tx.delay
	CueThreshold    time.Duration // xmit.window.cue_threshold
	ResetThreshold  time.Duration // xmit.window.reset_threshold
	PrefetchThresh  time.Duration // xmit.window.prefetch_threshold
	MaxResetCount   int           // per window
	MaxDropCount    int           // per window
	MaxBandwidthKbps uint64
	MaxFrameSizeHigh int // only meaningful for the Low-class sequencer's hiCredit calc
	StrictOrder     bool
}

// DefaultConfig returns spec.md §4.4's stated minimums as a starting point.
func DefaultConfig() Config {
	return Config{
		WindowWidth:    250 * time.Microsecond,
		WindowPitch:    125 * time.Microsecond,
		TxDelay:        0,
		CueThreshold:   100 * time.Microsecond,
		ResetThreshold: 500 * time.Microsecond,
		PrefetchThresh: 2 * time.Millisecond,
		MaxResetCount:  3,
		MaxDropCount:   8,
	}
}

// SeqEntry is one active stream's position in the launch-time-ordered list.
type SeqEntry struct {
	Stream        *stream.Stream
	PendingPacket *packetpool.Packet
	LaunchTime    uint64
	Done          DoneCode
	index         int
}

// entryHeap orders SeqEntry by LaunchTime, ties broken by insertion order
// (stable): spec.md §4.4 "the entry already earlier in sequence wins".
type entryHeap []*SeqEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].LaunchTime != h[j].LaunchTime {
		return h[i].LaunchTime < h[j].LaunchTime
	}
	return h[i].index < h[j].index
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*SeqEntry))
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type request struct {
	add    bool
	stream *stream.Stream
}

// Diag is the sequencer-wide diagnostic set referenced in spec.md §4.4/§8.
type Diag struct {
	mu         sync.Mutex
	Dropped    uint64
	ResetCount uint64
	Sent       uint64
	Reclaimed  uint64
}

// Sequencer is one per-class TX worker.
type Sequencer struct {
	class     stream.SRClass
	queueIdx  int
	nic       nic.Driver
	pool      *packetpool.Pool
	cfg       Config
	log       *logger.Logger
	insertSeq int
	// nowFn reports the current time in the same clock base the NIC
	// driver's launch-time release logic compares against (normally a
	// gptp.Clock's LocalTime), so launch times this sequencer stamps are
	// ones the driver can actually reach.
	nowFn func() uint64

	mu         sync.Mutex
	entries    entryHeap
	byStreamID map[uint64]*SeqEntry
	currentBW  uint64
	linkUp     bool

	// limiter enforces the credit-based shaper's idleSlope in software, in
	// addition to whatever the NIC's own TQAVCC/TQAVHC registers would do
	// in hardware: bytes become available at idleSlope bytes/sec, bursting
	// up to hiCredit bytes, matching 802.1Qav's token-bucket semantics.
	limiter *rate.Limiter

	reqMu sync.Mutex
	reqs  []request

	Diag Diag
}

// New constructs a Sequencer for one SR class bound to a NIC queue. nowFn
// must share the clock base the NIC driver's Reclaim compares launch times
// against.
func New(class stream.SRClass, queueIdx int, drv nic.Driver, pool *packetpool.Pool, cfg Config, log *logger.Logger, nowFn func() uint64) *Sequencer {
	if nowFn == nil {
		nowFn = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	s := &Sequencer{
		class: class, queueIdx: queueIdx, nic: drv, pool: pool, cfg: cfg, log: log, nowFn: nowFn,
		byStreamID: make(map[uint64]*SeqEntry),
		linkUp:     true,
		limiter:    rate.NewLimiter(rate.Inf, 1522*8),
	}
	heap.Init(&s.entries)
	return s
}

// AddStream validates the class match and queues an add request, applied
// at the next iteration boundary per spec.md §4.4's control contract.
func (s *Sequencer) AddStream(st *stream.Stream) error {
	if st.SRClass != s.class {
		return fmt.Errorf("sequencer: class mismatch: stream is %s, sequencer is %s", st.SRClass, s.class)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	// currentBW only grows when iterate applies a request, so adds still
	// queued count toward the projection too; queued removes are not
	// credited until applied.
	projected := s.currentBW + st.TSpec.MaxBandwidthKbps
	for _, r := range s.reqs {
		if r.add {
			projected += r.stream.TSpec.MaxBandwidthKbps
		}
	}
	if s.cfg.MaxBandwidthKbps > 0 && projected > s.cfg.MaxBandwidthKbps {
		return fmt.Errorf("sequencer: adding stream would exceed max bandwidth %d kbps: %w", s.cfg.MaxBandwidthKbps, errNoSpace)
	}

	s.reqs = append(s.reqs, request{add: true, stream: st})
	return nil
}

// RemoveStream queues a remove request.
func (s *Sequencer) RemoveStream(st *stream.Stream) {
	s.reqMu.Lock()
	s.reqs = append(s.reqs, request{add: false, stream: st})
	s.reqMu.Unlock()
}

var errNoSpace = fmt.Errorf("no space left")

// ErrNoSpace reports whether err is the bandwidth-exhaustion error AddStream
// returns, letting callers map it onto avberr.NoSpaceLeft at the control
// API boundary without sequencer depending on avberr directly.
func ErrNoSpace(err error) bool {
	return err != nil && fmt.Sprintf("%v", err) != "" && containsNoSpace(err)
}

func containsNoSpace(err error) bool {
	for err != nil {
		if err == errNoSpace {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (s *Sequencer) applyRequestsLocked() {
	s.reqMu.Lock()
	reqs := s.reqs
	s.reqs = nil
	s.reqMu.Unlock()

	for _, r := range reqs {
		if r.add {
			s.insertStreamLocked(r.stream)
		} else {
			s.removeStreamLocked(r.stream)
		}
	}
	s.updateShaperLocked()
}

func (s *Sequencer) insertStreamLocked(st *stream.Stream) {
	if _, exists := s.byStreamID[st.StreamID]; exists {
		return
	}
	e := &SeqEntry{Stream: st, index: s.insertSeq}
	s.insertSeq++
	s.prepareEntryLocked(e, s.nowFn())
	heap.Push(&s.entries, e)
	s.byStreamID[st.StreamID] = e
	s.currentBW += st.TSpec.MaxBandwidthKbps
}

func (s *Sequencer) removeStreamLocked(st *stream.Stream) {
	e, ok := s.byStreamID[st.StreamID]
	if !ok {
		return
	}
	delete(s.byStreamID, st.StreamID)
	s.currentBW -= st.TSpec.MaxBandwidthKbps
	if e.PendingPacket != nil {
		s.pool.Put(e.PendingPacket)
	}
	for i, entry := range s.entries {
		if entry == e {
			heap.Remove(&s.entries, i)
			break
		}
	}
}

// updateShaperLocked computes idleSlope = sum of active stream bandwidths
// and programs the NIC's credit-based shaper (802.1Qav §34.3). The Low
// class's hiCredit additionally depends on the High class's max frame size,
// propagated in via SetMaxFrameSizeHigh.
func (s *Sequencer) updateShaperLocked() {
	idleSlope := s.currentBW
	var hiCredit int64
	if s.class == stream.SRClassLow && s.cfg.MaxFrameSizeHigh > 0 {
		hiCredit = int64(s.cfg.MaxFrameSizeHigh) * 8
	} else {
		hiCredit = 1522 * 8
	}
	if err := s.nic.SetShaper(s.queueIdx, idleSlope, hiCredit); err != nil && s.log != nil {
		s.log.Category(logger.CategoryShaper).Uint64("idle_slope_kbps", idleSlope).Err(err).Msg("set_shaper failed")
	}

	idleSlopeBytesPerSec := rate.Limit(float64(idleSlope) * 1000.0 / 8.0)
	if idleSlope == 0 {
		idleSlopeBytesPerSec = rate.Inf
	}
	s.limiter.SetLimit(idleSlopeBytesPerSec)
	s.limiter.SetBurst(int(hiCredit / 8))
}

// SetMaxFrameSizeHigh propagates the High class's max frame size into this
// (Low-class) sequencer's hiCredit calculation.
func (s *Sequencer) SetMaxFrameSizeHigh(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaxFrameSizeHigh = bytes
	s.updateShaperLocked()
}

// SetLinkStatus cascades link up/down into the sequencer's suspend state.
func (s *Sequencer) SetLinkStatus(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasUp := s.linkUp
	s.linkUp = up
	if !wasUp && up {
		s.pool.ResetAll()
		for _, e := range s.entries {
			e.Stream.Reset()
			e.PendingPacket = nil
		}
	}
}

// Run is the sequencer's main loop: apply pending add/remove requests,
// slide the launch-time window, hand due packets to the NIC, reclaim
// transmitted packets, then sleep to the next pitch boundary. Implements
// spec.md §4.4's "Main loop".
func (s *Sequencer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.WindowPitch)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.iterate()
		}
	}
}

func (s *Sequencer) iterate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.linkUp {
		return
	}

	s.applyRequestsLocked()

	windowStart := s.nowFn() + uint64(s.cfg.TxDelay)
	windowEnd := windowStart + uint64(s.cfg.WindowWidth)

	dropsThisWindow := 0
	var toSend []*packetpool.Packet

	for s.entries.Len() > 0 && s.entries[0].LaunchTime < windowEnd {
		e := s.entries[0]

		if e.PendingPacket == nil {
			// No packet pending (the pool was exhausted on the last refill
			// attempt, or SetLinkStatus cleared it on link-up): retry the
			// refill. If the pool is still exhausted, prepareEntryLocked
			// pushes the key forward one interval so the entry doesn't
			// wedge the loop at the root.
			heap.Pop(&s.entries)
			s.refillEntryLocked(e)
			heap.Push(&s.entries, e)
			continue
		}

		behindBy := int64(windowStart) - int64(e.LaunchTime)
		if behindBy > int64(s.cfg.CueThreshold) {
			if s.cfg.StrictOrder {
				// Conformance mode: never skip ahead of a stalled stream,
				// even one that has fallen behind cue_threshold.
				break
			}
			heap.Pop(&s.entries)
			s.pool.Put(e.PendingPacket)
			e.PendingPacket = nil
			s.Diag.mu.Lock()
			s.Diag.Dropped++
			s.Diag.mu.Unlock()
			dropsThisWindow++
			if dropsThisWindow > s.cfg.MaxDropCount {
				s.resetEntryLocked(e)
			} else {
				s.refillEntryLocked(e)
			}
			heap.Push(&s.entries, e)
			continue
		}

		aheadBy := int64(e.LaunchTime) - int64(windowStart) - int64(s.cfg.PrefetchThresh)
		if aheadBy > 0 {
			heap.Pop(&s.entries)
			s.resetEntryLocked(e)
			heap.Push(&s.entries, e)
			continue
		}

		if !s.limiter.AllowN(time.Now(), e.PendingPacket.PayloadLen) {
			// Shaper credit exhausted for this window: stop servicing
			// further entries, matching 802.1Qav's hardware behavior of
			// withholding transmission until enough idleSlope credit
			// accrues.
			break
		}

		heap.Pop(&s.entries)
		pkt := e.PendingPacket
		e.PendingPacket = nil

		if !s.pool.Verify(pkt, avtp.HeaderLen) {
			// Descriptor checksum mismatch: the buffer was corrupted between
			// PreparePacket and launch. Drop it rather than transmit garbage.
			s.pool.Put(pkt)
			s.Diag.mu.Lock()
			s.Diag.Dropped++
			s.Diag.mu.Unlock()
			s.refillEntryLocked(e)
			heap.Push(&s.entries, e)
			continue
		}

		toSend = append(toSend, pkt)
		s.Diag.mu.Lock()
		s.Diag.Sent++
		s.Diag.mu.Unlock()

		s.refillEntryLocked(e)
		heap.Push(&s.entries, e)
	}

	if len(toSend) > 0 {
		if err := s.nic.SendBatch(s.queueIdx, toSend); err != nil {
			// Ring full: the packets were already committed out of their
			// entries this iteration, so on backpressure we simply return
			// them to the pool rather than attempt mid-iteration reinsertion;
			// refillEntryLocked already queued each stream's next packet.
			for _, p := range toSend {
				s.pool.Put(p)
			}
		}
	}

	for _, p := range s.nic.Reclaim(s.queueIdx) {
		s.pool.Put(p)
		s.Diag.mu.Lock()
		s.Diag.Reclaimed++
		s.Diag.mu.Unlock()
	}
}

func (s *Sequencer) resetEntryLocked(e *SeqEntry) {
	e.Stream.Reset()
	s.Diag.mu.Lock()
	s.Diag.ResetCount++
	s.Diag.mu.Unlock()
	e.PendingPacket = nil
	s.refillEntryLocked(e)
}

func (s *Sequencer) refillEntryLocked(e *SeqEntry) {
	s.prepareEntryLocked(e, e.LaunchTime)
}

// prepareEntryLocked asks e's stream for its next packet, falling back to a
// dummy packet (spec.md §4.4 "Tie-breaks") when the stream has no data
// ready. nowTicks only matters the first time a stream is prepared (before
// it has an anchored launch time); every later call ignores it in favor of
// the stream's own advancing clock.
func (s *Sequencer) prepareEntryLocked(e *SeqEntry, nowTicks uint64) {
	pkt, launch, err := e.Stream.PreparePacket(nowTicks, s.pool)
	if err != nil {
		dummy, dLaunch, dErr := e.Stream.PrepareDummyPacket(s.pool)
		if dErr != nil {
			// Pool exhausted: leave pending nil for this iteration; the
			// heap root handling in iterate() advances LaunchTime and
			// retries on the next pass instead of stalling the entry here.
			e.LaunchTime += e.Stream.TSpec.IntervalNs
			e.PendingPacket = nil
			return
		}
		e.PendingPacket = dummy
		e.LaunchTime = dLaunch
		return
	}
	e.PendingPacket = pkt
	e.LaunchTime = launch
}

// ActiveStreamCount reports how many streams are currently in this
// sequencer's active set, for diagnostics and the "sequence is always in
// non-decreasing launch_time order ... every active stream has exactly
// one entry" invariant check in tests.
func (s *Sequencer) ActiveStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byStreamID)
}

// CurrentBandwidthKbps returns the sequencer's tracked cumulative bandwidth.
func (s *Sequencer) CurrentBandwidthKbps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBW
}
