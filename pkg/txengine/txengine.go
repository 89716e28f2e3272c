// Package txengine implements the TX engine from spec.md §4.5: it owns the
// per-class sequencers (created lazily on first stream of that class), the
// NIC handle, and the single-subscriber event interface. Grounded on the
// teacher's multi-relay manager (pkg/relay/multi_relay.go), which owns a
// map of per-camera relays created on demand and cascades link/lifecycle
// events into each one the same way this engine cascades link status into
// every sequencer.
package txengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/openavb/avbstreamhandler/pkg/avberr"
	"github.com/openavb/avbstreamhandler/pkg/event"
	"github.com/openavb/avbstreamhandler/pkg/logger"
	"github.com/openavb/avbstreamhandler/pkg/nic"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/openavb/avbstreamhandler/pkg/sequencer"
	"github.com/openavb/avbstreamhandler/pkg/stream"
)

// Engine owns one sequencer per SR class, lazily constructed.
type Engine struct {
	nic   nic.Driver
	pool  *packetpool.Pool
	log   *logger.Logger
	cfg   map[stream.SRClass]sequencer.Config
	nowFn func() uint64

	mu         sync.Mutex
	sequencers map[stream.SRClass]*sequencer.Sequencer
	streams    map[uint64]stream.SRClass
	nextQueue  int
	linkUp     bool

	listenerMu sync.Mutex
	listener   event.Listener

	wg        sync.WaitGroup
	engineCtx context.Context
	cancel    context.CancelFunc
}

// New constructs a TX engine bound to a NIC driver and packet pool. cfg
// supplies per-class sequencer configuration (window/threshold/bandwidth).
// nowFn must report time in the same clock base drv's launch-time release
// logic compares against (normally a gptp.Clock's LocalTime) so that
// packets the sequencers hand to drv carry launch times drv can actually
// reach.
func New(drv nic.Driver, pool *packetpool.Pool, cfg map[stream.SRClass]sequencer.Config, log *logger.Logger, nowFn func() uint64) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		nic: drv, pool: pool, cfg: cfg, log: log, nowFn: nowFn,
		sequencers: make(map[stream.SRClass]*sequencer.Sequencer),
		streams:    make(map[uint64]stream.SRClass),
		listener:   event.NopListener{},
		linkUp:     true,
		engineCtx:  ctx,
		cancel:     cancel,
	}
}

// RegisterEventListener installs the single event subscriber; a second
// call fails with AlreadyInUse per spec.md §6.
func (e *Engine) RegisterEventListener(l event.Listener) error {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	if _, isNop := e.listener.(event.NopListener); !isNop {
		return avberr.New(avberr.AlreadyInUse, "event listener already registered")
	}
	e.listener = l
	return nil
}

func (e *Engine) sequencerFor(class stream.SRClass) *sequencer.Sequencer {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, ok := e.sequencers[class]
	if !ok {
		cfg := e.cfg[class]
		queueIdx := e.nextQueue
		e.nextQueue++
		seq = sequencer.New(class, queueIdx, e.nic, e.pool, cfg, e.log, e.nowFn)
		e.sequencers[class] = seq

		e.wg.Add(1)
		ctx := e.engineCtx
		go func() {
			defer e.wg.Done()
			_ = seq.Run(ctx)
		}()
	}
	return seq
}

// SetMaxFrameSizeHigh propagates the SR-class-A (High) maximum frame size
// into the Low-class sequencer's hiCredit computation per 802.1Qav §34.3:
// a Low-class frame's credit reservoir must account for the worst-case
// High-class frame that can preempt it. Callers read the configured value
// from the registry (tx.maxframelength.high) and push it here whenever it
// changes.
func (e *Engine) SetMaxFrameSizeHigh(bytes int) {
	e.sequencerFor(stream.SRClassLow).SetMaxFrameSizeHigh(bytes)
}

// Activate routes a TX stream into the sequencer for its class.
func (e *Engine) Activate(st *stream.Stream) error {
	seq := e.sequencerFor(st.SRClass)
	if err := seq.AddStream(st); err != nil {
		if sequencer.ErrNoSpace(err) {
			return avberr.New(avberr.NoSpaceLeft, err.Error())
		}
		return avberr.New(avberr.InvalidParam, err.Error())
	}
	e.mu.Lock()
	e.streams[st.StreamID] = st.SRClass
	e.mu.Unlock()
	return nil
}

// Deactivate removes a TX stream from its sequencer.
func (e *Engine) Deactivate(st *stream.Stream) error {
	e.mu.Lock()
	class, ok := e.streams[st.StreamID]
	delete(e.streams, st.StreamID)
	seq, seqOK := e.sequencers[class]
	e.mu.Unlock()
	if !ok || !seqOK {
		return avberr.New(avberr.NotFound, fmt.Sprintf("stream %d not active", st.StreamID))
	}
	seq.RemoveStream(st)
	return nil
}

// UpdateLinkStatus cascades link up/down into every sequencer and notifies
// the registered listener, per spec.md §4.5/§8 scenario 5.
func (e *Engine) UpdateLinkStatus(up bool) {
	e.mu.Lock()
	e.linkUp = up
	seqs := make([]*sequencer.Sequencer, 0, len(e.sequencers))
	for _, s := range e.sequencers {
		seqs = append(seqs, s)
	}
	e.mu.Unlock()

	for _, s := range seqs {
		s.SetLinkStatus(up)
	}

	e.listenerMu.Lock()
	l := e.listener
	e.listenerMu.Unlock()
	l.OnLinkStatus(up)
}

// SequencerStats reports ActiveStreamCount/CurrentBandwidthKbps for every
// SR-class sequencer created so far, for read-only diagnostics. It never
// creates a sequencer that doesn't already exist.
type SequencerStats struct {
	ActiveStreams    int
	BandwidthKbps    uint64
}

func (e *Engine) SequencerStats() map[stream.SRClass]SequencerStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[stream.SRClass]SequencerStats, len(e.sequencers))
	for class, seq := range e.sequencers {
		out[class] = SequencerStats{
			ActiveStreams: seq.ActiveStreamCount(),
			BandwidthKbps: seq.CurrentBandwidthKbps(),
		}
	}
	return out
}

// Shutdown cancels every sequencer's worker and waits for them to exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}
