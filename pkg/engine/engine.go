// Package engine implements the Control API from spec.md §6 and wires
// together every other package into one running stream handler instance.
// Grounded on the teacher's cmd/relay/main.go for startup/shutdown shape
// and pkg/relay/multi_relay.go for the "one aggregate owns every live
// resource by ID" pattern, generalized from one Cameras-to-Cloudflare
// pipeline into the six stream-kind Control API surface spec.md §6 names.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openavb/avbstreamhandler/pkg/alsaworker"
	"github.com/openavb/avbstreamhandler/pkg/avberr"
	"github.com/openavb/avbstreamhandler/pkg/clockdomain"
	"github.com/openavb/avbstreamhandler/pkg/event"
	"github.com/openavb/avbstreamhandler/pkg/gptp"
	"github.com/openavb/avbstreamhandler/pkg/logger"
	"github.com/openavb/avbstreamhandler/pkg/nic"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/openavb/avbstreamhandler/pkg/pll"
	"github.com/openavb/avbstreamhandler/pkg/registry"
	"github.com/openavb/avbstreamhandler/pkg/rxengine"
	"github.com/openavb/avbstreamhandler/pkg/stream"
	"github.com/openavb/avbstreamhandler/pkg/txengine"
)

// AssignMode selects whether a stream's ID/destination MAC is caller-
// supplied (Static) or engine-generated (Dynamic), per spec.md §6's
// create_tx_* "assign_mode" parameter.
type AssignMode int

const (
	Static AssignMode = iota
	Dynamic
)

// avbMulticastOUI is the IEEE 1722 reserved AVB transport multicast MAC
// prefix (91-E0-F0-00-00-00 through 91-E0-F0-00-FF-FF) engine-assigned
// destination addresses are drawn from.
var avbMulticastOUI = [4]byte{0x91, 0xE0, 0xF0, 0x00}

// Context is the engine aggregate: one NIC handle, one gPTP clock, one
// registry, and every live stream/clock-domain/worker instance, all
// addressable by the IDs the Control API hands back to callers.
type Context struct {
	Registry *registry.Registry
	Log      *logger.Logger
	NIC      nic.Driver
	GPTP     gptp.Clock
	Pool     *packetpool.Pool

	TxEngine *txengine.Engine
	RxEngine *rxengine.Engine
	PLL      pll.Driver

	mu          sync.Mutex
	streams     map[uint64]*stream.Stream
	clocks      map[uint64]*clockdomain.Domain
	alsaWorkers map[uint64]*alsaworker.Worker
	localPeers  map[uint64]interface{}
	nextID      atomic.Uint64

	listenerMu sync.Mutex
	listener   event.Listener

	wg        sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs a Context from already-built subsystem instances; callers
// (normally cmd/avbstreamhandlerd) are responsible for loading the
// registry and building the NIC/gPTP/pool/txengine/rxengine instances the
// registry describes before calling this.
func New(reg *registry.Registry, log *logger.Logger, drv nic.Driver, clock gptp.Clock, pool *packetpool.Pool, tx *txengine.Engine, rx *rxengine.Engine, pllDriver pll.Driver) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		Registry:    reg,
		Log:         log,
		NIC:         drv,
		GPTP:        clock,
		Pool:        pool,
		TxEngine:    tx,
		RxEngine:    rx,
		PLL:         pllDriver,
		streams:     make(map[uint64]*stream.Stream),
		clocks:      make(map[uint64]*clockdomain.Domain),
		alsaWorkers: make(map[uint64]*alsaworker.Worker),
		localPeers:  make(map[uint64]interface{}),
		listener:    event.NopListener{},
		runCtx:      ctx,
		runCancel:   cancel,
	}
}

// Run starts the RX engine's worker loop and every registered ALSA
// worker in background goroutines and returns at once; they run until
// Shutdown is called. It mirrors the teacher's
// main.go pattern of one cancellable context shared by every background
// goroutine, joined by one WaitGroup.
func (c *Context) Run() {
	c.mu.Lock()
	workers := make([]*alsaworker.Worker, 0, len(c.alsaWorkers))
	for _, w := range c.alsaWorkers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.RxEngine.Run(c.runCtx)
	}()

	for _, w := range workers {
		c.wg.Add(1)
		go func(w *alsaworker.Worker) {
			defer c.wg.Done()
			_ = w.Run(c.runCtx)
		}(w)
	}
}

// Shutdown cancels every worker goroutine, waits for them to exit, then
// tears down the TX engine's sequencers the same way.
func (c *Context) Shutdown() {
	c.runCancel()
	c.wg.Wait()
	c.TxEngine.Shutdown()
}

// RegisterEventListener installs the single Control API event subscriber
// and fans it out to both the TX and RX engines, which each only support
// one subscriber internally; Context is the one place a caller needs to
// call.
func (c *Context) RegisterEventListener(l event.Listener) error {
	c.listenerMu.Lock()
	if _, isNop := c.listener.(event.NopListener); !isNop {
		c.listenerMu.Unlock()
		return avberr.New(avberr.AlreadyInUse, "event listener already registered")
	}
	c.listener = l
	c.listenerMu.Unlock()

	if err := c.TxEngine.RegisterEventListener(l); err != nil {
		return err
	}
	return c.RxEngine.RegisterEventListener(l)
}

// StreamInfo is a read-only snapshot of one live stream's identity and
// diagnostic counters, the shape pkg/diagapi serializes to JSON.
type StreamInfo struct {
	ID         uint64
	InstanceID string
	Kind       string
	SRClass    string
	DMAC       [6]byte
	Active     bool
	State      string
	FramesTx   uint64
	FramesRx   uint64
	Dropped    uint64
	ResetCount uint64
}

// StreamSnapshot lists every live stream's identity and diagnostic
// counters, for read-only diagnostics.
func (c *Context) StreamSnapshot() []StreamInfo {
	c.mu.Lock()
	streams := make([]*stream.Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()

	out := make([]StreamInfo, 0, len(streams))
	for _, st := range streams {
		class := "high"
		if st.SRClass == stream.SRClassLow {
			class = "low"
		}
		out = append(out, StreamInfo{
			ID:         st.StreamID,
			InstanceID: st.InstanceID,
			Kind:       st.Kind.String(),
			SRClass:    class,
			DMAC:       st.DMAC,
			Active:     st.Active,
			State:      st.LastState().String(),
			FramesTx:   st.Diag.FramesTx.Load(),
			FramesRx:   st.Diag.FramesRx.Load(),
			Dropped:    st.Diag.Dropped.Load(),
			ResetCount: st.Diag.ResetCount.Load(),
		})
	}
	return out
}

// RegisterLocalPeer makes a PCM/video source or sink reachable by a
// local_id the Control API's connect/disconnect operation accepts. An
// ALSA worker's buffer (implements both stream.PCMSource and
// stream.PCMSink) is the typical registrant. Connect fails with NotFound
// for an ID that was never registered.
func (c *Context) RegisterLocalPeer(id uint64, peer interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localPeers[id] = peer
}

// RegisterALSAWorker registers both the local peer (for connect) and the
// background worker goroutine Run starts, under the same ID.
func (c *Context) RegisterALSAWorker(id uint64, w *alsaworker.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alsaWorkers[id] = w
	c.localPeers[id] = w.Buffer()
}

func (c *Context) allocID() uint64 {
	return c.nextID.Add(1)
}

func (c *Context) allocDMAC(id uint64) [6]byte {
	return [6]byte{avbMulticastOUI[0], avbMulticastOUI[1], avbMulticastOUI[2], avbMulticastOUI[3], byte(id >> 8), byte(id)}
}

func parseSRClass(s string) (stream.SRClass, error) {
	switch s {
	case "high", "High", "":
		return stream.SRClassHigh, nil
	case "low", "Low":
		return stream.SRClassLow, nil
	default:
		return 0, fmt.Errorf("unknown sr_class %q", s)
	}
}

func parseAudioFormat(s string) (stream.AudioFormat, error) {
	switch s {
	case "S16", "s16", "":
		return stream.FormatS16, nil
	case "S32", "s32":
		return stream.FormatS32, nil
	case "F32", "f32":
		return stream.FormatF32, nil
	default:
		return 0, fmt.Errorf("unknown sample format %q", s)
	}
}

// tspecFor builds the TSpec the registry's tspec.* keys describe for
// class, filled in with whatever per-call overrides the Control API
// operation itself carries (frame size, bandwidth).
func (c *Context) tspecFor(class stream.SRClass, maxFrameSize int, maxBandwidthKbps uint64) stream.TSpec {
	interval := registry.KeyIntervalHigh
	vlanID := registry.KeyVLANIDHigh
	vlanPrio := registry.KeyVLANPrioHigh
	presOffset := registry.KeyPresentationOffsetHigh
	if class == stream.SRClassLow {
		interval = registry.KeyIntervalLow
		vlanID = registry.KeyVLANIDLow
		vlanPrio = registry.KeyVLANPrioLow
		presOffset = registry.KeyPresentationOffsetLow
	}

	const nominalHigh = 125_000
	const nominalLow = 1_333_000
	defaultInterval := uint64(nominalHigh)
	if class == stream.SRClassLow {
		defaultInterval = nominalLow
	}

	return stream.TSpec{
		IntervalNs:           c.Registry.GetUint64(interval, defaultInterval),
		MaxFrameSize:         maxFrameSize,
		FramesPerInterval:    1,
		VLANID:               uint16(c.Registry.GetUint64(vlanID, 2)),
		VLANPrio:             uint8(c.Registry.GetUint64(vlanPrio, 3)),
		PresentationOffsetNs: c.Registry.GetUint64(presOffset, 2_000_000),
		MaxBandwidthKbps:     maxBandwidthKbps,
	}
}
