package engine

import (
	"fmt"

	"github.com/openavb/avbstreamhandler/pkg/avberr"
	"github.com/openavb/avbstreamhandler/pkg/clockdomain"
	"github.com/openavb/avbstreamhandler/pkg/registry"
	"github.com/openavb/avbstreamhandler/pkg/stream"
)

// CreateTxAudio implements spec.md §6's create_tx_audio. With mode Dynamic
// the engine assigns both the stream ID and destination MAC and returns
// them; with Static the caller-supplied id/dmac are used as-is.
func (c *Context) CreateTxAudio(class string, maxCh uint16, sampleHz uint32, format string, clockID uint64, mode AssignMode, id uint64, dmac [6]byte, active bool) (uint64, [6]byte, error) {
	srClass, err := parseSRClass(class)
	if err != nil {
		return 0, dmac, avberr.New(avberr.InvalidParam, err.Error())
	}
	fmtv, err := parseAudioFormat(format)
	if err != nil {
		return 0, dmac, avberr.New(avberr.InvalidParam, err.Error())
	}
	if maxCh == 0 {
		return 0, dmac, avberr.New(avberr.InvalidParam, "max_ch must be > 0")
	}

	if mode == Dynamic {
		id = c.allocID()
		dmac = c.allocDMAC(id)
	}

	c.mu.Lock()
	if _, exists := c.streams[id]; exists {
		c.mu.Unlock()
		return 0, dmac, avberr.New(avberr.AlreadyInUse, fmt.Sprintf("stream id %d already in use", id))
	}
	clock := c.clocks[clockID]
	c.mu.Unlock()

	tspec := c.tspecFor(srClass, 0, 0)
	st := stream.NewAudioTx(id, srClass, dmac, int(maxCh), sampleHz, fmtv, tspec, clock, nil)
	st.Active = active

	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()

	if active {
		if err := c.TxEngine.Activate(st); err != nil {
			c.mu.Lock()
			delete(c.streams, id)
			c.mu.Unlock()
			return 0, dmac, err
		}
	}
	return id, dmac, nil
}

// CreateRxAudio implements spec.md §6's create_rx_audio. RX streams are
// always caller-identified (preconfigured carries the same "static
// manifest vs dynamic control call" distinction create_tx_* expresses via
// assign_mode, but RX streams never auto-assign a stream ID since they
// must match an incoming talker's advertised ID).
func (c *Context) CreateRxAudio(class string, maxCh uint16, sampleHz uint32, format string, id uint64, dmac [6]byte, preconfigured bool) (uint64, error) {
	srClass, err := parseSRClass(class)
	if err != nil {
		return 0, avberr.New(avberr.InvalidParam, err.Error())
	}
	fmtv, err := parseAudioFormat(format)
	if err != nil {
		return 0, avberr.New(avberr.InvalidParam, err.Error())
	}

	c.mu.Lock()
	if _, exists := c.streams[id]; exists {
		c.mu.Unlock()
		return 0, avberr.New(avberr.AlreadyInUse, fmt.Sprintf("stream id %d already in use", id))
	}
	c.mu.Unlock()

	tspec := c.tspecFor(srClass, 0, 0)
	st := stream.NewAudioRx(id, srClass, dmac, int(maxCh), sampleHz, fmtv, tspec, nil, nil)
	st.WildcardRX = id == 0
	st.IdleWaitNs = c.Registry.GetUint64(registry.KeyReceiveIdleWait, 10_000_000)
	st.Active = preconfigured

	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()

	if err := c.RxEngine.AddStream(st); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// CreateTxVideo implements spec.md §6's create_tx_video.
func (c *Context) CreateTxVideo(class string, maxPktRate, maxPktSize int, format string, clockID uint64, mode AssignMode, id uint64, dmac [6]byte, active bool) (uint64, [6]byte, error) {
	srClass, err := parseSRClass(class)
	if err != nil {
		return 0, dmac, avberr.New(avberr.InvalidParam, err.Error())
	}

	if mode == Dynamic {
		id = c.allocID()
		dmac = c.allocDMAC(id)
	}

	c.mu.Lock()
	if _, exists := c.streams[id]; exists {
		c.mu.Unlock()
		return 0, dmac, avberr.New(avberr.AlreadyInUse, fmt.Sprintf("stream id %d already in use", id))
	}
	clock := c.clocks[clockID]
	c.mu.Unlock()

	tspec := c.tspecFor(srClass, maxPktSize, 0)
	st := stream.NewVideoTx(id, srClass, dmac, maxPktRate, maxPktSize, tspec, clock, nil)
	st.Active = active

	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()

	if active {
		if err := c.TxEngine.Activate(st); err != nil {
			c.mu.Lock()
			delete(c.streams, id)
			c.mu.Unlock()
			return 0, dmac, err
		}
	}
	_ = format // video format (CVF_H264 etc.) selects the payload codec; only CVF_H264 is implemented
	return id, dmac, nil
}

// CreateRxVideo implements spec.md §6's create_rx_video.
func (c *Context) CreateRxVideo(class string, id uint64, dmac [6]byte) (uint64, error) {
	srClass, err := parseSRClass(class)
	if err != nil {
		return 0, avberr.New(avberr.InvalidParam, err.Error())
	}

	c.mu.Lock()
	if _, exists := c.streams[id]; exists {
		c.mu.Unlock()
		return 0, avberr.New(avberr.AlreadyInUse, fmt.Sprintf("stream id %d already in use", id))
	}
	c.mu.Unlock()

	tspec := c.tspecFor(srClass, 0, 0)
	st := stream.NewVideoRx(id, srClass, dmac, 0, 0, tspec, nil, nil)
	st.WildcardRX = id == 0
	st.IdleWaitNs = c.Registry.GetUint64(registry.KeyReceiveIdleWait, 10_000_000)

	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()

	if err := c.RxEngine.AddStream(st); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// CreateTxCRF implements spec.md §6's create_tx_crf: a clock-reference
// stream broadcasting timestamps derived from clockID.
func (c *Context) CreateTxCRF(class string, clockID uint64, baseFreq uint32, mode AssignMode, id uint64, dmac [6]byte, active bool) (uint64, [6]byte, error) {
	srClass, err := parseSRClass(class)
	if err != nil {
		return 0, dmac, avberr.New(avberr.InvalidParam, err.Error())
	}

	if mode == Dynamic {
		id = c.allocID()
		dmac = c.allocDMAC(id)
	}

	c.mu.Lock()
	if _, exists := c.streams[id]; exists {
		c.mu.Unlock()
		return 0, dmac, avberr.New(avberr.AlreadyInUse, fmt.Sprintf("stream id %d already in use", id))
	}
	clock, ok := c.clocks[clockID]
	c.mu.Unlock()
	if !ok {
		return 0, dmac, avberr.New(avberr.NotFound, fmt.Sprintf("clock domain %d not found", clockID))
	}

	tspec := c.tspecFor(srClass, 0, 0)
	tspec.IntervalNs = uint64(1e9 / float64(baseFreq) * crfTimestampCountF)
	st := stream.NewCrfTx(id, srClass, dmac, tspec, clock)
	st.Active = active

	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()

	if active {
		if err := c.TxEngine.Activate(st); err != nil {
			c.mu.Lock()
			delete(c.streams, id)
			c.mu.Unlock()
			return 0, dmac, err
		}
	}
	return id, dmac, nil
}

// crfTimestampCountF mirrors pkg/stream's unexported crfTimestampCount
// (6 timestamps per CRF packet, IEEE 1722 CRF's audio-sample-count type).
const crfTimestampCountF = 6.0

// CreateRxCRF implements spec.md §6's create_rx_crf. A CRF RX stream's
// clock domain is created here (KindRxStream, nominal interval of one
// nanosecond) since clock domains "created dynamically from an RX stream
// must outlive every stream that references them" (spec.md §3) — this one
// outlives the stream that owns it by living in Context.clocks, looked up
// later via DeriveClockFromRx.
func (c *Context) CreateRxCRF(id uint64, dmac [6]byte) (uint64, uint64, error) {
	c.mu.Lock()
	if _, exists := c.streams[id]; exists {
		c.mu.Unlock()
		return 0, 0, avberr.New(avberr.AlreadyInUse, fmt.Sprintf("stream id %d already in use", id))
	}
	c.mu.Unlock()

	clockID := c.allocID()
	params := clockdomain.DefaultParams()
	params.NominalIntervalNs = 1
	domain := clockdomain.New(clockID, clockdomain.KindRxStream, params)

	tspec := c.tspecFor(stream.SRClassHigh, 0, 0)
	st := stream.NewCrfRx(id, stream.SRClassHigh, dmac, tspec, domain)
	st.WildcardRX = id == 0
	st.IdleWaitNs = c.Registry.GetUint64(registry.KeyReceiveIdleWait, 10_000_000)

	c.mu.Lock()
	c.streams[id] = st
	c.clocks[clockID] = domain
	c.mu.Unlock()

	if err := c.RxEngine.AddStream(st); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		delete(c.clocks, clockID)
		c.mu.Unlock()
		return 0, 0, err
	}
	return id, clockID, nil
}

// Destroy implements spec.md §6's destroy(id): fails if the stream is
// still active.
func (c *Context) Destroy(id uint64) error {
	c.mu.Lock()
	st, ok := c.streams[id]
	c.mu.Unlock()
	if !ok {
		return avberr.New(avberr.NotFound, fmt.Sprintf("stream %d not found", id))
	}
	if st.Active {
		return avberr.New(avberr.InvalidParam, "stream is active; deactivate before destroy")
	}

	if st.Kind == stream.AudioRx || st.Kind == stream.VideoRx || st.Kind == stream.CrfRx {
		c.RxEngine.RemoveStream(st)
	}

	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
	return nil
}

// SetActive implements spec.md §6's set_active(id, bool): deactivation is
// rejected for RX streams, which are always receive-ready once created.
func (c *Context) SetActive(id uint64, active bool) error {
	c.mu.Lock()
	st, ok := c.streams[id]
	c.mu.Unlock()
	if !ok {
		return avberr.New(avberr.NotFound, fmt.Sprintf("stream %d not found", id))
	}

	isRx := st.Kind == stream.AudioRx || st.Kind == stream.VideoRx || st.Kind == stream.CrfRx
	if isRx && !active {
		return avberr.New(avberr.NotSupported, "RX stream deactivation is not supported")
	}
	if isRx {
		st.Active = true
		return nil
	}

	if active == st.Active {
		return nil
	}
	if active {
		if err := c.TxEngine.Activate(st); err != nil {
			return err
		}
	} else {
		if err := c.TxEngine.Deactivate(st); err != nil {
			return err
		}
	}
	st.Active = active
	return nil
}

// Connect implements spec.md §6's connect(avb_id, local_id): attaches the
// local peer registered under localID (see Context.RegisterLocalPeer /
// RegisterALSAWorker) to the stream named by avbID, as the PCM or video
// source/sink appropriate to that stream's kind.
func (c *Context) Connect(avbID, localID uint64) error {
	c.mu.Lock()
	st, ok := c.streams[avbID]
	peer, peerOK := c.localPeers[localID]
	c.mu.Unlock()
	if !ok {
		return avberr.New(avberr.NotFound, fmt.Sprintf("stream %d not found", avbID))
	}
	if !peerOK {
		return avberr.New(avberr.NotFound, fmt.Sprintf("local peer %d not found", localID))
	}

	switch st.Kind {
	case stream.AudioTx:
		src, ok := peer.(stream.PCMSource)
		if !ok {
			return avberr.New(avberr.InvalidParam, "local peer is not a PCM source")
		}
		st.SetAudioSource(src)
	case stream.AudioRx:
		sink, ok := peer.(stream.PCMSink)
		if !ok {
			return avberr.New(avberr.InvalidParam, "local peer is not a PCM sink")
		}
		st.SetAudioSink(sink)
	case stream.VideoTx:
		src, ok := peer.(stream.VideoSource)
		if !ok {
			return avberr.New(avberr.InvalidParam, "local peer is not a video source")
		}
		st.SetVideoSource(src)
	case stream.VideoRx:
		sink, ok := peer.(stream.VideoSink)
		if !ok {
			return avberr.New(avberr.InvalidParam, "local peer is not a video sink")
		}
		st.SetVideoSink(sink)
	default:
		return avberr.New(avberr.NotSupported, "stream kind does not accept a local peer")
	}
	return nil
}

// Disconnect implements spec.md §6's disconnect(avb_id): detaches
// whatever local peer connect attached, leaving the stream otherwise
// intact (it keeps running, producing silence/dropping decoded frames,
// until destroy or a fresh connect).
func (c *Context) Disconnect(avbID uint64) error {
	c.mu.Lock()
	st, ok := c.streams[avbID]
	c.mu.Unlock()
	if !ok {
		return avberr.New(avberr.NotFound, fmt.Sprintf("stream %d not found", avbID))
	}

	switch st.Kind {
	case stream.AudioTx:
		st.SetAudioSource(nil)
	case stream.AudioRx:
		st.SetAudioSink(nil)
	case stream.VideoTx:
		st.SetVideoSource(nil)
	case stream.VideoRx:
		st.SetVideoSink(nil)
	default:
		return avberr.New(avberr.NotSupported, "stream kind does not accept a local peer")
	}
	return nil
}

// SetClockRecoveryParams implements spec.md §6's
// set_clock_recovery_params: attaches driverID's PLL driver as
// masterClockID's recovery sink, driven by slaveClockID's rate-ratio
// updates (the domain tracking the reference the local oscillator should
// track).
func (c *Context) SetClockRecoveryParams(masterClockID, slaveClockID uint64, driverID uint32) error {
	c.mu.Lock()
	slave, ok := c.clocks[slaveClockID]
	_, masterOK := c.clocks[masterClockID]
	c.mu.Unlock()
	if !ok || !masterOK {
		return avberr.New(avberr.NotFound, "clock domain not found")
	}
	if c.PLL == nil {
		return avberr.New(avberr.NotSupported, "no PLL driver configured")
	}
	slave.RegisterRecoverySink(driverID, c.PLL)
	return nil
}

// DeriveClockFromRx implements spec.md §6's derive_clock_from_rx: returns
// the clock domain ID a CrfRx (or any RX) stream already owns.
func (c *Context) DeriveClockFromRx(rxID uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[rxID]
	if !ok {
		return 0, avberr.New(avberr.NotFound, fmt.Sprintf("stream %d not found", rxID))
	}
	if st.Clock == nil {
		return 0, avberr.New(avberr.NotFound, fmt.Sprintf("stream %d has no clock domain", rxID))
	}
	for id, d := range c.clocks {
		if d == st.Clock {
			return id, nil
		}
	}
	return 0, avberr.New(avberr.NotFound, "clock domain not registered")
}
