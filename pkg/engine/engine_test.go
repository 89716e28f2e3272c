package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/avberr"
	"github.com/openavb/avbstreamhandler/pkg/nic"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/openavb/avbstreamhandler/pkg/registry"
	"github.com/openavb/avbstreamhandler/pkg/rxengine"
	"github.com/openavb/avbstreamhandler/pkg/sequencer"
	"github.com/openavb/avbstreamhandler/pkg/stream"
	"github.com/openavb/avbstreamhandler/pkg/txengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNIC is a minimal nic.Driver double, mirroring pkg/rxengine's own
// test fake, scoped to this package since that one is unexported there.
type fakeNIC struct {
	mu      sync.Mutex
	filters map[int]uint64
}

func newFakeNIC() *fakeNIC { return &fakeNIC{filters: make(map[int]uint64)} }

func (f *fakeNIC) SendBatch(queueIdx int, packets []*packetpool.Packet) error { return nil }
func (f *fakeNIC) Reclaim(queueIdx int) []*packetpool.Packet                  { return nil }
func (f *fakeNIC) SetShaper(queueIdx int, idleSlopeKbps uint64, hiCreditBytes int64) error {
	return nil
}
func (f *fakeNIC) ReadRX(buf []byte) (int, error)         { return 0, errTimeout{} }
func (f *fakeNIC) SetRXDeadline(d time.Duration) error    { return nil }
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
func (f *fakeNIC) MatchFilters(frame []byte) (int, bool) { return 0, false }
func (f *fakeNIC) AuxTimestamp(registerIdx int, nominalPeriodNs float64) (*nic.AuxEdgeSource, error) {
	return nil, avberr.New(avberr.NotSupported, "fakeNIC has no aux timestamp source")
}
func (f *fakeNIC) Close() error { return nil }

type errTimeout struct{}

func (errTimeout) Error() string   { return "i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

func newTestContext(t *testing.T) *Context {
	t.Helper()
	drv := newFakeNIC()
	pool := packetpool.New(64)
	reg := registry.New()

	cfg := map[stream.SRClass]sequencer.Config{
		stream.SRClassHigh: sequencer.DefaultConfig(),
		stream.SRClassLow:  sequencer.DefaultConfig(),
	}
	nowFn := func() uint64 { return uint64(time.Now().UnixNano()) }
	tx := txengine.New(drv, pool, cfg, nil, nowFn)
	rx := rxengine.New(drv, rxengine.Config{Mode: rxengine.SocketMode}, nil, nowFn)

	return New(reg, nil, drv, nil, pool, tx, rx, nil)
}

func TestCreateTxAudioDynamicAssignsIDAndDMAC(t *testing.T) {
	c := newTestContext(t)
	id, dmac, err := c.CreateTxAudio("high", 2, 48000, "S16", 0, Dynamic, 0, [6]byte{}, false)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, avbMulticastOUI[0], dmac[0])
}

func TestCreateTxAudioStaticRejectsDuplicateID(t *testing.T) {
	c := newTestContext(t)
	_, _, err := c.CreateTxAudio("high", 2, 48000, "S16", 0, Static, 42, [6]byte{1, 2, 3, 4, 5, 6}, false)
	require.NoError(t, err)

	_, _, err = c.CreateTxAudio("high", 2, 48000, "S16", 0, Static, 42, [6]byte{1, 2, 3, 4, 5, 6}, false)
	require.Error(t, err)
	assert.Equal(t, avberr.AlreadyInUse, avberr.KindOf(err))
}

func TestCreateTxAudioRejectsUnknownFormat(t *testing.T) {
	c := newTestContext(t)
	_, _, err := c.CreateTxAudio("high", 2, 48000, "bogus", 0, Dynamic, 0, [6]byte{}, false)
	require.Error(t, err)
	assert.Equal(t, avberr.InvalidParam, avberr.KindOf(err))
}

func TestDestroyRejectsActiveStream(t *testing.T) {
	c := newTestContext(t)
	id, _, err := c.CreateTxAudio("high", 2, 48000, "S16", 0, Dynamic, 0, [6]byte{}, true)
	require.NoError(t, err)

	err = c.Destroy(id)
	require.Error(t, err)
	assert.Equal(t, avberr.InvalidParam, avberr.KindOf(err))

	require.NoError(t, c.SetActive(id, false))
	require.NoError(t, c.Destroy(id))
}

func TestSetActiveRejectsRxDeactivation(t *testing.T) {
	c := newTestContext(t)
	id, err := c.CreateRxAudio("high", 2, 48000, "S16", 7, [6]byte{9, 9, 9, 9, 9, 9}, true)
	require.NoError(t, err)

	err = c.SetActive(id, false)
	require.Error(t, err)
	assert.Equal(t, avberr.NotSupported, avberr.KindOf(err))
}

func TestConnectAttachesLocalPCMSourceToAudioTx(t *testing.T) {
	c := newTestContext(t)
	id, _, err := c.CreateTxAudio("high", 1, 48000, "S16", 0, Dynamic, 0, [6]byte{}, false)
	require.NoError(t, err)

	peer := &fakePCMPeer{}
	c.RegisterLocalPeer(100, peer)

	require.NoError(t, c.Connect(id, 100))
	require.NoError(t, c.Disconnect(id))
}

func TestConnectFailsForUnknownStreamOrPeer(t *testing.T) {
	c := newTestContext(t)
	err := c.Connect(999, 1)
	require.Error(t, err)
	assert.Equal(t, avberr.NotFound, avberr.KindOf(err))

	id, _, err := c.CreateTxAudio("high", 1, 48000, "S16", 0, Dynamic, 0, [6]byte{}, false)
	require.NoError(t, err)
	err = c.Connect(id, 999)
	require.Error(t, err)
	assert.Equal(t, avberr.NotFound, avberr.KindOf(err))
}

func TestCreateRxCRFRegistersDerivableClockDomain(t *testing.T) {
	c := newTestContext(t)
	id, clockID, err := c.CreateRxCRF(5, [6]byte{1, 1, 1, 1, 1, 1})
	require.NoError(t, err)
	assert.NotZero(t, clockID)

	derived, err := c.DeriveClockFromRx(id)
	require.NoError(t, err)
	assert.Equal(t, clockID, derived)
}

func TestRegisterEventListenerRejectsSecondCall(t *testing.T) {
	c := newTestContext(t)
	require.NoError(t, c.RegisterEventListener(nopListener{}))
	err := c.RegisterEventListener(nopListener{})
	require.Error(t, err)
	assert.Equal(t, avberr.AlreadyInUse, avberr.KindOf(err))
}

type fakePCMPeer struct{}

func (fakePCMPeer) ReadFrames(out []byte, frames, channels int, format stream.AudioFormat) int {
	return 0
}
func (fakePCMPeer) WriteFrames(data []byte, channels int, format stream.AudioFormat) {}

type nopListener struct{}

func (nopListener) OnLinkStatus(up bool)                              {}
func (nopListener) OnStreamStatus(streamID uint64, state stream.State) {}
