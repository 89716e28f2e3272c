package diagapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/engine"
	"github.com/openavb/avbstreamhandler/pkg/nic"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/openavb/avbstreamhandler/pkg/registry"
	"github.com/openavb/avbstreamhandler/pkg/rxengine"
	"github.com/openavb/avbstreamhandler/pkg/sequencer"
	"github.com/openavb/avbstreamhandler/pkg/stream"
	"github.com/openavb/avbstreamhandler/pkg/txengine"
	"github.com/stretchr/testify/require"
)

type nopNIC struct{}

func (nopNIC) SendBatch(queueIdx int, packets []*packetpool.Packet) error { return nil }
func (nopNIC) Reclaim(queueIdx int) []*packetpool.Packet                  { return nil }
func (nopNIC) SetShaper(queueIdx int, idleSlopeKbps uint64, hiCreditBytes int64) error {
	return nil
}
func (nopNIC) ReadRX(buf []byte) (int, error)      { return 0, io.EOF }
func (nopNIC) SetRXDeadline(d time.Duration) error { return nil }
func (nopNIC) SetFilter(idx int, streamID uint64) error { return nil }
func (nopNIC) ClearFilter(idx int) error                { return nil }
func (nopNIC) MatchFilters(frame []byte) (int, bool)    { return 0, false }
func (nopNIC) AuxTimestamp(registerIdx int, nominalPeriodNs float64) (*nic.AuxEdgeSource, error) {
	return nil, io.EOF
}
func (nopNIC) Close() error { return nil }

func TestServerServesStreamsSequencersAndPool(t *testing.T) {
	drv := nopNIC{}
	pool := packetpool.New(8)
	reg := registry.New()
	cfg := map[stream.SRClass]sequencer.Config{
		stream.SRClassHigh: sequencer.DefaultConfig(),
	}
	nowFn := func() uint64 { return 0 }
	tx := txengine.New(drv, pool, cfg, nil, nowFn)
	rx := rxengine.New(drv, rxengine.DefaultConfig(), nil, nowFn)
	ctx := engine.New(reg, nil, drv, nil, pool, tx, rx, nil)

	_, _, err := ctx.CreateTxAudio("high", 1, 48000, "S16", 0, engine.Dynamic, 0, [6]byte{}, false)
	require.NoError(t, err)

	srv := NewServer(ctx, pool, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop(context.Background())

	// Start binds "127.0.0.1:0", an ephemeral port the Server does not
	// expose, so hit the handlers directly instead of a live socket.
	rec := httptest.NewRecorder()
	srv.handleStreams(rec, httptest.NewRequest(http.MethodGet, "/api/streams", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var streams []engine.StreamInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &streams))
	require.Len(t, streams, 1)

	rec = httptest.NewRecorder()
	srv.handleSequencers(rec, httptest.NewRequest(http.MethodGet, "/api/sequencers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.handlePool(rec, httptest.NewRequest(http.MethodGet, "/api/pool", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "capacity")
}
