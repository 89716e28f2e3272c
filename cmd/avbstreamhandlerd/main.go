// Command avbstreamhandlerd is the IEEE 1722 AVB stream handler daemon:
// it loads a registry file and an optional static stream manifest, wires
// together the NIC/gPTP/packet-pool/TX/RX/PLL subsystems, instantiates
// every manifest-declared stream through the Control API, and serves
// read-only diagnostics over HTTP until signaled to stop. Grounded on the
// teacher's cmd/relay/main.go for the overall shape: pflag-based flag
// registration, sequential construction with defer-based teardown, signal
// handling via os/signal.Notify, and a final blocking wait replaced here
// by Context.Run()'s worker goroutines running until Shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/diagapi"
	"github.com/openavb/avbstreamhandler/pkg/engine"
	"github.com/openavb/avbstreamhandler/pkg/gptp"
	"github.com/openavb/avbstreamhandler/pkg/logger"
	"github.com/openavb/avbstreamhandler/pkg/nic"
	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"github.com/openavb/avbstreamhandler/pkg/pll"
	"github.com/openavb/avbstreamhandler/pkg/registry"
	"github.com/openavb/avbstreamhandler/pkg/rxengine"
	"github.com/openavb/avbstreamhandler/pkg/sequencer"
	"github.com/openavb/avbstreamhandler/pkg/stream"
	"github.com/openavb/avbstreamhandler/pkg/txengine"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("avbstreamhandlerd", pflag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	var (
		regPath      = fs.String("config", "", "path to a flat registry config file")
		manifestPath = fs.StringP("manifest", "m", "", "path to a YAML static stream manifest")
		diagAddr     = fs.String("diag-addr", "127.0.0.1:8722", "address to serve read-only diagnostics on")
		poolCapacity = fs.Int("pool-capacity", 512, "packet pool capacity")
	)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "IEEE 1722 AVB stream handler daemon\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info().Str("flags", logFlags.String()).Msg("starting avbstreamhandlerd")

	reg := registry.New()
	if *regPath != "" {
		if err := reg.LoadFile(*regPath); err != nil {
			log.Error().Err(err).Msg("failed to load registry config")
			os.Exit(1)
		}
	}

	ifName := reg.GetString(registry.KeyInterfaceName, "")
	if ifName == "" {
		log.Error().Msg("network.interface.name must be set in the registry config")
		os.Exit(1)
	}
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		log.Error().Err(err).Str("interface", ifName).Msg("failed to resolve network interface")
		os.Exit(1)
	}

	clock := gptp.NewMonotonicRawClock()
	pool := packetpool.New(*poolCapacity)

	drv, err := nic.NewRawSocketDriver(iface.Index, clock.LocalTime)
	if err != nil {
		log.Error().Err(err).Msg("failed to open NIC driver")
		os.Exit(1)
	}
	defer drv.Close()

	seqCfg := map[stream.SRClass]sequencer.Config{
		stream.SRClassHigh: sequencerConfigFor(reg, stream.SRClassHigh),
		stream.SRClassLow:  sequencerConfigFor(reg, stream.SRClassLow),
	}
	tx := txengine.New(drv, pool, seqCfg, log, clock.LocalTime)

	rxCfg := rxengine.Config{
		Mode:           rxengine.SocketMode,
		IdleWait:       time.Duration(reg.GetUint64(registry.KeyReceiveIdleWait, 10_000_000)) * time.Nanosecond,
		DiscardAfter:   time.Duration(reg.GetUint64(registry.KeyRxDiscardAfter, 500_000_000)) * time.Nanosecond,
		SocketBufBytes: int(reg.GetUint64(registry.KeyRxSocketBufSize, 1 << 20)),
	}
	rx := rxengine.New(drv, rxCfg, log, clock.LocalTime)

	pllDriver := pll.NewSoftwarePLL()

	ctx := engine.New(reg, log, drv, clock, pool, tx, rx, pllDriver)

	if *manifestPath != "" {
		if err := loadManifest(ctx, *manifestPath, log); err != nil {
			log.Error().Err(err).Msg("failed to apply stream manifest")
			os.Exit(1)
		}
	}

	diagSrv := diagapi.NewServer(ctx, pool, log)
	if err := diagSrv.Start(*diagAddr); err != nil {
		log.Error().Err(err).Msg("failed to start diagnostics server")
		os.Exit(1)
	}

	ctx.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := diagSrv.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop diagnostics server")
	}

	ctx.Shutdown()
	log.Info().Msg("avbstreamhandlerd stopped")
}

func sequencerConfigFor(reg *registry.Registry, class stream.SRClass) sequencer.Config {
	cfg := sequencer.DefaultConfig()
	bwKey := registry.KeyMaxBandwidthHigh
	if class == stream.SRClassLow {
		bwKey = registry.KeyMaxBandwidthLow
	}
	cfg.MaxBandwidthKbps = reg.GetUint64(bwKey, cfg.MaxBandwidthKbps)
	cfg.MaxFrameSizeHigh = int(reg.GetUint64(registry.KeyMaxFrameLengthHigh, uint64(cfg.MaxFrameSizeHigh)))
	cfg.StrictOrder = reg.GetBool(registry.KeyStrictPktOrderEn, cfg.StrictOrder)
	return cfg
}

func parseMAC(s string) [6]byte {
	var out [6]byte
	if s == "" {
		return out
	}
	mac, err := net.ParseMAC(s)
	if err != nil || len(mac) != 6 {
		return out
	}
	copy(out[:], mac)
	return out
}

func loadManifest(ctx *engine.Context, path string, log *logger.Logger) error {
	m, err := registry.LoadManifest(path)
	if err != nil {
		return err
	}

	assignMode := func(s string) engine.AssignMode {
		if s == "dynamic" {
			return engine.Dynamic
		}
		return engine.Static
	}

	for _, e := range m.TxAudio {
		id, dmac, err := ctx.CreateTxAudio(e.SRClass, e.MaxChannels, e.SampleHz, e.Format, e.ClockID, assignMode(e.AssignMode), e.StreamID, parseMAC(e.DMAC), e.Active)
		if err != nil {
			return fmt.Errorf("tx_audio %q: %w", e.Name, err)
		}
		log.Info().Str("name", e.Name).Uint64("id", id).Str("dmac", net.HardwareAddr(dmac[:]).String()).Msg("created tx_audio stream")
	}
	for _, e := range m.RxAudio {
		id, err := ctx.CreateRxAudio(e.SRClass, e.MaxChannels, e.SampleHz, e.Format, e.StreamID, parseMAC(e.DMAC), e.Preconfigured)
		if err != nil {
			return fmt.Errorf("rx_audio %q: %w", e.Name, err)
		}
		log.Info().Str("name", e.Name).Uint64("id", id).Msg("created rx_audio stream")
	}
	for _, e := range m.TxVideo {
		id, dmac, err := ctx.CreateTxVideo(e.SRClass, int(e.MaxPktRate), int(e.MaxPktSize), e.Format, e.ClockID, assignMode(e.AssignMode), e.StreamID, parseMAC(e.DMAC), e.Active)
		if err != nil {
			return fmt.Errorf("tx_video %q: %w", e.Name, err)
		}
		log.Info().Str("name", e.Name).Uint64("id", id).Str("dmac", net.HardwareAddr(dmac[:]).String()).Msg("created tx_video stream")
	}
	for _, e := range m.RxVideo {
		id, err := ctx.CreateRxVideo(e.SRClass, e.StreamID, parseMAC(e.DMAC))
		if err != nil {
			return fmt.Errorf("rx_video %q: %w", e.Name, err)
		}
		log.Info().Str("name", e.Name).Uint64("id", id).Msg("created rx_video stream")
	}
	for _, e := range m.TxCRF {
		id, dmac, err := ctx.CreateTxCRF(e.SRClass, e.ClockID, e.BaseFreq, assignMode("static"), e.StreamID, parseMAC(e.DMAC), e.Active)
		if err != nil {
			return fmt.Errorf("tx_crf %q: %w", e.Name, err)
		}
		log.Info().Str("name", e.Name).Uint64("id", id).Str("dmac", net.HardwareAddr(dmac[:]).String()).Msg("created tx_crf stream")
	}
	for _, e := range m.RxCRF {
		id, clockID, err := ctx.CreateRxCRF(e.StreamID, parseMAC(e.DMAC))
		if err != nil {
			return fmt.Errorf("rx_crf %q: %w", e.Name, err)
		}
		log.Info().Str("name", e.Name).Uint64("id", id).Uint64("clock_id", clockID).Msg("created rx_crf stream")
	}
	return nil
}
