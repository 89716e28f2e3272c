// Package alsaworker implements the per-device ALSA worker from spec.md
// §4.7: one realtime worker per physical device, bridging a device ring
// buffer to an ASRC buffer shared with an AVB audio stream, closing a
// drift-compensation loop between the card's hardware timestamps and the
// AVB media clock. Grounded on the teacher's audio engine
// (other_examples' client-audio.go.go) for device lifecycle and blocking
// I/O shape, and on pkg/pll's software PLL for the closed-loop controller
// pattern.
package alsaworker

import (
	"context"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/logger"
	"github.com/openavb/avbstreamhandler/pkg/stream"
)

// Config carries the per-worker tunables spec.md §6's local.alsa.* registry
// keys name.
type Config struct {
	Direction    Direction
	Channels     int
	SampleHz     uint32
	Format       stream.AudioFormat
	PeriodFrames int
	NumPeriods   int // local.alsa.periods: ring sizing, numPeriods*periodFrames
}

// DefaultConfig returns a mono 48kHz S16 playback worker with 4 periods of
// 256 frames. Nothing in this package reads the local.alsa.* registry keys.
func DefaultConfig() Config {
	return Config{
		Direction:    Playback,
		Channels:     1,
		SampleHz:     48000,
		Format:       stream.FormatS16,
		PeriodFrames: 256,
		NumPeriods:   4,
	}
}

// Worker owns one physical device and its paired ASRC buffer, running the
// single realtime loop spec.md §4.7 describes.
type Worker struct {
	cfg    Config
	device Device
	asrc   *ASRCBuffer
	log    *logger.Logger

	controller *srcController
	farrow     *farrowResampler

	targetLevel int
	startupDone bool
	periodsDone int
	havePrev    bool
	prevTotal   int
}

// New constructs a Worker. device is normally a *PortAudioDevice; tests
// substitute a fake satisfying the Device interface.
func New(device Device, cfg Config, log *logger.Logger) *Worker {
	capFrames := cfg.NumPeriods * cfg.PeriodFrames
	target := capFrames/2 + cfg.PeriodFrames/2

	return &Worker{
		cfg:         cfg,
		device:      device,
		asrc:        newASRCBuffer(capFrames, cfg.Channels, cfg.Format),
		log:         log,
		controller:  newSRCController(),
		farrow:      newFarrowResampler(cfg.Channels),
		targetLevel: target,
	}
}

// Buffer returns the ASRC ring, handed to stream.NewAudioTx (Capture
// direction, as a PCMSource) or stream.NewAudioRx (Playback direction, as
// a PCMSink) when the stream is created.
func (w *Worker) Buffer() *ASRCBuffer { return w.asrc }

// Run drives the worker until ctx is cancelled or the device returns a
// non-context error, following the Worker shape every subsystem in this
// module uses: caller-owned context, Run blocks until done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.device.Start(); err != nil {
		return err
	}
	defer w.device.Stop()
	defer w.device.Close()

	w.prime()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := w.device.WaitPeriod(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		w.iterate()
	}
}

// prime implements the startup phase: pre-fill the ASRC buffer to target
// level with silence and reset the iteration bookkeeping.
func (w *Worker) prime() {
	silence := make([]float32, w.targetLevel*w.cfg.Channels)
	w.asrc.PushSamples(silence, 0)
	w.startupDone = false
	w.periodsDone = 0
	w.havePrev = false
	w.controller.Reset()
	w.farrow.phase = 0

	if w.log != nil {
		w.log.Category(logger.CategoryALSA).Int("target_level", w.targetLevel).Msg("alsa worker primed")
	}
}

// iterate runs one pass of spec.md §4.7's loop body: cross-stamp diff,
// jitter-jump detection, controller feed, Farrow transfer, underrun
// handling, and startup-phase completion/regression checks.
func (w *Worker) iterate() {
	periodFrames := w.device.PeriodFrames()

	bufferDifftimeNs := int64(w.device.CrossStamp()) - int64(w.asrc.CrossStamp())
	numVirtualFrames := int(float64(bufferDifftimeNs) * float64(w.cfg.SampleHz) / 1e9)

	available := w.asrc.AvailableFrames()
	numTotalFrames := available + numVirtualFrames

	valid := true
	if w.havePrev {
		jump := numTotalFrames - w.prevTotal
		if jump < 0 {
			jump = -jump
		}
		if jump > periodFrames+periodFrames/4 {
			valid = false
		}
	}
	w.prevTotal = numTotalFrames
	w.havePrev = true

	if !w.startupDone {
		w.periodsDone++
		if w.periodsDone >= 4 && numTotalFrames >= 0 && numTotalFrames <= periodFrames+periodFrames/4 {
			w.startupDone = true
		}
	}

	ratio := 1.0
	if valid && w.startupDone {
		ratio = w.controller.Update(float64(numTotalFrames - w.targetLevel))
	}

	switch w.cfg.Direction {
	case Playback:
		w.processPullMode(periodFrames, ratio)
	case Capture:
		w.processPushMode(periodFrames, ratio)
	}

	if available < periodFrames {
		// ASRC buffer could not sustain a full period; a full re-prime is
		// the spec's prescribed fallback rather than limping along.
		w.prime()
	}
}

// processPullMode is the Playback-direction transfer: pull resampled
// frames from the ASRC buffer into the device buffer (sink side).
func (w *Worker) processPullMode(periodFrames int, ratio float64) {
	raw := make([]float32, periodFrames*2*w.cfg.Channels) // headroom for ratio>1
	n := w.asrc.PopSamples(raw)
	produced, _ := w.farrow.Process(raw[:n*w.cfg.Channels], ratio)

	out := make([]float32, periodFrames*w.cfg.Channels)
	copy(out, produced) // zero-pad remainder on underrun
	_ = w.device.Transfer(out)
}

// processPushMode is the Capture-direction transfer: read one period from
// the device buffer and push resampled frames into the ASRC buffer
// (source side).
func (w *Worker) processPushMode(periodFrames int, ratio float64) {
	in := make([]float32, periodFrames*w.cfg.Channels)
	if err := w.device.Transfer(in); err != nil {
		return
	}
	produced, _ := w.farrow.Process(in, ratio)
	w.asrc.PushSamples(produced, uint64(time.Now().UnixNano()))
}
