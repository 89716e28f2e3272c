package alsaworker

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Direction selects which side of a physical device a Worker drives.
type Direction int

const (
	// Capture reads PCM from a microphone into the ASRC buffer for a TX
	// stream to pull from (processPushMode, source).
	Capture Direction = iota
	// Playback drains the ASRC buffer fed by an RX stream out to a
	// speaker (processPullMode, sink).
	Playback
)

// Device abstracts one physical ALSA-equivalent ring buffer for
// testability, mirroring the teacher's paStream seam over *portaudio.Stream.
type Device interface {
	Start() error
	Stop() error
	Close() error
	// WaitPeriod blocks until one device period is available, spec.md
	// §4.7's "ALSA wait_for_period is the only blocking call."
	WaitPeriod(ctx context.Context) error
	// Transfer reads (Capture) or writes (Playback) one period's worth of
	// interleaved float32 samples through buf.
	Transfer(buf []float32) error
	// CrossStamp returns the device-side timestamp paired with the most
	// recent Transfer, spec.md §4.7's device.ts.
	CrossStamp() uint64
	PeriodFrames() int
}

// PortAudioDevice binds a Device to a real sound card via
// github.com/gordonklaus/portaudio, the audio I/O library the retrieved
// corpus uses for physical ring-buffer access.
type PortAudioDevice struct {
	direction    int // 0 = capture, 1 = playback, matches Direction numerically
	periodFrames int
	channels     int
	stream       *portaudio.Stream
	buf          []float32
	nowFn        func() uint64
	lastTsNs     uint64
}

// OpenPortAudioDevice opens a capture or playback stream at sampleHz with
// the given channel count and period size, selecting the platform default
// device the same way the teacher's resolveDevice falls back to
// portaudio.DefaultInputDevice/DefaultOutputDevice when no explicit index
// is configured.
func OpenPortAudioDevice(dir Direction, deviceIndex int, channels int, sampleHz float64, periodFrames int, nowFn func() uint64) (*PortAudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("alsaworker: enumerate devices: %w", err)
	}

	d := &PortAudioDevice{
		direction:    int(dir),
		periodFrames: periodFrames,
		channels:     channels,
		nowFn:        nowFn,
		buf:          make([]float32, periodFrames*channels),
	}

	var dev *portaudio.DeviceInfo
	if deviceIndex >= 0 && deviceIndex < len(devices) {
		dev = devices[deviceIndex]
	} else if dir == Capture {
		dev, err = portaudio.DefaultInputDevice()
	} else {
		dev, err = portaudio.DefaultOutputDevice()
	}
	if err != nil {
		return nil, fmt.Errorf("alsaworker: resolve device: %w", err)
	}

	var params portaudio.StreamParameters
	if dir == Capture {
		params = portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   dev,
				Channels: channels,
				Latency:  dev.DefaultLowInputLatency,
			},
			SampleRate:      sampleHz,
			FramesPerBuffer: periodFrames,
		}
	} else {
		params = portaudio.StreamParameters{
			Output: portaudio.StreamDeviceParameters{
				Device:   dev,
				Channels: channels,
				Latency:  dev.DefaultLowOutputLatency,
			},
			SampleRate:      sampleHz,
			FramesPerBuffer: periodFrames,
		}
	}

	stream, err := portaudio.OpenStream(params, d.buf)
	if err != nil {
		return nil, fmt.Errorf("alsaworker: open stream: %w", err)
	}
	d.stream = stream
	return d, nil
}

func (d *PortAudioDevice) Start() error { return d.stream.Start() }
func (d *PortAudioDevice) Stop() error  { return d.stream.Stop() }
func (d *PortAudioDevice) Close() error { return d.stream.Close() }

// WaitPeriod performs the blocking portaudio Read/Write that doubles as
// both the period wait and the transfer on this device type; Transfer is
// then a no-op copy from the already-filled/drained d.buf.
func (d *PortAudioDevice) WaitPeriod(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		if Direction(d.direction) == Capture {
			done <- d.stream.Read()
		} else {
			done <- d.stream.Write()
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err == nil {
			d.lastTsNs = d.now()
		}
		return err
	}
}

func (d *PortAudioDevice) Transfer(buf []float32) error {
	if Direction(d.direction) == Capture {
		copy(buf, d.buf)
	} else {
		copy(d.buf, buf)
	}
	return nil
}

func (d *PortAudioDevice) CrossStamp() uint64 { return d.lastTsNs }
func (d *PortAudioDevice) PeriodFrames() int  { return d.periodFrames }

func (d *PortAudioDevice) now() uint64 {
	if d.nowFn != nil {
		return d.nowFn()
	}
	return 0
}
