package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StreamManifest describes the statically configured streams created at
// startup (spec.md §3: "created on configuration/setup (static streams)").
// It is a structured companion to the flat key=value registry file, used
// for the one part of configuration that is naturally a list rather than a
// scalar: the set of talker/listener streams to instantiate before the
// control API becomes reachable.
type StreamManifest struct {
	TxAudio []TxAudioEntry `yaml:"tx_audio"`
	RxAudio []RxAudioEntry `yaml:"rx_audio"`
	TxVideo []TxVideoEntry `yaml:"tx_video"`
	RxVideo []RxVideoEntry `yaml:"rx_video"`
	TxCRF   []TxCRFEntry   `yaml:"tx_crf"`
	RxCRF   []RxCRFEntry   `yaml:"rx_crf"`
}

// TxAudioEntry mirrors the create_tx_audio control-API parameters.
type TxAudioEntry struct {
	Name       string `yaml:"name"`
	SRClass    string `yaml:"sr_class"` // "high" | "low"
	MaxChannels uint16 `yaml:"max_channels"`
	SampleHz   uint32 `yaml:"sample_hz"`
	Format     string `yaml:"format"` // "S16" | "S32" | "F32"
	ClockID    uint64 `yaml:"clock_id"`
	AssignMode string `yaml:"assign_mode"` // "static" | "dynamic"
	StreamID   uint64 `yaml:"stream_id"`
	DMAC       string `yaml:"dmac"`
	Active     bool   `yaml:"active"`
}

// RxAudioEntry mirrors the create_rx_audio control-API parameters.
type RxAudioEntry struct {
	Name            string `yaml:"name"`
	SRClass         string `yaml:"sr_class"`
	MaxChannels     uint16 `yaml:"max_channels"`
	SampleHz        uint32 `yaml:"sample_hz"`
	Format          string `yaml:"format"`
	StreamID        uint64 `yaml:"stream_id"`
	DMAC            string `yaml:"dmac"`
	Preconfigured   bool   `yaml:"preconfigured"`
}

// TxVideoEntry mirrors the create_tx_video control-API parameters.
type TxVideoEntry struct {
	Name        string `yaml:"name"`
	SRClass     string `yaml:"sr_class"`
	MaxPktRate  uint32 `yaml:"max_pkt_rate"`
	MaxPktSize  uint32 `yaml:"max_pkt_size"`
	Format      string `yaml:"format"` // "CVF_H264" | "CVF_MJPEG" | ...
	ClockID     uint64 `yaml:"clock_id"`
	AssignMode  string `yaml:"assign_mode"`
	StreamID    uint64 `yaml:"stream_id"`
	DMAC        string `yaml:"dmac"`
	Active      bool   `yaml:"active"`
}

// RxVideoEntry mirrors the create_rx_video control-API parameters.
type RxVideoEntry struct {
	Name     string `yaml:"name"`
	SRClass  string `yaml:"sr_class"`
	StreamID uint64 `yaml:"stream_id"`
	DMAC     string `yaml:"dmac"`
}

// TxCRFEntry mirrors the create_tx_crf control-API parameters.
type TxCRFEntry struct {
	Name       string `yaml:"name"`
	SRClass    string `yaml:"sr_class"`
	ClockID    uint64 `yaml:"clock_id"`
	BaseFreq   uint32 `yaml:"base_freq"`
	StreamID   uint64 `yaml:"stream_id"`
	DMAC       string `yaml:"dmac"`
	Active     bool   `yaml:"active"`
}

// RxCRFEntry mirrors the create_rx_crf control-API parameters.
type RxCRFEntry struct {
	Name     string `yaml:"name"`
	StreamID uint64 `yaml:"stream_id"` // 0 means wildcard, per spec.md §3
	DMAC     string `yaml:"dmac"`
}

// LoadManifest parses a YAML static-stream manifest from path.
func LoadManifest(path string) (*StreamManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m StreamManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
