// Package registry implements the configuration registry described in
// spec.md §6: a key-value store of uint64 and string values read by every
// component at setup time, and mutable at runtime through the control API.
// It generalizes the teacher relay's flat ".env" loader (pkg/config) into a
// typed key-value store keyed by the dotted registry keys spec.md names
// (e.g. "tspec.interval.high", "xmit.window.width").
package registry

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Well-known keys from spec.md §6, collected here so callers don't have to
// retype the dotted strings (and so a typo shows up at compile time).
const (
	KeyInterfaceName = "network.interface.name"

	KeyIntervalHigh = "tspec.interval.high"
	KeyIntervalLow  = "tspec.interval.low"

	KeyVLANIDHigh   = "tspec.vlanid.high"
	KeyVLANIDLow    = "tspec.vlanid.low"
	KeyVLANPrioHigh = "tspec.vlanprio.high"
	KeyVLANPrioLow  = "tspec.vlanprio.low"

	KeyPresentationOffsetHigh = "tspec.presentation.time.offset.high"
	KeyPresentationOffsetLow  = "tspec.presentation.time.offset.low"

	KeyMaxBandwidthHigh    = "tx.maxbandwidth.high"
	KeyMaxBandwidthLow     = "tx.maxbandwidth.low"
	KeyMaxFrameLengthHigh  = "tx.maxframelength.high"
	KeyMaxFrameLengthLow   = "tx.maxframelength.low"
	KeyTxDelay             = "tx.delay"

	KeyWindowWidth         = "xmit.window.width"
	KeyWindowPitch         = "xmit.window.pitch"
	KeyWindowCueThreshold  = "xmit.window.cue_threshold"
	KeyWindowResetThresh   = "xmit.window.reset_threshold"
	KeyWindowPrefetchThresh = "xmit.window.prefetch_threshold"
	KeyWindowMaxResetCount = "xmit.window.max_reset_count"
	KeyWindowMaxDropCount  = "xmit.window.max_drop_count"
	KeyStrictPktOrderEn    = "xmit.window.strict_pkt_order_en"

	KeyReceiveIdleWait     = "receive.idlewait"
	KeyRxIgnoreStreamID    = "rx.ignore.stream_id"
	KeyRxDiscardAfter      = "rx.discard_after"
	KeyRxSocketBufSize     = "rx.socket.rxbufsize"

	KeyClockHwCaptureNominal = "clock.hwcapture.nominal"
	KeyClockHwCaptureTau     = "clock.hwcapture.time_constant"
	KeyClockDriverFilename   = "clockdriver.filename"

	KeySchedPolicy   = "sched.policy"
	KeySchedPriority = "sched.priority"

	KeyALSAFrames    = "local.alsa.frames"
	KeyALSAPeriods   = "local.alsa.periods"
	KeyALSABaseFreq  = "local.alsa.basefreq"
	KeyALSABasePeriod = "local.alsa.baseperiod"

	KeyCompatibilityAudio = "compatibility.audio"
)

// Registry is a concurrency-safe key-value store of uint64 and string
// values, with typed accessors and a fallback default.
type Registry struct {
	mu      sync.RWMutex
	u64s    map[string]uint64
	strings map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		u64s:    make(map[string]uint64),
		strings: make(map[string]string),
	}
}

// SetUint64 sets a uint64-valued key.
func (r *Registry) SetUint64(key string, v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.u64s[key] = v
}

// SetString sets a string-valued key.
func (r *Registry) SetString(key, v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strings[key] = v
}

// GetUint64 returns the value for key, or def if unset.
func (r *Registry) GetUint64(key string, def uint64) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.u64s[key]; ok {
		return v
	}
	return def
}

// GetString returns the value for key, or def if unset.
func (r *Registry) GetString(key, def string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.strings[key]; ok {
		return v
	}
	return def
}

// GetBool interprets a registry string as a boolean ("true"/"1"/"yes"),
// or a uint64 value (as LoadFile stores "1"/"0") as true when non-zero.
func (r *Registry) GetBool(key string, def bool) bool {
	r.mu.RLock()
	v, ok := r.strings[key]
	u, uok := r.u64s[key]
	r.mu.RUnlock()
	if !ok {
		if uok {
			return u != 0
		}
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// LoadFile reads "key = value" lines from path (blank lines and lines
// starting with '#' are skipped) and applies them to the registry. A value
// that parses as an unsigned integer is stored as a uint64; otherwise it is
// stored as a string. This generalizes the teacher relay's ".env" loader
// (pkg/config.Load) into the registry's dual-typed store.
func (r *Registry) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open registry file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx < 0 {
			return fmt.Errorf("registry file %s:%d: missing '='", path, lineNo)
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			return fmt.Errorf("registry file %s:%d: empty key", path, lineNo)
		}

		if u, err := strconv.ParseUint(value, 10, 64); err == nil {
			r.SetUint64(key, u)
		} else {
			r.SetString(key, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan registry file: %w", err)
	}
	return nil
}

// Snapshot returns a copy of both maps, useful for diagnostics output.
func (r *Registry) Snapshot() (u64s map[string]uint64, strs map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u64s = make(map[string]uint64, len(r.u64s))
	for k, v := range r.u64s {
		u64s[k] = v
	}
	strs = make(map[string]string, len(r.strings))
	for k, v := range r.strings {
		strs[k] = v
	}
	return
}
