package logger

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Flags holds logging-related command-line flags.
type Flags struct {
	LogLevel  string
	LogFormat string
	LogFile   string
	DebugTX   bool
	DebugRX   bool
	DebugShaper bool
	DebugClock  bool
	DebugALSA   bool
	DebugNIC    bool
	DebugAll    bool
}

// RegisterFlags registers logging flags on fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVarP(&f.LogLevel, "log-level", "l", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.LogFormat, "log-format", "text", "Log output format: text, json")
	fs.StringVarP(&f.LogFile, "log-file", "o", "", "Log output file path (default: stdout)")

	fs.BoolVar(&f.DebugTX, "debug-tx", false, "Enable TX sequencer debug logging")
	fs.BoolVar(&f.DebugRX, "debug-rx", false, "Enable RX engine debug logging")
	fs.BoolVar(&f.DebugShaper, "debug-shaper", false, "Enable credit-shaper debug logging")
	fs.BoolVar(&f.DebugClock, "debug-clock", false, "Enable clock-domain debug logging")
	fs.BoolVar(&f.DebugALSA, "debug-alsa", false, "Enable ALSA worker debug logging")
	fs.BoolVar(&f.DebugNIC, "debug-nic", false, "Enable NIC transport debug logging")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "Enable all debug categories")

	return f
}

// ToConfig converts parsed Flags into a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format
	cfg.OutputFile = f.LogFile

	type toggle struct {
		on  bool
		cat Category
	}
	toggles := []toggle{
		{f.DebugTX, CategoryTX},
		{f.DebugRX, CategoryRX},
		{f.DebugShaper, CategoryShaper},
		{f.DebugClock, CategoryClock},
		{f.DebugALSA, CategoryALSA},
		{f.DebugNIC, CategoryNIC},
	}

	if f.DebugAll {
		cfg.EnableCategory(CategoryAll)
		cfg.Level = LevelDebug
	} else {
		for _, t := range toggles {
			if t.on {
				cfg.EnableCategory(t.cat)
				cfg.Level = LevelDebug
			}
		}
	}

	return cfg, nil
}

// String renders the active flag set for a startup log line.
func (f *Flags) String() string {
	parts := []string{
		fmt.Sprintf("level=%s", f.LogLevel),
		fmt.Sprintf("format=%s", f.LogFormat),
	}
	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var cats []string
	if f.DebugAll {
		cats = append(cats, "all")
	} else {
		if f.DebugTX {
			cats = append(cats, "tx")
		}
		if f.DebugRX {
			cats = append(cats, "rx")
		}
		if f.DebugShaper {
			cats = append(cats, "shaper")
		}
		if f.DebugClock {
			cats = append(cats, "clock")
		}
		if f.DebugALSA {
			cats = append(cats, "alsa")
		}
		if f.DebugNIC {
			cats = append(cats, "nic")
		}
	}
	if len(cats) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(cats, ",")))
	}
	return strings.Join(parts, " ")
}
