package capture

import (
	"flag"
	"fmt"
	"sort"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/aiprojek/gemaweb-cast/pkg/dsp"
)

// Config is the operator-editable audio graph configuration. Values are
// replaced wholesale: the With* helpers return a modified copy.
type Config struct {
	DeviceID   string           `yaml:"device,omitempty" json:"device"`
	InputGain  float64          `yaml:"input_gain" json:"input_gain"`
	Compressor CompressorConfig `yaml:"compressor" json:"compressor"`
	Equalizer  EqualizerConfig  `yaml:"equalizer" json:"equalizer"`
}

type CompressorConfig struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Ratio     float64 `yaml:"ratio" json:"ratio"`
	Attack    float64 `yaml:"attack" json:"attack"`
	Release   float64 `yaml:"release" json:"release"`
}

// Effective returns the settings the compressor stage actually runs with. A
// disabled compressor is a 0 dB threshold at 1:1, whatever was stored.
func (c CompressorConfig) Effective() dsp.CompressorSettings {
	if !c.Enabled {
		return dsp.Passthrough(c.Attack, c.Release)
	}
	return dsp.CompressorSettings{
		Threshold: c.Threshold,
		Ratio:     c.Ratio,
		Attack:    c.Attack,
		Release:   c.Release,
	}
}

// EqualizerConfig stores one gain per fixed band; band frequencies are
// dsp.BandFrequencies and are not configurable.
type EqualizerConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Preset  string                 `yaml:"preset" json:"preset"`
	Gains   [dsp.BandCount]float64 `yaml:"gains,flow" json:"gains"`
}

// Band describes one equalizer band for display.
type Band struct {
	Frequency float64 `json:"frequency"`
	Gain      float64 `json:"gain"`
}

func (e EqualizerConfig) Bands() []Band {
	out := make([]Band, dsp.BandCount)
	for i, f := range dsp.BandFrequencies {
		out[i] = Band{Frequency: f, Gain: e.Gains[i]}
	}
	return out
}

// EffectiveGains returns the gains the equalizer actually runs with. A
// disabled equalizer is flat.
func (e EqualizerConfig) EffectiveGains() [dsp.BandCount]float64 {
	if !e.Enabled {
		return [dsp.BandCount]float64{}
	}
	return e.Gains
}

const (
	PresetManual = "Manual"
	PresetFlat   = "Flat"
)

// Presets are the named equalizer curves.
var Presets = map[string][dsp.BandCount]float64{
	PresetFlat:       {0, 0, 0, 0, 0},
	"Broadcast":      {3, 1, -1, 2, 4},
	"Bass Boost":     {6, 4, 0, 0, 0},
	"Voice Presence": {-4, -2, 0, 3, 2},
	"Loudness":       {5, -2, 0, -2, 5},
}

// PresetNames returns the preset names in stable order.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for n := range Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset returns a copy of e using the named preset. Manual keeps the
// current gains.
func (e EqualizerConfig) ApplyPreset(name string) (EqualizerConfig, error) {
	if name == PresetManual {
		e.Preset = name
		return e, nil
	}
	gains, ok := Presets[name]
	if !ok {
		return e, fmt.Errorf("unknown equalizer preset %q", name)
	}
	e.Preset = name
	e.Gains = gains
	return e, nil
}

// WithBandGain returns a copy of e with band i set to db and the preset
// switched to Manual.
func (e EqualizerConfig) WithBandGain(i int, db float64) EqualizerConfig {
	if i < 0 || i >= dsp.BandCount {
		return e
	}
	e.Gains[i] = db
	e.Preset = PresetManual
	return e
}

func (c Config) WithGain(gain float64) Config {
	c.InputGain = gain
	return c
}

func (c Config) WithDevice(id string) Config {
	c.DeviceID = id
	return c
}

func (c Config) WithCompressor(comp CompressorConfig) Config {
	c.Compressor = comp
	return c
}

func (c Config) WithEqualizer(eq EqualizerConfig) Config {
	c.Equalizer = eq
	return c
}

// Validate reports the first value outside its documented range.
func (c Config) Validate() error {
	if c.InputGain < 0 || c.InputGain > 2 {
		return fmt.Errorf("input gain %.2f outside [0, 2]", c.InputGain)
	}
	if c.Compressor.Threshold < -100 || c.Compressor.Threshold > 0 {
		return fmt.Errorf("compressor threshold %.1f dB outside [-100, 0]", c.Compressor.Threshold)
	}
	if c.Compressor.Ratio < 1 || c.Compressor.Ratio > 20 {
		return fmt.Errorf("compressor ratio %.1f outside [1, 20]", c.Compressor.Ratio)
	}
	if c.Compressor.Attack < 0 || c.Compressor.Release < 0 {
		return fmt.Errorf("compressor attack and release must not be negative")
	}
	for i, g := range c.Equalizer.Gains {
		if g < -12 || g > 12 {
			return fmt.Errorf("equalizer band %d gain %.1f dB outside [-12, 12]", i, g)
		}
	}
	return nil
}

// DefaultConfig mirrors the factory settings: unity gain, compressor and
// equalizer present but disabled.
func DefaultConfig() Config {
	return Config{
		InputGain: 1.0,
		Compressor: CompressorConfig{
			Enabled:   false,
			Threshold: -24,
			Ratio:     12,
			Attack:    0.003,
			Release:   0.25,
		},
		Equalizer: EqualizerConfig{
			Enabled: false,
			Preset:  PresetFlat,
		},
	}
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	d := DefaultConfig()
	c.Equalizer = d.Equalizer

	f.StringVar(&c.DeviceID, util.PrefixConfig(prefix, "device"), "", "Input device: empty for the default device, a device name, tone[:hz] or file:<path>.")
	f.Float64Var(&c.InputGain, util.PrefixConfig(prefix, "input-gain"), d.InputGain, "Linear input gain (0-2).")
	f.BoolVar(&c.Compressor.Enabled, util.PrefixConfig(prefix, "compressor.enabled"), d.Compressor.Enabled, "Enable the dynamics compressor.")
	f.Float64Var(&c.Compressor.Threshold, util.PrefixConfig(prefix, "compressor.threshold"), d.Compressor.Threshold, "Compressor threshold in dB (-100-0).")
	f.Float64Var(&c.Compressor.Ratio, util.PrefixConfig(prefix, "compressor.ratio"), d.Compressor.Ratio, "Compressor ratio (1-20).")
	f.Float64Var(&c.Compressor.Attack, util.PrefixConfig(prefix, "compressor.attack"), d.Compressor.Attack, "Compressor attack in seconds.")
	f.Float64Var(&c.Compressor.Release, util.PrefixConfig(prefix, "compressor.release"), d.Compressor.Release, "Compressor release in seconds.")
	f.BoolVar(&c.Equalizer.Enabled, util.PrefixConfig(prefix, "equalizer.enabled"), d.Equalizer.Enabled, "Enable the 5-band equalizer.")
	f.StringVar(&c.Equalizer.Preset, util.PrefixConfig(prefix, "equalizer.preset"), d.Equalizer.Preset, "Equalizer preset name.")
}

// Options control the capture format. They are fixed for the lifetime of a
// Graph.
type Options struct {
	SampleRate  int `yaml:"sample_rate,omitempty"`
	Channels    int `yaml:"channels,omitempty"`
	BlockFrames int `yaml:"block_frames,omitempty"`
}

const (
	defaultSampleRate  = 48000
	defaultChannels    = 2
	defaultBlockFrames = 960
)

func (o *Options) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&o.SampleRate, util.PrefixConfig(prefix, "sample-rate"), defaultSampleRate, "Capture sample rate in Hz.")
	f.IntVar(&o.Channels, util.PrefixConfig(prefix, "channels"), defaultChannels, "Capture channel count.")
	f.IntVar(&o.BlockFrames, util.PrefixConfig(prefix, "block-frames"), defaultBlockFrames, "Frames processed per block.")
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = defaultSampleRate
	}
	if o.Channels <= 0 {
		o.Channels = defaultChannels
	}
	if o.BlockFrames <= 0 {
		o.BlockFrames = defaultBlockFrames
	}
	return o
}
