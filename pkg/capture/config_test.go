package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiprojek/gemaweb-cast/pkg/dsp"
)

func TestCompressorConfig_Effective(t *testing.T) {
	tests := []struct {
		name string
		cfg  CompressorConfig
		want dsp.CompressorSettings
	}{
		{
			name: "enabled",
			cfg:  CompressorConfig{Enabled: true, Threshold: -30, Ratio: 4, Attack: 0.01, Release: 0.2},
			want: dsp.CompressorSettings{Threshold: -30, Ratio: 4, Attack: 0.01, Release: 0.2},
		},
		{
			name: "disabled ignores stored threshold and ratio",
			cfg:  CompressorConfig{Enabled: false, Threshold: -80, Ratio: 20, Attack: 0.01, Release: 0.2},
			want: dsp.CompressorSettings{Threshold: 0, Ratio: 1, Attack: 0.01, Release: 0.2},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.Effective())
		})
	}
}

func TestEqualizerConfig_EffectiveGains(t *testing.T) {
	eq := EqualizerConfig{Enabled: false, Gains: [dsp.BandCount]float64{1, 2, 3, 4, 5}}
	assert.Equal(t, [dsp.BandCount]float64{}, eq.EffectiveGains())

	eq.Enabled = true
	assert.Equal(t, [dsp.BandCount]float64{1, 2, 3, 4, 5}, eq.EffectiveGains())
}

func TestEqualizerConfig_Bands(t *testing.T) {
	eq := EqualizerConfig{Gains: [dsp.BandCount]float64{1, 2, 3, 4, 5}}
	bands := eq.Bands()
	require.Len(t, bands, 5)
	assert.Equal(t, Band{Frequency: 60, Gain: 1}, bands[0])
	assert.Equal(t, Band{Frequency: 12000, Gain: 5}, bands[4])
}

func TestEqualizerConfig_ApplyPreset(t *testing.T) {
	eq := EqualizerConfig{Enabled: true, Preset: PresetFlat}

	out, err := eq.ApplyPreset("Broadcast")
	require.NoError(t, err)
	assert.Equal(t, "Broadcast", out.Preset)
	assert.Equal(t, [dsp.BandCount]float64{3, 1, -1, 2, 4}, out.Gains)
	assert.Equal(t, PresetFlat, eq.Preset, "receiver is not modified")

	manual, err := out.ApplyPreset(PresetManual)
	require.NoError(t, err)
	assert.Equal(t, out.Gains, manual.Gains)

	_, err = eq.ApplyPreset("Nope")
	assert.Error(t, err)
}

func TestEqualizerConfig_WithBandGain(t *testing.T) {
	eq := EqualizerConfig{Preset: "Loudness", Gains: Presets["Loudness"]}
	out := eq.WithBandGain(2, 4)
	assert.Equal(t, 4.0, out.Gains[2])
	assert.Equal(t, PresetManual, out.Preset)
	assert.Equal(t, eq, eq.WithBandGain(7, 1))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, DefaultConfig().WithGain(2.5).Validate())

	c := DefaultConfig()
	c.Compressor.Ratio = 0.5
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.Equalizer.Gains[4] = 13
	assert.Error(t, c.Validate())
}

func TestPresetNames(t *testing.T) {
	assert.Equal(t, []string{"Bass Boost", "Broadcast", "Flat", "Loudness", "Voice Presence"}, PresetNames())
}
