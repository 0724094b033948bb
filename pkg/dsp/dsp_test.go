package dsp

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = 48000

func noiseBlock(channels, frames int, amp float64) [][]float64 {
	r := rand.New(rand.NewSource(1))
	block := make([][]float64, channels)
	for ch := range block {
		block[ch] = make([]float64, frames)
		for i := range block[ch] {
			block[ch][i] = (r.Float64()*2 - 1) * amp
		}
	}
	return block
}

func sineBlock(channels, frames int, freq, amp float64) [][]float64 {
	block := make([][]float64, channels)
	for ch := range block {
		block[ch] = make([]float64, frames)
		for i := range block[ch] {
			block[ch][i] = amp * math.Sin(2*math.Pi*freq*float64(i)/testRate)
		}
	}
	return block
}

func copyBlock(b [][]float64) [][]float64 {
	out := make([][]float64, len(b))
	for i := range b {
		out[i] = append([]float64(nil), b[i]...)
	}
	return out
}

func peak(samples []float64) float64 {
	p := 0.0
	for _, s := range samples {
		p = math.Max(p, math.Abs(s))
	}
	return p
}

func TestParam_glidesTowardsTarget(t *testing.T) {
	p := NewParam(0, testRate, DefaultTimeConstant)
	p.SetTarget(1)

	first := p.Next()
	assert.Greater(t, first, 0.0)
	assert.Less(t, first, 0.01, "a single sample must not step to the target")

	p.Advance(testRate)
	assert.InDelta(t, 1.0, p.Value(), 1e-3)
}

func TestParam_advanceMatchesNext(t *testing.T) {
	a := NewParam(0, testRate, DefaultTimeConstant)
	b := NewParam(0, testRate, DefaultTimeConstant)
	a.SetTarget(-12)
	b.SetTarget(-12)

	for i := 0; i < 480; i++ {
		a.Next()
	}
	b.Advance(480)
	assert.InDelta(t, a.Value(), b.Value(), 1e-6)
}

func TestGain_appliesLevel(t *testing.T) {
	g := NewGain(2, testRate)
	block := [][]float64{{0.1, 0.2}, {0.3, -0.4}}
	g.Process(block)
	assert.InDeltaSlice(t, []float64{0.2, 0.4}, block[0], 1e-9)
	assert.InDeltaSlice(t, []float64{0.6, -0.8}, block[1], 1e-9)
}

func TestCompressor_passthroughIsTransparent(t *testing.T) {
	c := NewCompressor(Passthrough(0.003, 0.25), testRate)
	in := noiseBlock(2, 4096, 1.0)
	out := copyBlock(in)

	c.Process(out)

	for ch := range in {
		assert.InDeltaSlice(t, in[ch], out[ch], 1e-12)
	}
	assert.Equal(t, 0.0, c.Reduction())
}

func TestCompressor_reducesLoudSignal(t *testing.T) {
	c := NewCompressor(CompressorSettings{Threshold: -24, Ratio: 12, Attack: 0.003, Release: 0.25}, testRate)
	block := sineBlock(2, testRate/2, 440, 0.9)

	c.Process(block)

	tail := block[0][len(block[0])-4800:]
	assert.Less(t, peak(tail), 0.5)
	assert.Less(t, c.Reduction(), -10.0)
}

func TestCompressor_clampsSettings(t *testing.T) {
	c := NewCompressor(CompressorSettings{Threshold: -200, Ratio: 50, Attack: 3, Release: -1}, testRate)
	s := c.Settings()
	assert.Equal(t, -100.0, s.Threshold)
	assert.Equal(t, 20.0, s.Ratio)
	assert.Equal(t, 1.0, s.Attack)
	assert.Equal(t, 0.0, s.Release)
}

func TestGainReduction(t *testing.T) {
	assert.Equal(t, 0.0, gainReduction(-30, -24, 4))
	assert.Equal(t, 0.0, gainReduction(-6, 0, 1))
	assert.InDelta(t, -9.0, gainReduction(-12, -24, 4), 1e-9)
}

func TestEqualizer_fixedBands(t *testing.T) {
	e := NewEqualizer(testRate, 2)
	want := []FilterType{LowShelf, Peaking, Peaking, Peaking, HighShelf}
	for i := 0; i < BandCount; i++ {
		assert.Equal(t, want[i], e.Band(i).Type)
		assert.Equal(t, BandFrequencies[i], e.Band(i).Frequency)
	}
}

func TestEqualizer_flatIsTransparent(t *testing.T) {
	e := NewEqualizer(testRate, 2)
	in := noiseBlock(2, 2048, 0.8)
	out := copyBlock(in)

	e.Process(out)

	for ch := range in {
		assert.InDeltaSlice(t, in[ch], out[ch], 1e-12)
	}
}

func TestEqualizer_clampsGains(t *testing.T) {
	e := NewEqualizer(testRate, 1)
	e.SetGains([BandCount]float64{20, -20, 3, 0, -1})
	assert.Equal(t, [BandCount]float64{12, -12, 3, 0, -1}, e.Gains())
}

func TestBiquad_response(t *testing.T) {
	tests := []struct {
		name  string
		typ   FilterType
		freq  float64
		probe float64
		gain  float64
	}{
		{"low shelf below corner", LowShelf, 60, 10, 6},
		{"peaking at centre", Peaking, 1000, 1000, -6},
		{"high shelf above corner", HighShelf, 4000, 20000, 9},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBiquad(tc.typ, tc.freq, 1, testRate, 1)
			b.SetGain(tc.gain)
			assert.InDelta(t, tc.gain, b.Response(tc.probe), 0.75)
		})
	}
}

func TestBiquad_boostRaisesLevel(t *testing.T) {
	b := NewBiquad(Peaking, 1000, 1, testRate, 1)
	b.SetGain(12)
	b.gain.Settle()

	block := sineBlock(1, testRate/4, 1000, 0.1)
	b.Process(block)

	tail := block[0][len(block[0])-2400:]
	assert.InDelta(t, 0.1*math.Pow(10, 12.0/20), peak(tail), 0.02)
}

func TestAnalyser_volume(t *testing.T) {
	a := NewAnalyser()
	assert.Equal(t, 0.0, a.Volume())

	loud := NewAnalyser()
	block := sineBlock(1, FFTSize, 1000, 0.8)
	loud.Write(block[0])
	v := loud.Volume()
	assert.Greater(t, v, 0.0)
	assert.LessOrEqual(t, v, 1.0)
}

func TestAnalyser_binCount(t *testing.T) {
	a := NewAnalyser()
	require.Len(t, a.ByteFrequencyData(), FFTSize/2)
}
