package dsp

import "math"

// silenceDB is the level reported for digital silence.
const silenceDB = -120.0

// CompressorSettings are the live parameters of a Compressor. Threshold is in
// dBFS, Ratio is N:1, Attack and Release are in seconds.
type CompressorSettings struct {
	Threshold float64
	Ratio     float64
	Attack    float64
	Release   float64
}

// Passthrough is the compressor setting that leaves the signal untouched.
func Passthrough(attack, release float64) CompressorSettings {
	return CompressorSettings{Threshold: 0, Ratio: 1, Attack: attack, Release: release}
}

// Compressor is a stereo-linked feed-forward peak compressor. Gain reduction
// is computed in the dB domain and smoothed with separate attack and release
// time constants.
type Compressor struct {
	sampleRate int

	threshold *Param
	ratio     *Param
	attack    *Param
	release   *Param

	// envelope is the smoothed gain reduction in dB, always <= 0.
	envelope float64
}

func NewCompressor(s CompressorSettings, sampleRate int) *Compressor {
	s = clampCompressor(s)
	return &Compressor{
		sampleRate: sampleRate,
		threshold:  NewParam(s.Threshold, sampleRate, DefaultTimeConstant),
		ratio:      NewParam(s.Ratio, sampleRate, DefaultTimeConstant),
		attack:     NewParam(s.Attack, sampleRate, DefaultTimeConstant),
		release:    NewParam(s.Release, sampleRate, DefaultTimeConstant),
	}
}

// Set schedules new settings. Safe for concurrent use.
func (c *Compressor) Set(s CompressorSettings) {
	s = clampCompressor(s)
	c.threshold.SetTarget(s.Threshold)
	c.ratio.SetTarget(s.Ratio)
	c.attack.SetTarget(s.Attack)
	c.release.SetTarget(s.Release)
}

// Settings returns the target settings.
func (c *Compressor) Settings() CompressorSettings {
	return CompressorSettings{
		Threshold: c.threshold.Target(),
		Ratio:     c.ratio.Target(),
		Attack:    c.attack.Target(),
		Release:   c.release.Target(),
	}
}

// Reduction returns the current gain reduction in dB (<= 0).
func (c *Compressor) Reduction() float64 {
	return c.envelope
}

func (c *Compressor) Process(block [][]float64) {
	frames := blockFrames(block)
	if frames == 0 {
		return
	}

	attackCoeff := envelopeCoeff(c.attack.Advance(frames), c.sampleRate)
	releaseCoeff := envelopeCoeff(c.release.Advance(frames), c.sampleRate)

	for i := 0; i < frames; i++ {
		threshold := c.threshold.Next()
		ratio := c.ratio.Next()

		peak := 0.0
		for ch := range block {
			if v := math.Abs(block[ch][i]); v > peak {
				peak = v
			}
		}

		target := gainReduction(toDB(peak), threshold, ratio)

		coeff := releaseCoeff
		if target < c.envelope {
			coeff = attackCoeff
		}
		c.envelope = target + (c.envelope-target)*coeff

		if c.envelope == 0 {
			continue
		}
		g := fromDB(c.envelope)
		for ch := range block {
			block[ch][i] *= g
		}
	}
}

// gainReduction is the static compression curve: the dB change applied to a
// signal at level dB.
func gainReduction(level, threshold, ratio float64) float64 {
	if ratio <= 1 || level <= threshold {
		return 0
	}
	over := level - threshold
	return over/ratio - over
}

func envelopeCoeff(seconds float64, sampleRate int) float64 {
	if seconds <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1 / (seconds * float64(sampleRate)))
}

func clampCompressor(s CompressorSettings) CompressorSettings {
	s.Threshold = clamp(s.Threshold, -100, 0)
	s.Ratio = clamp(s.Ratio, 1, 20)
	s.Attack = clamp(s.Attack, 0, 1)
	s.Release = clamp(s.Release, 0, 1)
	return s
}

func toDB(v float64) float64 {
	if v <= 0 {
		return silenceDB
	}
	db := 20 * math.Log10(v)
	if db < silenceDB {
		return silenceDB
	}
	return db
}

func fromDB(db float64) float64 {
	return math.Pow(10, db/20)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
