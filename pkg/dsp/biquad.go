package dsp

import "math"

// FilterType selects the RBJ cookbook response of a Biquad.
type FilterType int

const (
	LowShelf FilterType = iota
	Peaking
	HighShelf
)

func (t FilterType) String() string {
	switch t {
	case LowShelf:
		return "lowshelf"
	case Peaking:
		return "peaking"
	case HighShelf:
		return "highshelf"
	}
	return "unknown"
}

// coefficients are normalised so that a0 == 1.
type coefficients struct {
	b0, b1, b2, a1, a2 float64
}

var identity = coefficients{b0: 1}

// design computes RBJ audio-EQ-cookbook coefficients. Shelves use a slope of
// 1; peaking bands use q.
func design(t FilterType, freq, gainDB, q float64, sampleRate int) coefficients {
	if gainDB == 0 {
		return identity
	}

	nyquist := float64(sampleRate) / 2
	if freq >= nyquist {
		freq = nyquist * 0.98
	}

	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / float64(sampleRate)
	cosw := math.Cos(w0)
	sinw := math.Sin(w0)

	var b0, b1, b2, a0, a1, a2 float64
	switch t {
	case LowShelf:
		alpha := sinw / 2 * math.Sqrt2
		sq := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) - (a-1)*cosw + sq)
		b1 = 2 * a * ((a - 1) - (a+1)*cosw)
		b2 = a * ((a + 1) - (a-1)*cosw - sq)
		a0 = (a + 1) + (a-1)*cosw + sq
		a1 = -2 * ((a - 1) + (a+1)*cosw)
		a2 = (a + 1) + (a-1)*cosw - sq
	case HighShelf:
		alpha := sinw / 2 * math.Sqrt2
		sq := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) + (a-1)*cosw + sq)
		b1 = -2 * a * ((a - 1) + (a+1)*cosw)
		b2 = a * ((a + 1) + (a-1)*cosw - sq)
		a0 = (a + 1) - (a-1)*cosw + sq
		a1 = 2 * ((a - 1) - (a+1)*cosw)
		a2 = (a + 1) - (a-1)*cosw - sq
	default:
		if q <= 0 {
			q = 1
		}
		alpha := sinw / (2 * q)
		b0 = 1 + alpha*a
		b1 = -2 * cosw
		b2 = 1 - alpha*a
		a0 = 1 + alpha/a
		a1 = -2 * cosw
		a2 = 1 - alpha/a
	}

	return coefficients{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}

// coeffUpdateFrames is how often, in frames, a gliding gain recomputes the
// filter coefficients.
const coeffUpdateFrames = 32

// Biquad is a second order IIR filter in transposed direct form II with an
// independent state per channel.
type Biquad struct {
	Type       FilterType
	Frequency  float64
	Q          float64
	sampleRate int

	gain      *Param
	lastGain  float64
	coeffs    coefficients
	z1, z2    []float64
	unitySafe bool
}

func NewBiquad(t FilterType, freq, q float64, sampleRate, channels int) *Biquad {
	return &Biquad{
		Type:       t,
		Frequency:  freq,
		Q:          q,
		sampleRate: sampleRate,
		gain:       NewParam(0, sampleRate, DefaultTimeConstant),
		coeffs:     identity,
		z1:         make([]float64, channels),
		z2:         make([]float64, channels),
		unitySafe:  true,
	}
}

// SetGain schedules a new gain in dB. Safe for concurrent use.
func (b *Biquad) SetGain(db float64) {
	b.gain.SetTarget(db)
}

// Gain returns the target gain in dB.
func (b *Biquad) Gain() float64 {
	return b.gain.Target()
}

// Response returns the filter magnitude in dB at freq for the target gain.
func (b *Biquad) Response(freq float64) float64 {
	c := design(b.Type, b.Frequency, b.gain.Target(), b.Q, b.sampleRate)
	w := 2 * math.Pi * freq / float64(b.sampleRate)
	z1 := complex(math.Cos(-w), math.Sin(-w))
	z2 := z1 * z1
	num := complex(c.b0, 0) + complex(c.b1, 0)*z1 + complex(c.b2, 0)*z2
	den := complex(1, 0) + complex(c.a1, 0)*z1 + complex(c.a2, 0)*z2
	mag := cmplxAbs(num / den)
	return toDB(mag)
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func (b *Biquad) Process(block [][]float64) {
	frames := blockFrames(block)
	for start := 0; start < frames; start += coeffUpdateFrames {
		end := start + coeffUpdateFrames
		if end > frames {
			end = frames
		}

		g := b.gain.Advance(end - start)
		if g != b.lastGain {
			b.coeffs = design(b.Type, b.Frequency, g, b.Q, b.sampleRate)
			b.lastGain = g
		}

		// A flat band with drained state is an exact passthrough.
		if b.coeffs == identity && b.unitySafe {
			continue
		}
		b.unitySafe = false

		c := b.coeffs
		for ch := range block {
			if ch >= len(b.z1) {
				break
			}
			z1, z2 := b.z1[ch], b.z2[ch]
			samples := block[ch]
			for i := start; i < end; i++ {
				x := samples[i]
				y := c.b0*x + z1
				z1 = c.b1*x - c.a1*y + z2
				z2 = c.b2*x - c.a2*y
				samples[i] = y
			}
			b.z1[ch], b.z2[ch] = z1, z2
		}

		if b.coeffs == identity {
			b.unitySafe = true
			for ch := range b.z1 {
				b.z1[ch], b.z2[ch] = 0, 0
			}
		}
	}
}
