package dsp

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// FFTSize is the analysis window length in samples.
	FFTSize = 256

	smoothingTimeConstant = 0.8
	minDecibels           = -100.0
	maxDecibels           = -30.0
)

// Analyser keeps the most recent FFTSize samples of one channel and derives a
// smoothed byte magnitude spectrum from them, in the same scale a browser
// AnalyserNode reports.
type Analyser struct {
	mu       sync.Mutex
	ring     []float64
	pos      int
	window   []float64
	smoothed []float64
	fft      *fourier.FFT
	scratch  []float64
}

func NewAnalyser() *Analyser {
	a := &Analyser{
		ring:     make([]float64, FFTSize),
		window:   blackman(FFTSize),
		smoothed: make([]float64, FFTSize/2),
		fft:      fourier.NewFFT(FFTSize),
		scratch:  make([]float64, FFTSize),
	}
	return a
}

// Write appends samples to the analysis window.
func (a *Analyser) Write(samples []float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % FFTSize
	}
}

// ByteFrequencyData returns FFTSize/2 bins mapped from [minDecibels,
// maxDecibels] onto [0, 255].
func (a *Analyser) ByteFrequencyData() []uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < FFTSize; i++ {
		a.scratch[i] = a.ring[(a.pos+i)%FFTSize] * a.window[i]
	}
	coeffs := a.fft.Coefficients(nil, a.scratch)

	out := make([]uint8, FFTSize/2)
	for k := range out {
		mag := cmplxAbs(coeffs[k]) / FFTSize
		a.smoothed[k] = smoothingTimeConstant*a.smoothed[k] + (1-smoothingTimeConstant)*mag

		db := silenceDB
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		out[k] = uint8(clamp(scaled, 0, 255))
	}
	return out
}

// Volume averages the byte spectrum and normalises it to a 0-1 loudness
// estimate.
func (a *Analyser) Volume() float64 {
	bins := a.ByteFrequencyData()
	if len(bins) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bins {
		sum += float64(b)
	}
	return math.Min(1, sum/float64(len(bins))/128)
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a1 := 0.5
	a2 := 0.5 * alpha
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
