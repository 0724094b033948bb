package capture

import (
	"math"
	"sync/atomic"
)

// ToneSource generates a sine wave in real time. It stands in for a capture
// device on hosts without one.
type ToneSource struct {
	format    Format
	freq      float64
	amplitude float64
	phase     float64
	pace      *pacer
	closed    atomic.Bool
}

func NewToneSource(freq float64, f Format) *ToneSource {
	return &ToneSource{
		format:    f,
		freq:      freq,
		amplitude: 0.25,
		pace:      newPacer(f.SampleRate),
	}
}

func (t *ToneSource) Format() Format {
	return t.format
}

func (t *ToneSource) Read(block [][]float64) (int, error) {
	if t.closed.Load() {
		return 0, ErrDisposed
	}
	frames := blockLen(block)
	step := 2 * math.Pi * t.freq / float64(t.format.SampleRate)
	for i := 0; i < frames; i++ {
		v := t.amplitude * math.Sin(t.phase)
		for ch := range block {
			block[ch][i] = v
		}
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	t.pace.wait(frames)
	return frames, nil
}

func (t *ToneSource) Close() error {
	t.closed.Store(true)
	return nil
}

func blockLen(block [][]float64) int {
	if len(block) == 0 {
		return 0
	}
	return len(block[0])
}
