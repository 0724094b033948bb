package dsp

// BandCount is the fixed number of equalizer bands.
const BandCount = 5

// BandFrequencies are the fixed centre (or corner) frequencies in Hz.
var BandFrequencies = [BandCount]float64{60, 250, 1000, 4000, 12000}

const (
	bandQ     = 1.0
	maxBandDB = 12.0
	minBandDB = -12.0
)

// Equalizer is a fixed 5-band equalizer: a low shelf, three peaking bands and
// a high shelf, processed in that order.
type Equalizer struct {
	bands [BandCount]*Biquad
}

func NewEqualizer(sampleRate, channels int) *Equalizer {
	e := &Equalizer{}
	for i, f := range BandFrequencies {
		t := Peaking
		switch i {
		case 0:
			t = LowShelf
		case BandCount - 1:
			t = HighShelf
		}
		e.bands[i] = NewBiquad(t, f, bandQ, sampleRate, channels)
	}
	return e
}

// SetGains schedules a gain in dB for every band. Values are clamped to
// [-12, 12].
func (e *Equalizer) SetGains(gains [BandCount]float64) {
	for i, g := range gains {
		e.bands[i].SetGain(clamp(g, minBandDB, maxBandDB))
	}
}

// Gains returns the target gain of every band.
func (e *Equalizer) Gains() [BandCount]float64 {
	var out [BandCount]float64
	for i, b := range e.bands {
		out[i] = b.Gain()
	}
	return out
}

// Band returns band i.
func (e *Equalizer) Band(i int) *Biquad {
	return e.bands[i]
}

func (e *Equalizer) Process(block [][]float64) {
	for _, b := range e.bands {
		b.Process(block)
	}
}
