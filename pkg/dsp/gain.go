package dsp

// Gain is a linear gain stage.
type Gain struct {
	level *Param
}

func NewGain(level float64, sampleRate int) *Gain {
	return &Gain{level: NewParam(level, sampleRate, DefaultTimeConstant)}
}

// Set changes the linear gain target.
func (g *Gain) Set(level float64) {
	g.level.SetTarget(level)
}

func (g *Gain) Level() float64 {
	return g.level.Target()
}

// Process applies the gain to a planar block in place.
func (g *Gain) Process(block [][]float64) {
	frames := blockFrames(block)
	for i := 0; i < frames; i++ {
		v := g.level.Next()
		for ch := range block {
			block[ch][i] *= v
		}
	}
}

func blockFrames(block [][]float64) int {
	if len(block) == 0 {
		return 0
	}
	return len(block[0])
}
