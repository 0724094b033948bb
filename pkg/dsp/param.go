package dsp

import (
	"math"
	"sync/atomic"
)

// DefaultTimeConstant is the smoothing time constant, in seconds, applied to
// every live parameter change.
const DefaultTimeConstant = 0.1

// Param is a parameter whose target can be set concurrently and whose value
// approaches the target exponentially, one sample at a time.
type Param struct {
	target  atomic.Uint64
	current float64
	coeff   float64
}

// NewParam returns a parameter initialised to v with no pending glide.
func NewParam(v float64, sampleRate int, timeConstant float64) *Param {
	p := &Param{current: v}
	p.target.Store(math.Float64bits(v))
	p.coeff = smoothingCoeff(sampleRate, timeConstant)
	return p
}

func smoothingCoeff(sampleRate int, timeConstant float64) float64 {
	if sampleRate <= 0 || timeConstant <= 0 {
		return 1
	}
	return 1 - math.Exp(-1/(timeConstant*float64(sampleRate)))
}

// SetTarget schedules a glide towards v. Safe for concurrent use.
func (p *Param) SetTarget(v float64) {
	p.target.Store(math.Float64bits(v))
}

// Target returns the last value passed to SetTarget.
func (p *Param) Target() float64 {
	return math.Float64frombits(p.target.Load())
}

// Value returns the current smoothed value. Only the processing goroutine
// should call it.
func (p *Param) Value() float64 {
	return p.current
}

// Next advances the glide by one sample and returns the new value.
func (p *Param) Next() float64 {
	t := p.Target()
	d := t - p.current
	if math.Abs(d) < 1e-9 {
		p.current = t
		return t
	}
	p.current += d * p.coeff
	return p.current
}

// Advance advances the glide by n samples at once and returns the value
// reached. Used by processors that update coefficients per block.
func (p *Param) Advance(n int) float64 {
	t := p.Target()
	if p.current == t || n <= 0 {
		return p.current
	}
	remaining := math.Pow(1-p.coeff, float64(n))
	p.current = t + (p.current-t)*remaining
	if math.Abs(t-p.current) < 1e-9 {
		p.current = t
	}
	return p.current
}

// Settle jumps straight to the target. Used when a processor is first built.
func (p *Param) Settle() {
	p.current = p.Target()
}
