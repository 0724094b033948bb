// Package dsp provides the real-time signal processing blocks used by the
// capture graph: smoothed parameters, an input gain stage, a feed-forward
// dynamics compressor, RBJ biquad filters arranged as a fixed 5-band
// equalizer, and a spectrum analyser used for metering.
//
// All processors work on planar float64 blocks ([channel][frame]) in place.
// Parameter targets may be changed from any goroutine while a block is being
// processed; the processing goroutine glides towards the new target over a
// short time constant so that live edits never produce a hard step.
package dsp
