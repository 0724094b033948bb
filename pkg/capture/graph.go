package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/aiprojek/gemaweb-cast/pkg/dsp"
)

// tapBuffer is how many blocks a tap may fall behind before blocks are
// dropped for that tap only.
const tapBuffer = 64

// Block is one processed block of interleaved samples.
type Block struct {
	Samples  []float32
	Frames   int
	Channels int
}

// Levels is a normalised 0-1 loudness estimate per side.
type Levels struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// Graph owns the input source and the fixed processing chain:
// input gain, compressor, low shelf, three peaking bands, high shelf, tap.
type Graph struct {
	logger *slog.Logger
	source Source
	format Format
	frames int

	gain       *dsp.Gain
	compressor *dsp.Compressor
	equalizer  *dsp.Equalizer
	analysers  [2]*dsp.Analyser

	cfgMu sync.Mutex
	cfg   Config

	tapMu sync.Mutex
	taps  map[*Tap]struct{}

	cancel   context.CancelFunc
	done     chan struct{}
	disposed atomic.Bool

	errMu sync.Mutex
	err   error
}

// Initialize opens cfg.DeviceID through open and starts processing. A failure
// to open the device is returned as ErrDeviceAccess.
func Initialize(ctx context.Context, logger *slog.Logger, cfg Config, opts Options, open Opener) (*Graph, error) {
	opts = opts.withDefaults()
	if open == nil {
		open = OpenSource
	}

	src, err := open(cfg.DeviceID, opts)
	if err != nil {
		return nil, err
	}

	f := src.Format()
	outFormat := Format{SampleRate: f.SampleRate, Channels: opts.Channels}

	g := &Graph{
		logger:     logger.With("component", "capture"),
		source:     src,
		format:     outFormat,
		frames:     opts.BlockFrames,
		gain:       dsp.NewGain(cfg.InputGain, outFormat.SampleRate),
		compressor: dsp.NewCompressor(cfg.Compressor.Effective(), outFormat.SampleRate),
		equalizer:  dsp.NewEqualizer(outFormat.SampleRate, outFormat.Channels),
		analysers:  [2]*dsp.Analyser{dsp.NewAnalyser(), dsp.NewAnalyser()},
		cfg:        cfg,
		taps:       map[*Tap]struct{}{},
		done:       make(chan struct{}),
	}
	g.equalizer.SetGains(cfg.Equalizer.EffectiveGains())

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	go g.run(runCtx)

	g.logger.Info("capture graph initialised",
		"device", cfg.DeviceID,
		"sample_rate", outFormat.SampleRate,
		"channels", outFormat.Channels,
		"source_channels", f.Channels,
	)
	return g, nil
}

// Format is the format of blocks delivered to taps.
func (g *Graph) Format() Format {
	return g.format
}

// Config returns the configuration last applied.
func (g *Graph) Config() Config {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	return g.cfg
}

// SetConfig applies cfg to the running chain. Changes glide in over
// dsp.DefaultTimeConstant. Device changes need a new Graph.
func (g *Graph) SetConfig(cfg Config) {
	g.cfgMu.Lock()
	g.cfg = cfg
	g.cfgMu.Unlock()

	g.gain.Set(cfg.InputGain)
	g.compressor.Set(cfg.Compressor.Effective())
	g.equalizer.SetGains(cfg.Equalizer.EffectiveGains())
}

// CompressorSettings returns the settings the compressor is gliding to.
func (g *Graph) CompressorSettings() dsp.CompressorSettings {
	return g.compressor.Settings()
}

// EqualizerGains returns the gains the equalizer bands are gliding to.
func (g *Graph) EqualizerGains() [dsp.BandCount]float64 {
	return g.equalizer.Gains()
}

// Meter returns the current loudness estimate.
func (g *Graph) Meter() Levels {
	return Levels{
		Left:  g.analysers[0].Volume(),
		Right: g.analysers[1].Volume(),
	}
}

// Tap registers a new consumer of processed blocks. Once the source has
// failed it returns ErrDeviceAccess.
func (g *Graph) Tap() (*Tap, error) {
	g.tapMu.Lock()
	defer g.tapMu.Unlock()

	if err := g.Err(); err != nil {
		return nil, errors.Wrap(ErrDeviceAccess, err.Error())
	}
	if g.disposed.Load() {
		return nil, ErrDisposed
	}
	t := &Tap{graph: g, blocks: make(chan Block, tapBuffer)}
	g.taps[t] = struct{}{}
	return t, nil
}

// Err returns the error that stopped processing, if any.
func (g *Graph) Err() error {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return g.err
}

// Done is closed once processing has stopped.
func (g *Graph) Done() <-chan struct{} {
	return g.done
}

// Dispose stops processing, closes the source and every tap. It is safe to
// call more than once.
func (g *Graph) Dispose() error {
	if !g.disposed.CompareAndSwap(false, true) {
		return nil
	}
	g.cancel()
	err := g.source.Close()
	<-g.done

	g.tapMu.Lock()
	for t := range g.taps {
		t.closeLocked()
	}
	g.tapMu.Unlock()

	g.logger.Info("capture graph disposed")
	return err
}

func (g *Graph) run(ctx context.Context) {
	defer close(g.done)

	srcChannels := g.source.Format().Channels
	in := make([][]float64, srcChannels)
	for i := range in {
		in[i] = make([]float64, g.frames)
	}
	out := make([][]float64, g.format.Channels)
	for i := range out {
		out[i] = make([]float64, g.frames)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := g.source.Read(in)
		if err != nil {
			if ctx.Err() == nil {
				g.errMu.Lock()
				g.err = err
				g.errMu.Unlock()
				g.logger.Error("capture source failed", "err", err)
				g.closeTaps()
			}
			return
		}
		if n == 0 {
			continue
		}

		block := make([][]float64, len(out))
		for ch := range out {
			copy(out[ch][:n], in[ch%srcChannels][:n])
			block[ch] = out[ch][:n]
		}

		g.gain.Process(block)
		g.compressor.Process(block)
		g.equalizer.Process(block)

		g.analysers[0].Write(block[0])
		g.analysers[1].Write(block[len(block)-1])

		g.publish(block, n)
	}
}

func (g *Graph) publish(block [][]float64, frames int) {
	g.tapMu.Lock()
	defer g.tapMu.Unlock()

	if len(g.taps) == 0 {
		return
	}

	channels := len(block)
	for t := range g.taps {
		samples := make([]float32, frames*channels)
		for i := 0; i < frames; i++ {
			for ch := 0; ch < channels; ch++ {
				samples[i*channels+ch] = float32(block[ch][i])
			}
		}
		select {
		case t.blocks <- Block{Samples: samples, Frames: frames, Channels: channels}:
		default:
			if t.dropped.Add(1) == 1 {
				g.logger.Warn("tap is falling behind, dropping blocks")
			}
		}
	}
}

func (g *Graph) closeTaps() {
	g.tapMu.Lock()
	defer g.tapMu.Unlock()
	for t := range g.taps {
		t.closeLocked()
	}
}

// Tap is a read-only subscription to the processed output.
type Tap struct {
	graph   *Graph
	blocks  chan Block
	dropped atomic.Uint64
	closed  bool
}

// Blocks delivers processed blocks in order. The channel is closed when the
// tap or the graph is closed.
func (t *Tap) Blocks() <-chan Block {
	return t.blocks
}

func (t *Tap) Format() Format {
	return t.graph.format
}

// Dropped reports how many blocks were skipped because the consumer was
// too slow.
func (t *Tap) Dropped() uint64 {
	return t.dropped.Load()
}

// Close detaches the tap. Safe to call more than once.
func (t *Tap) Close() {
	t.graph.tapMu.Lock()
	defer t.graph.tapMu.Unlock()
	t.closeLocked()
}

func (t *Tap) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	close(t.blocks)
	delete(t.graph.taps, t)
}
