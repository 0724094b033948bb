package encoder

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChunkSink receives streaming chunks in order.
type ChunkSink func(chunk []byte) error

// Recording is the finished output of a recording encoder.
type Recording struct {
	Data       []byte
	Resolution Resolution
}

// Pipeline owns at most one recording encoder and one streaming encoder,
// both fed from the same processing graph.
type Pipeline struct {
	logger *slog.Logger
	rt     Runtime
	taps   TapFunc

	RecordingInterval time.Duration
	StreamingInterval time.Duration

	mu        sync.Mutex
	recording *recorder
	streaming *streamer
}

type recorder struct {
	enc  *Encoder
	buf  bytes.Buffer
	done chan struct{}
}

type streamer struct {
	enc  *Encoder
	done chan struct{}
}

func NewPipeline(logger *slog.Logger, rt Runtime, taps TapFunc) *Pipeline {
	return &Pipeline{
		logger:            logger.With("module", "encoder"),
		rt:                rt,
		taps:              taps,
		RecordingInterval: RecordingInterval,
		StreamingInterval: StreamingInterval,
	}
}

func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording != nil
}

func (p *Pipeline) Streaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming != nil
}

// StartRecording begins accumulating encoded chunks in memory.
func (p *Pipeline) StartRecording(ctx context.Context, codec Codec, kbps int) (Resolution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recording != nil {
		return Resolution{}, ErrAlreadyRunning
	}

	tap, err := p.taps()
	if err != nil {
		return Resolution{}, err
	}
	enc, err := Start(ctx, p.logger.With("role", "recording"), p.rt, tap, codec, kbps, p.RecordingInterval)
	if err != nil {
		return Resolution{}, err
	}

	r := &recorder{enc: enc, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for chunk := range enc.Chunks() {
			r.buf.Write(chunk)
		}
	}()
	p.recording = r

	p.logger.Info("recording encoder started", "resolution", enc.Resolution().String(), "kbps", kbps)
	return enc.Resolution(), nil
}

// StopRecording flushes the recording encoder and returns everything it
// produced. It returns nil when no recording is active.
func (p *Pipeline) StopRecording() (*Recording, error) {
	p.mu.Lock()
	r := p.recording
	p.recording = nil
	p.mu.Unlock()

	if r == nil {
		return nil, nil
	}

	err := r.enc.Stop()
	<-r.done

	rec := &Recording{
		Data:       r.buf.Bytes(),
		Resolution: r.enc.Resolution(),
	}
	if err != nil {
		p.logger.Warn("recording encoder stopped with error", "err", err)
	}
	p.logger.Info("recording encoder stopped", "bytes", len(rec.Data))
	return rec, err
}

// StartStreaming forwards chunks to sink strictly in production order. The
// first sink error is reported once through onError and later chunks are
// discarded until StopStreaming.
func (p *Pipeline) StartStreaming(ctx context.Context, codec Codec, kbps int, sink ChunkSink, onError func(error)) (Resolution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.streaming != nil {
		return Resolution{}, ErrAlreadyRunning
	}

	tap, err := p.taps()
	if err != nil {
		return Resolution{}, err
	}
	enc, err := Start(ctx, p.logger.With("role", "streaming"), p.rt, tap, codec, kbps, p.StreamingInterval)
	if err != nil {
		return Resolution{}, err
	}

	s := &streamer{enc: enc, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		failed := false
		for chunk := range enc.Chunks() {
			if failed {
				continue
			}
			if err := sink(chunk); err != nil {
				failed = true
				p.logger.Error("stream write failed", "err", err)
				if onError != nil {
					// onError may stop this pipeline, which waits on us.
					go onError(err)
				}
			}
		}
	}()
	p.streaming = s

	p.logger.Info("streaming encoder started", "resolution", enc.Resolution().String(), "kbps", kbps)
	return enc.Resolution(), nil
}

// StopStreaming stops the streaming encoder. It is a no-op when idle.
func (p *Pipeline) StopStreaming() error {
	p.mu.Lock()
	s := p.streaming
	p.streaming = nil
	p.mu.Unlock()

	if s == nil {
		return nil
	}

	err := s.enc.Stop()
	<-s.done
	p.logger.Info("streaming encoder stopped")
	return err
}

// Close stops both encoders.
func (p *Pipeline) Close() error {
	serr := p.StopStreaming()
	_, rerr := p.StopRecording()
	if serr != nil {
		return serr
	}
	return rerr
}
