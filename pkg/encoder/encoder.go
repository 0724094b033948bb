package encoder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aiprojek/gemaweb-cast/pkg/capture"
)

const (
	RecordingInterval = time.Second
	StreamingInterval = 500 * time.Millisecond

	chunkBacklog = 256
	readSize     = 16 * 1024
	stopTimeout  = 5 * time.Second
)

// Tap is the stream of processed blocks an encoder consumes.
type Tap interface {
	Blocks() <-chan capture.Block
	Format() capture.Format
	Close()
}

// TapFunc opens a new tap on the processing graph.
type TapFunc func() (Tap, error)

// GraphTaps opens taps on g.
func GraphTaps(g *capture.Graph) TapFunc {
	return func() (Tap, error) {
		t, err := g.Tap()
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Encoder is a single running encode of a tap. Encoded bytes are emitted in
// order on Chunks, one chunk per interval.
type Encoder struct {
	logger     *slog.Logger
	resolution Resolution
	tap        Tap
	stream     Stream
	interval   time.Duration

	chunks chan []byte
	data   chan []byte
	done   chan struct{}

	errMu sync.Mutex
	err   error

	stopOnce sync.Once
	stopErr  error
}

// Start negotiates a format for codec, launches the runtime and begins
// feeding it from tap. The tap is owned by the encoder from here on.
func Start(ctx context.Context, logger *slog.Logger, rt Runtime, tap Tap, codec Codec, kbps int, interval time.Duration) (*Encoder, error) {
	if !ValidBitrate(kbps) {
		tap.Close()
		return nil, errors.Wrapf(ErrInvalidBitrate, "%d kbps", kbps)
	}

	res, err := Negotiate(rt, codec)
	if err != nil {
		tap.Close()
		return nil, err
	}
	if res.Fallback() {
		logger.Warn("codec fallback", "codec", codec, "requested", res.Requested, "resolved", res.Resolved)
	}

	format := tap.Format()
	stream, err := rt.Start(ctx, res.Resolved, kbps, PCMFormat{SampleRate: format.SampleRate, Channels: format.Channels})
	if err != nil {
		tap.Close()
		return nil, errors.Wrap(err, "failed to start encoder runtime")
	}

	if interval <= 0 {
		interval = RecordingInterval
	}
	e := &Encoder{
		logger:     logger.With("format", string(res.Resolved)),
		resolution: res,
		tap:        tap,
		stream:     stream,
		interval:   interval,
		chunks:     make(chan []byte, chunkBacklog),
		data:       make(chan []byte, chunkBacklog),
		done:       make(chan struct{}),
	}

	go e.feed(format.SampleRate)
	go e.read()
	go e.chunk()

	return e, nil
}

func (e *Encoder) Resolution() Resolution { return e.resolution }

// Chunks yields encoded chunks in production order. It is closed once the
// encoder has flushed after Stop or failed.
func (e *Encoder) Chunks() <-chan []byte { return e.chunks }

// Done is closed when the last chunk has been emitted.
func (e *Encoder) Done() <-chan struct{} { return e.done }

func (e *Encoder) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *Encoder) fail(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

func (e *Encoder) feed(sampleRate int) {
	defer func() {
		if err := e.stream.CloseWrite(); err != nil {
			e.logger.Debug("close encoder input", "err", err)
		}
	}()

	for block := range e.tap.Blocks() {
		pcm, err := encodePCM(block, sampleRate)
		if err != nil {
			e.fail(errors.Wrap(err, "pcm conversion"))
			e.tap.Close()
			return
		}
		if _, err := e.stream.Write(pcm); err != nil {
			e.fail(errors.Wrap(err, "encoder input"))
			e.tap.Close()
			return
		}
	}
}

func (e *Encoder) read() {
	defer close(e.data)
	for {
		buf := make([]byte, readSize)
		n, err := e.stream.Read(buf)
		if n > 0 {
			e.data <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

func (e *Encoder) chunk() {
	defer close(e.done)
	defer close(e.chunks)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var pending []byte
	for {
		select {
		case b, ok := <-e.data:
			if !ok {
				if len(pending) > 0 {
					e.chunks <- pending
				}
				return
			}
			pending = append(pending, b...)
		case <-ticker.C:
			if len(pending) > 0 {
				e.chunks <- pending
				pending = nil
			}
		}
	}
}

// Stop ends input, waits for the runtime to flush its final chunk and
// releases it. Chunks must be drained for Stop to complete. Stop is
// idempotent.
func (e *Encoder) Stop() error {
	e.stopOnce.Do(func() {
		e.tap.Close()

		select {
		case <-e.done:
		case <-time.After(stopTimeout):
			e.logger.Warn("encoder did not flush in time")
		}

		if err := e.stream.Close(); err != nil {
			e.fail(err)
		}
		<-e.done
		e.stopErr = e.Err()
	})
	return e.stopErr
}
