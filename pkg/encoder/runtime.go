package encoder

import (
	"context"
	"io"
)

// Runtime turns raw PCM into an encoded container stream.
type Runtime interface {
	// Supports reports whether format f can be produced.
	Supports(f Format) bool
	// Start launches an encoder for f fed with 16-bit little-endian PCM.
	Start(ctx context.Context, f Format, kbps int, in PCMFormat) (Stream, error)
}

// PCMFormat describes the raw input handed to a Runtime.
type PCMFormat struct {
	SampleRate int
	Channels   int
}

// Stream is a running encoder. PCM is written in and container bytes are
// read out. CloseWrite signals end of input so the encoder can flush; Close
// releases the encoder, terminating it if it is still running.
type Stream interface {
	io.Writer
	io.Reader
	CloseWrite() error
	Close() error
}
