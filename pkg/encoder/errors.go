package encoder

import "errors"

var (
	// ErrUnsupportedCodec means no format in the fallback chain is available.
	ErrUnsupportedCodec = errors.New("unsupported codec")

	ErrInvalidBitrate = errors.New("invalid bitrate")
	ErrAlreadyRunning = errors.New("encoder already running")
)
