package session

import (
	"github.com/pkg/errors"

	"github.com/aiprojek/gemaweb-cast/pkg/capture"
	"github.com/aiprojek/gemaweb-cast/pkg/encoder"
	"github.com/aiprojek/gemaweb-cast/pkg/transport"
)

// Hint suggests what the operator should look at after err ended a connect
// attempt or session in the given mode.
func Hint(mode transport.Mode, err error) string {
	var ce *transport.ConnectError
	switch {
	case errors.Is(err, transport.ErrAuthRejected):
		return "Hint: the server rejected the source credentials. Check user, password and mount."
	case errors.Is(err, transport.ErrUpstream):
		return "Hint: the relay could not reach the streaming server. Check host, port and that the server is up."
	case errors.Is(err, encoder.ErrUnsupportedCodec):
		return "Hint: no encoder is available for this codec. Choose another codec or install an ffmpeg build that has it."
	case errors.Is(err, capture.ErrDeviceAccess):
		return "Hint: the input device could not be opened. Check permissions or pick another device."
	case errors.Is(err, ErrNoProfile):
		return "Hint: add a server profile and select it before connecting."
	case errors.As(err, &ce):
	default:
		return ""
	}

	switch mode {
	case transport.ModeRelay:
		return "Hint: the managed relay is unreachable. Check the relay URL and that the relay is running."
	case transport.ModeProxy:
		return "Hint: ensure the local proxy is running."
	case transport.ModeDirect:
		return "Hint: direct mode needs a server that accepts a raw PUT on this address. Try relay mode."
	}
	return ""
}
