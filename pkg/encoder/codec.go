package encoder

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Codec is the operator-facing codec choice.
type Codec string

const (
	MP3  Codec = "MP3"
	AAC  Codec = "AAC"
	OGG  Codec = "OGG"
	OPUS Codec = "OPUS"
)

// ParseCodec accepts a codec name in any case.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToUpper(strings.TrimSpace(s))); c {
	case MP3, AAC, OGG, OPUS:
		return c, nil
	}
	return "", errors.Wrapf(ErrUnsupportedCodec, "unknown codec %q", s)
}

// Format is a container/codec pair expressed as a MIME type.
type Format string

const (
	FormatMPEG     Format = "audio/mpeg"
	FormatAAC      Format = "audio/aac"
	FormatOggOpus  Format = "audio/ogg;codecs=opus"
	FormatWebMOpus Format = "audio/webm;codecs=opus"
	FormatOgg      Format = "audio/ogg"
	FormatWebM     Format = "audio/webm"
)

// NativeFormat is the container a codec is requested in.
func NativeFormat(c Codec) Format {
	switch c {
	case MP3:
		return FormatMPEG
	case AAC:
		return FormatAAC
	case OGG:
		return FormatOggOpus
	case OPUS:
		return FormatWebMOpus
	}
	return FormatWebM
}

// Extension is the file extension used when saving data in format f.
func Extension(f Format) string {
	s := string(f)
	switch {
	case strings.Contains(s, "mpeg"), strings.Contains(s, "mp3"):
		return "mp3"
	case strings.Contains(s, "aac"):
		return "aac"
	case strings.Contains(s, "ogg"):
		return "ogg"
	}
	return "webm"
}

// Resolution records which format negotiation settled on.
type Resolution struct {
	Codec     Codec  `json:"codec"`
	Requested Format `json:"requested"`
	Resolved  Format `json:"resolved"`
}

// Fallback reports whether the resolved format differs from the request.
func (r Resolution) Fallback() bool {
	return r.Requested != r.Resolved
}

func (r Resolution) String() string {
	if r.Fallback() {
		return fmt.Sprintf("%s [%s, requested %s]", r.Codec, r.Resolved, r.Requested)
	}
	return fmt.Sprintf("%s [%s]", r.Codec, r.Resolved)
}

// Negotiate picks the format to encode c in. The native container is tried
// first; after that OGG falls back to a plain Ogg container, then everything
// falls back to Opus in WebM and finally to WebM with the runtime's default
// codec.
func Negotiate(rt Runtime, c Codec) (Resolution, error) {
	res := Resolution{Codec: c, Requested: NativeFormat(c)}

	candidates := []Format{res.Requested}
	if c == OGG {
		candidates = append(candidates, FormatOgg)
	}
	candidates = append(candidates, FormatWebMOpus, FormatWebM)

	for _, f := range candidates {
		if rt.Supports(f) {
			res.Resolved = f
			return res, nil
		}
	}
	return res, errors.Wrapf(ErrUnsupportedCodec, "no usable format for %s", c)
}

// Bitrates is the set of bitrates, in kbps, an encoder accepts.
var Bitrates = []int{8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 256, 320}

func ValidBitrate(kbps int) bool {
	for _, b := range Bitrates {
		if b == kbps {
			return true
		}
	}
	return false
}
