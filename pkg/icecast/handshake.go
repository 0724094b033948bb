package icecast

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LineEnding terminates the Shoutcast v1 password line.
type LineEnding string

const (
	CRLF LineEnding = "crlf"
	LF   LineEnding = "lf"
)

func (l LineEnding) bytes() string {
	if l == LF {
		return "\n"
	}
	return "\r\n"
}

// HandshakeOptions carries the headers a source announces itself with.
type HandshakeOptions struct {
	UserAgent   string     `yaml:"user_agent"`
	IceName     string     `yaml:"ice_name"`
	IcePublic   bool       `yaml:"ice_public"`
	ContentType string     `yaml:"content_type"`
	Expect      bool       `yaml:"expect_continue"`
	LineEnding  LineEnding `yaml:"line_ending"`
}

func DefaultHandshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		UserAgent:   "butt/0.1.34",
		IceName:     "GemaWeb Live",
		IcePublic:   true,
		ContentType: "audio/mpeg",
		Expect:      true,
		LineEnding:  CRLF,
	}
}

// BasicAuth is the value of an Authorization header for user:pass.
func BasicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// Handshake renders the bytes a source sends right after the TCP connection
// is established. Audio follows immediately, as a raw body for Icecast.
func Handshake(t Target, opts HandshakeOptions) []byte {
	if t.Protocol == Shoutcast {
		return []byte(t.Pass + opts.LineEnding.bytes())
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "PUT %s HTTP/1.1\r\n", t.MountPath())
	fmt.Fprintf(&b, "Host: %s\r\n", t.Host)
	fmt.Fprintf(&b, "Authorization: %s\r\n", BasicAuth(t.User, t.Pass))
	if opts.UserAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", opts.UserAgent)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	public := 0
	if opts.IcePublic {
		public = 1
	}
	fmt.Fprintf(&b, "Ice-Public: %d\r\n", public)
	if opts.IceName != "" {
		fmt.Fprintf(&b, "Ice-Name: %s\r\n", opts.IceName)
	}
	if opts.Expect {
		b.WriteString("Expect: 100-continue\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// ErrAuthFailed means the server rejected the source credentials.
var ErrAuthFailed = errors.New("authentication failed")

var rejectionMarkers = []string{"401", "403", "Forbidden", "ICV", "Invalid Password"}

// ClassifyResponse inspects the first bytes the server sent after the
// handshake and returns ErrAuthFailed when they carry a rejection.
func ClassifyResponse(resp []byte) error {
	s := string(resp)
	for _, m := range rejectionMarkers {
		if strings.Contains(s, m) {
			return errors.Wrapf(ErrAuthFailed, "server replied %q", firstLine(s))
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
