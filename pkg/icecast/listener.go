package icecast

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const listenerUserAgent = "iTunes/12.9.2 (Macintosh; OS X 10.14.3) AppleWebKit/606.4.5"

// Metadata is a parsed ICY metadata block.
type Metadata struct {
	StreamTitle string
	StreamURL   string
}

// ParseMetadata decodes a block of the form StreamTitle='...';StreamUrl='...';
// padded with NUL bytes.
func ParseMetadata(b []byte) *Metadata {
	s := strings.TrimRight(string(b), "\x00")
	m := &Metadata{}
	for _, field := range splitFields(s) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		v = strings.TrimSuffix(strings.TrimPrefix(v, "'"), "'")
		switch k {
		case "StreamTitle":
			m.StreamTitle = v
		case "StreamUrl":
			m.StreamURL = v
		}
	}
	return m
}

// splitFields splits on ';' outside of single quotes so titles may contain
// semicolons.
func splitFields(s string) []string {
	var (
		fields []string
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			quoted = !quoted
		case ';':
			if !quoted {
				fields = append(fields, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		fields = append(fields, s[start:])
	}
	return fields
}

func (m *Metadata) Equals(o *Metadata) bool {
	if m == nil || o == nil {
		return m == o
	}
	return *m == *o
}

// Listener is an open ICY listener stream. Reads return audio bytes only;
// metadata blocks are stripped and reported through OnMetadata.
type Listener struct {
	Name        string
	Genre       string
	Description string
	URL         string
	Bitrate     int

	// OnMetadata is called whenever the metadata changes.
	OnMetadata func(m *Metadata)

	logger   *slog.Logger
	metaint  int
	pos      int
	metadata *Metadata
	body     io.ReadCloser
	r        *bufio.Reader
}

func listenerClient() *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: 10 * time.Second,
		},
	}
}

// Listen opens streamURL as a listener, resolving .pls and .m3u playlists
// first. The returned stream has no read deadline.
func Listen(ctx context.Context, logger *slog.Logger, streamURL string) (*Listener, error) {
	client := listenerClient()

	resolved, err := ResolvePlaylist(ctx, client, streamURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve playlist URL")
	}
	if resolved != streamURL {
		logger.Info("resolved playlist", "url", streamURL, "stream", resolved)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", listenerUserAgent)
	req.Header.Set("Icy-MetaData", "1")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("listener request returned %s", resp.Status)
	}

	l := &Listener{
		Name:        resp.Header.Get("icy-name"),
		Genre:       resp.Header.Get("icy-genre"),
		Description: resp.Header.Get("icy-description"),
		URL:         resp.Header.Get("icy-url"),
		logger:      logger,
		body:        resp.Body,
		r:           bufio.NewReader(resp.Body),
	}

	if raw := resp.Header.Get("icy-br"); raw != "" {
		if l.Bitrate, err = strconv.Atoi(strings.Split(raw, ",")[0]); err != nil {
			resp.Body.Close()
			return nil, errors.Wrap(err, "cannot parse bitrate")
		}
	}
	if raw := resp.Header.Get("icy-metaint"); raw != "" {
		if l.metaint, err = strconv.Atoi(raw); err != nil {
			resp.Body.Close()
			return nil, errors.Wrap(err, "cannot parse metaint")
		}
	}

	logger.Debug("listener opened", "name", l.Name, "bitrate", l.Bitrate, "metaint", l.metaint)
	return l, nil
}

// Metadata returns the last metadata block seen, if any.
func (l *Listener) Metadata() *Metadata { return l.metadata }

func (l *Listener) Read(buf []byte) (int, error) {
	if l.metaint == 0 {
		return l.r.Read(buf)
	}

	if l.pos == l.metaint {
		if err := l.readMetadata(); err != nil {
			return 0, err
		}
		l.pos = 0
	}

	if remaining := l.metaint - l.pos; len(buf) > remaining {
		buf = buf[:remaining]
	}
	n, err := l.r.Read(buf)
	l.pos += n
	return n, err
}

func (l *Listener) readMetadata() error {
	size, err := l.r.ReadByte()
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	block := make([]byte, int(size)*16)
	if _, err := io.ReadFull(l.r, block); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	if m := ParseMetadata(block); !m.Equals(l.metadata) {
		l.metadata = m
		if l.OnMetadata != nil {
			l.OnMetadata(m)
		}
	}
	return nil
}

func (l *Listener) Close() error {
	l.logger.Debug("listener closed", "name", l.Name)
	return l.body.Close()
}

// ProbeResult summarises a short listen on a published mount.
type ProbeResult struct {
	Name    string `json:"name"`
	Bitrate int    `json:"bitrate"`
	Title   string `json:"title"`
	Bytes   int64  `json:"bytes"`
}

// Probe listens to streamURL for d and reports how many audio bytes arrived
// and the first stream title seen.
func Probe(ctx context.Context, logger *slog.Logger, streamURL string, d time.Duration) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	l, err := Listen(ctx, logger, streamURL)
	if err != nil {
		return ProbeResult{}, err
	}
	defer l.Close()

	res := ProbeResult{Name: l.Name, Bitrate: l.Bitrate}
	l.OnMetadata = func(m *Metadata) {
		if res.Title == "" {
			res.Title = m.StreamTitle
		}
	}

	buf := make([]byte, 4096)
	for {
		n, err := l.Read(buf)
		res.Bytes += int64(n)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return res, nil
			}
			return res, err
		}
	}
}
