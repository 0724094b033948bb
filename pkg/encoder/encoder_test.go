package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiprojek/gemaweb-cast/pkg/capture"
)

// passRuntime is an identity encoder: bytes written come straight back out.
type passRuntime struct {
	supported map[Format]bool

	mu      sync.Mutex
	started []Format
	kbps    []int
}

func newPassRuntime(formats ...Format) *passRuntime {
	r := &passRuntime{supported: make(map[Format]bool)}
	for _, f := range formats {
		r.supported[f] = true
	}
	return r
}

func (r *passRuntime) Supports(f Format) bool { return r.supported[f] }

func (r *passRuntime) Start(_ context.Context, f Format, kbps int, _ PCMFormat) (Stream, error) {
	r.mu.Lock()
	r.started = append(r.started, f)
	r.kbps = append(r.kbps, kbps)
	r.mu.Unlock()

	pr, pw := io.Pipe()
	return &passStream{pr: pr, pw: pw}, nil
}

type passStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func (s *passStream) Write(p []byte) (int, error) { return s.pw.Write(p) }
func (s *passStream) Read(p []byte) (int, error)  { return s.pr.Read(p) }
func (s *passStream) CloseWrite() error           { return s.pw.Close() }
func (s *passStream) Close() error                { return s.pr.Close() }

type fakeTap struct {
	blocks chan capture.Block
	once   sync.Once
}

func newFakeTap() *fakeTap {
	return &fakeTap{blocks: make(chan capture.Block, 64)}
}

func (t *fakeTap) Blocks() <-chan capture.Block { return t.blocks }
func (t *fakeTap) Format() capture.Format {
	return capture.Format{SampleRate: 48000, Channels: 2}
}
func (t *fakeTap) Close() { t.once.Do(func() { close(t.blocks) }) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func block(samples ...float32) capture.Block {
	return capture.Block{Samples: samples, Frames: len(samples) / 2, Channels: 2}
}

func int16At(b []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(b[i*2:]))
}

func TestNegotiate(t *testing.T) {
	cases := []struct {
		name      string
		codec     Codec
		supported []Format
		expected  Format
	}{
		{"native mp3", MP3, []Format{FormatMPEG, FormatWebM}, FormatMPEG},
		{"native aac", AAC, []Format{FormatAAC}, FormatAAC},
		{"ogg plain container", OGG, []Format{FormatOgg, FormatWebMOpus}, FormatOgg},
		{"ogg to webm opus", OGG, []Format{FormatWebMOpus}, FormatWebMOpus},
		{"mp3 to webm", MP3, []Format{FormatWebM}, FormatWebM},
		{"opus native", OPUS, []Format{FormatWebMOpus, FormatWebM}, FormatWebMOpus},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Negotiate(newPassRuntime(tc.supported...), tc.codec)
			require.NoError(t, err)
			require.Equal(t, tc.expected, res.Resolved)
			require.Equal(t, NativeFormat(tc.codec), res.Requested)
			require.Equal(t, tc.expected != NativeFormat(tc.codec), res.Fallback())
		})
	}

	_, err := Negotiate(newPassRuntime(), MP3)
	require.ErrorIs(t, err, ErrUnsupportedCodec)

	// Plain Ogg is only a candidate for the OGG codec.
	_, err = Negotiate(newPassRuntime(FormatOgg), AAC)
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestExtension(t *testing.T) {
	require.Equal(t, "mp3", Extension(FormatMPEG))
	require.Equal(t, "aac", Extension(FormatAAC))
	require.Equal(t, "ogg", Extension(FormatOggOpus))
	require.Equal(t, "ogg", Extension(FormatOgg))
	require.Equal(t, "webm", Extension(FormatWebMOpus))
	require.Equal(t, "webm", Extension(FormatWebM))
	require.Equal(t, "webm", Extension("audio/x-unknown"))
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec(" opus ")
	require.NoError(t, err)
	require.Equal(t, OPUS, c)

	_, err = ParseCodec("flac")
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestValidBitrate(t *testing.T) {
	for _, b := range []int{8, 64, 128, 320} {
		assert.True(t, ValidBitrate(b), b)
	}
	for _, b := range []int{0, 100, 321} {
		assert.False(t, ValidBitrate(b), b)
	}
}

func TestParseCapabilities(t *testing.T) {
	encoders := []byte(`Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264
 A....D aac                  AAC (Advanced Audio Coding)
 A....D libmp3lame           libmp3lame MP3 (MPEG audio layer 3)
 A....D libopus              libopus Opus
`)
	got := parseCapabilities(encoders, "------", 'A')
	require.True(t, got["aac"])
	require.True(t, got["libmp3lame"])
	require.True(t, got["libopus"])
	require.False(t, got["libx264"])

	muxers := []byte(`File formats:
 D. = Demuxing supported
 .E = Muxing supported
 --
  E adts            ADTS AAC (Advanced Audio Coding)
 D  aac             raw ADTS AAC
  E mp3             MP3 (MPEG audio layer 3)
  E ogg             Ogg
  E webm            WebM
`)
	got = parseCapabilities(muxers, "--", 'E')
	require.True(t, got["adts"])
	require.True(t, got["webm"])
	require.False(t, got["aac"])
}

func TestEncodePCM(t *testing.T) {
	out, err := encodePCM(block(0.5, -0.5, 2, -2), 48000)
	require.NoError(t, err)
	require.Len(t, out, 8)

	require.InDelta(t, 16383, int16At(out, 0), 1)
	require.InDelta(t, -16383, int16At(out, 1), 1)
	require.Equal(t, int16(32767), int16At(out, 2))
	require.Equal(t, int16(-32768), int16At(out, 3))
}

func TestEncoder_invalidBitrate(t *testing.T) {
	tap := newFakeTap()
	_, err := Start(context.Background(), testLogger(), newPassRuntime(FormatMPEG), tap, MP3, 100, 0)
	require.ErrorIs(t, err, ErrInvalidBitrate)

	// The tap is released on failure.
	_, ok := <-tap.Blocks()
	require.False(t, ok)
}

func TestPipeline_recording(t *testing.T) {
	rt := newPassRuntime(FormatWebMOpus)
	tap := newFakeTap()
	p := NewPipeline(testLogger(), rt, func() (Tap, error) { return tap, nil })
	p.RecordingInterval = 5 * time.Millisecond

	res, err := p.StartRecording(context.Background(), MP3, 128)
	require.NoError(t, err)
	require.True(t, res.Fallback())
	require.Equal(t, FormatWebMOpus, res.Resolved)
	require.True(t, p.Recording())

	_, err = p.StartRecording(context.Background(), MP3, 128)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	tap.blocks <- block(0.5, 0.5)
	tap.blocks <- block(-0.5, -0.5)

	rec, err := p.StopRecording()
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Len(t, rec.Data, 8)
	require.Greater(t, int16At(rec.Data, 0), int16(0))
	require.Less(t, int16At(rec.Data, 3), int16(0))
	require.Equal(t, FormatWebMOpus, rec.Resolution.Resolved)
	require.Equal(t, []int{128}, rt.kbps)
	require.False(t, p.Recording())

	// Stopping again is harmless.
	rec, err = p.StopRecording()
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestPipeline_streamingOrder(t *testing.T) {
	tap := newFakeTap()
	p := NewPipeline(testLogger(), newPassRuntime(FormatMPEG), func() (Tap, error) { return tap, nil })
	p.StreamingInterval = time.Millisecond

	var (
		mu  sync.Mutex
		got bytes.Buffer
	)
	sink := func(chunk []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got.Write(chunk)
		return nil
	}

	_, err := p.StartStreaming(context.Background(), MP3, 64, sink, nil)
	require.NoError(t, err)

	var expected []byte
	for i := 0; i < 20; i++ {
		v := float32(i) / 40
		b := block(v, -v)
		pcm, err := encodePCM(block(v, -v), 48000)
		require.NoError(t, err)
		expected = append(expected, pcm...)
		tap.blocks <- b
		if i%5 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	require.NoError(t, p.StopStreaming())
	require.NoError(t, p.StopStreaming())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, expected, got.Bytes())
}

func TestPipeline_streamingSinkError(t *testing.T) {
	tap := newFakeTap()
	p := NewPipeline(testLogger(), newPassRuntime(FormatMPEG), func() (Tap, error) { return tap, nil })
	p.StreamingInterval = time.Millisecond

	var calls atomic.Int32
	sinkErr := errors.New("socket closed")
	sink := func([]byte) error {
		calls.Add(1)
		return sinkErr
	}

	reported := make(chan error, 4)
	_, err := p.StartStreaming(context.Background(), MP3, 64, sink, func(err error) { reported <- err })
	require.NoError(t, err)

	tap.blocks <- block(0.1, 0.1)
	select {
	case err := <-reported:
		require.ErrorIs(t, err, sinkErr)
	case <-time.After(2 * time.Second):
		t.Fatal("sink error was not reported")
	}

	for i := 0; i < 5; i++ {
		tap.blocks <- block(0.1, 0.1)
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, p.StopStreaming())
	require.Equal(t, int32(1), calls.Load())
	require.Len(t, reported, 0)
}

func TestPipeline_tapError(t *testing.T) {
	tapErr := errors.New("graph disposed")
	p := NewPipeline(testLogger(), newPassRuntime(FormatMPEG), func() (Tap, error) { return nil, tapErr })

	_, err := p.StartRecording(context.Background(), MP3, 128)
	require.ErrorIs(t, err, tapErr)
	require.False(t, p.Recording())
}
