package encoder

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type ffmpegSpec struct {
	muxer string
	codec string
}

var ffmpegSpecs = map[Format]ffmpegSpec{
	FormatMPEG:     {muxer: "mp3", codec: "libmp3lame"},
	FormatAAC:      {muxer: "adts", codec: "aac"},
	FormatOggOpus:  {muxer: "ogg", codec: "libopus"},
	FormatWebMOpus: {muxer: "webm", codec: "libopus"},
	FormatOgg:      {muxer: "ogg", codec: "libvorbis"},
	FormatWebM:     {muxer: "webm"},
}

// FFmpeg is a Runtime backed by an ffmpeg binary. Available encoders and
// muxers are probed once, on first use.
type FFmpeg struct {
	binary string
	logger *slog.Logger

	once     sync.Once
	encoders map[string]bool
	muxers   map[string]bool
	probeErr error
}

func NewFFmpeg(binary string, logger *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{
		binary: binary,
		logger: logger.With("runtime", "ffmpeg"),
	}
}

func (f *FFmpeg) probe() {
	f.once.Do(func() {
		out, err := exec.Command(f.binary, "-hide_banner", "-encoders").Output()
		if err != nil {
			f.probeErr = errors.Wrap(err, "failed to list ffmpeg encoders")
			f.logger.Error("probe failed", "err", f.probeErr)
			return
		}
		f.encoders = parseCapabilities(out, "------", 'A')

		out, err = exec.Command(f.binary, "-hide_banner", "-muxers").Output()
		if err != nil {
			f.probeErr = errors.Wrap(err, "failed to list ffmpeg muxers")
			f.logger.Error("probe failed", "err", f.probeErr)
			return
		}
		f.muxers = parseCapabilities(out, "--", 'E')
		f.logger.Debug("probed", "encoders", len(f.encoders), "muxers", len(f.muxers))
	})
}

// parseCapabilities reads the table printed by "ffmpeg -encoders" or
// "ffmpeg -muxers". Rows follow the separator line; the first column holds
// capability flags and the second a comma separated list of names.
func parseCapabilities(out []byte, separator string, flag byte) map[string]bool {
	names := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	started := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !started {
			started = line == separator
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || strings.IndexByte(fields[0], flag) < 0 {
			continue
		}
		for _, n := range strings.Split(fields[1], ",") {
			names[n] = true
		}
	}
	return names
}

func (f *FFmpeg) Supports(format Format) bool {
	spec, ok := ffmpegSpecs[format]
	if !ok {
		return false
	}
	f.probe()
	if f.probeErr != nil {
		return false
	}
	return f.muxers[spec.muxer] && (spec.codec == "" || f.encoders[spec.codec])
}

func (f *FFmpeg) Start(ctx context.Context, format Format, kbps int, in PCMFormat) (Stream, error) {
	spec, ok := ffmpegSpecs[format]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedCodec, "ffmpeg has no mapping for %s", format)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(in.SampleRate),
		"-ac", strconv.Itoa(in.Channels),
		"-i", "pipe:0",
	}
	if spec.codec != "" {
		args = append(args, "-c:a", spec.codec)
	}
	args = append(args,
		"-b:a", strconv.Itoa(kbps)+"k",
		"-flush_packets", "1",
		"-f", spec.muxer,
		"pipe:1",
	)

	// The process outlives the caller's context; it is bound to Close.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, f.binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to create stderr pipe")
	}

	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to start ffmpeg")
	}

	logger := f.logger.With("format", string(format), "pid", cmd.Process.Pid)
	go consumeStderr(logger, stderr)
	logger.Debug("encoder started", "args", strings.Join(args, " "))

	return &ffmpegStream{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		stdout: stdout,
	}, nil
}

func consumeStderr(logger *slog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Warn("ffmpeg", "msg", line)
		}
	}
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser

	closeWrite sync.Once
	closeOnce  sync.Once
	closeErr   error
}

func (s *ffmpegStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *ffmpegStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }

func (s *ffmpegStream) CloseWrite() error {
	var err error
	s.closeWrite.Do(func() { err = s.stdin.Close() })
	return err
}

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.CloseWrite()
		s.cancel()
		err := s.cmd.Wait()
		if err != nil && s.cmd.ProcessState != nil && !s.cmd.ProcessState.Success() {
			// A kill during Close is expected and not worth surfacing.
			if status := s.cmd.ProcessState.ExitCode(); status != -1 {
				s.closeErr = errors.Wrap(err, "ffmpeg exited")
			}
		}
	})
	return s.closeErr
}
