package capture

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Format describes the PCM layout a Source delivers.
type Format struct {
	SampleRate int
	Channels   int
}

// Source is a live PCM input. Read blocks until len(block[0]) frames are
// available (or the source fails) and writes planar samples in [-1, 1].
type Source interface {
	Format() Format
	Read(block [][]float64) (int, error)
	Close() error
}

// Opener opens the source named by deviceID.
type Opener func(deviceID string, opts Options) (Source, error)

const (
	tonePrefix = "tone"
	filePrefix = "file:"
)

// OpenSource is the default Opener. An empty id or "default" selects the
// system default input device, "tone" or "tone:<hz>" a test tone, and
// "file:<path>" a looping WAV or MP3 file played back in real time. Any
// other id is matched against the input device names.
func OpenSource(deviceID string, opts Options) (Source, error) {
	opts = opts.withDefaults()

	switch {
	case deviceID == tonePrefix || strings.HasPrefix(deviceID, tonePrefix+":"):
		freq := 440.0
		if _, v, ok := strings.Cut(deviceID, ":"); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				return nil, fmt.Errorf("invalid tone frequency %q", v)
			}
			freq = f
		}
		return NewToneSource(freq, Format{SampleRate: opts.SampleRate, Channels: opts.Channels}), nil

	case strings.HasPrefix(deviceID, filePrefix):
		src, err := OpenFileSource(strings.TrimPrefix(deviceID, filePrefix))
		if err != nil {
			return nil, errors.Wrap(ErrDeviceAccess, err.Error())
		}
		return src, nil
	}

	return OpenDeviceSource(deviceID, opts)
}

// pacer holds a non-device source to real time.
type pacer struct {
	sampleRate int
	start      time.Time
	frames     int64
}

func newPacer(sampleRate int) *pacer {
	return &pacer{sampleRate: sampleRate}
}

// wait blocks until the given number of additional frames would have been
// captured by a real device.
func (p *pacer) wait(frames int) {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	p.frames += int64(frames)
	due := p.start.Add(time.Duration(p.frames) * time.Second / time.Duration(p.sampleRate))
	if d := time.Until(due); d > 0 {
		time.Sleep(d)
	}
}
