package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// FileSource plays a WAV or MP3 file in a loop at real-time speed.
type FileSource struct {
	f      *os.File
	format Format
	pace   *pacer
	next   func(block [][]float64) (int, error)
	rewind func() error
}

// OpenFileSource opens path; the decoder is chosen by extension.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	s := &FileSource{f: f}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		err = s.initWAV()
	case ".mp3":
		err = s.initMP3()
	default:
		err = fmt.Errorf("unsupported input file type %q", filepath.Ext(path))
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	s.pace = newPacer(s.format.SampleRate)
	return s, nil
}

func (s *FileSource) initWAV() error {
	d := wav.NewDecoder(s.f)
	if !d.IsValidFile() {
		return fmt.Errorf("%s is not a valid wav file", s.f.Name())
	}
	if err := d.FwdToPCM(); err != nil {
		return err
	}

	channels := int(d.NumChans)
	scale := float64(int64(1) << (d.BitDepth - 1))
	s.format = Format{SampleRate: int(d.SampleRate), Channels: channels}

	buf := &audio.IntBuffer{Format: d.Format(), SourceBitDepth: int(d.BitDepth)}
	s.next = func(block [][]float64) (int, error) {
		frames := blockLen(block)
		if cap(buf.Data) < frames*channels {
			buf.Data = make([]int, frames*channels)
		}
		buf.Data = buf.Data[:frames*channels]

		n, err := d.PCMBuffer(buf)
		if n == 0 {
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		got := n / channels
		for i := 0; i < got; i++ {
			for ch := 0; ch < channels && ch < len(block); ch++ {
				block[ch][i] = float64(buf.Data[i*channels+ch]) / scale
			}
		}
		return got, nil
	}
	s.rewind = func() error {
		if err := d.Rewind(); err != nil {
			return err
		}
		return d.FwdToPCM()
	}
	return nil
}

func (s *FileSource) initMP3() error {
	d, err := mp3.NewDecoder(s.f)
	if err != nil {
		return err
	}

	// go-mp3 always decodes to 16-bit little endian stereo.
	const channels = 2
	s.format = Format{SampleRate: d.SampleRate(), Channels: channels}

	var raw []byte
	s.next = func(block [][]float64) (int, error) {
		frames := blockLen(block)
		if cap(raw) < frames*channels*2 {
			raw = make([]byte, frames*channels*2)
		}
		raw = raw[:frames*channels*2]

		n, err := io.ReadFull(d, raw)
		got := n / (channels * 2)
		if got == 0 {
			if err == nil || err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return 0, err
		}
		for i := 0; i < got; i++ {
			for ch := 0; ch < channels && ch < len(block); ch++ {
				v := int16(binary.LittleEndian.Uint16(raw[(i*channels+ch)*2:]))
				block[ch][i] = float64(v) / 32768
			}
		}
		return got, nil
	}
	s.rewind = func() error {
		_, err := d.Seek(0, io.SeekStart)
		return err
	}
	return nil
}

func (s *FileSource) Format() Format {
	return s.format
}

// Read fills block from the file, wrapping to the start at end of file.
func (s *FileSource) Read(block [][]float64) (int, error) {
	n, err := s.next(block)
	if err == io.EOF {
		if err := s.rewind(); err != nil {
			return 0, err
		}
		n, err = s.next(block)
	}
	if err != nil && n == 0 {
		return 0, err
	}
	s.pace.wait(n)
	return n, nil
}

func (s *FileSource) Close() error {
	return s.f.Close()
}
