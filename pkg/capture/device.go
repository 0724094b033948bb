package capture

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
)

// Device is an input device as presented to the operator.
type Device struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Channels int    `json:"channels"`
}

// ListDevices returns the input-capable devices known to PortAudio.
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(ErrDeviceAccess, err.Error())
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, errors.Wrap(ErrDeviceAccess, err.Error())
	}

	var out []Device
	for _, d := range infos {
		if d.MaxInputChannels <= 0 {
			continue
		}
		label := d.Name
		if d.HostApi != nil {
			label = fmt.Sprintf("%s (%s)", d.Name, d.HostApi.Name)
		}
		out = append(out, Device{ID: d.Name, Label: label, Channels: d.MaxInputChannels})
	}
	return out, nil
}

// DeviceSource captures from a PortAudio input device using the blocking
// read API.
type DeviceSource struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    [][]float32
	format Format
	closed bool
}

// OpenDeviceSource opens the named input device, or the default one when id
// is empty or "default". Mono devices are reported as mono; the graph fans
// them out to every output channel.
func OpenDeviceSource(id string, opts Options) (*DeviceSource, error) {
	opts = opts.withDefaults()

	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(ErrDeviceAccess, err.Error())
	}

	dev, err := findDevice(id)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	channels := opts.Channels
	if dev.MaxInputChannels < channels {
		channels = dev.MaxInputChannels
	}
	if channels <= 0 {
		portaudio.Terminate()
		return nil, errors.Wrapf(ErrDeviceAccess, "device %q has no input channels", dev.Name)
	}

	buf := make([][]float32, channels)
	for i := range buf {
		buf[i] = make([]float32, opts.BlockFrames)
	}

	p := portaudio.LowLatencyParameters(dev, nil)
	p.Input.Channels = channels
	p.SampleRate = float64(opts.SampleRate)
	p.FramesPerBuffer = opts.BlockFrames

	stream, err := portaudio.OpenStream(p, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, errors.Wrapf(ErrDeviceAccess, "open %q: %v", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		portaudio.Terminate()
		return nil, errors.Wrapf(ErrDeviceAccess, "start %q: %v", dev.Name, err)
	}

	return &DeviceSource{
		stream: stream,
		buf:    buf,
		format: Format{SampleRate: opts.SampleRate, Channels: channels},
	}, nil
}

func findDevice(id string) (*portaudio.DeviceInfo, error) {
	if id == "" || id == "default" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, errors.Wrap(ErrDeviceAccess, err.Error())
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, errors.Wrap(ErrDeviceAccess, err.Error())
	}
	for _, d := range devices {
		if d.Name == id && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, errors.Wrapf(ErrDeviceAccess, "no input device named %q", id)
}

func (s *DeviceSource) Format() Format {
	return s.format
}

func (s *DeviceSource) Read(block [][]float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrDisposed
	}

	// An input overflow only means samples were dropped by the host; the
	// buffer still holds the latest block.
	if err := s.stream.Read(); err != nil && err != portaudio.InputOverflowed {
		return 0, err
	}

	frames := len(s.buf[0])
	if n := blockLen(block); n < frames {
		frames = n
	}
	for ch := range s.buf {
		if ch >= len(block) {
			break
		}
		for i := 0; i < frames; i++ {
			block[ch][i] = float64(s.buf[ch][i])
		}
	}
	return frames, nil
}

// Close stops the stream. It waits for an in-flight Read to return.
func (s *DeviceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close device: %v", errs)
	}
	return nil
}
