package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/grafana/dskit/services"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiprojek/gemaweb-cast/pkg/capture"
	"github.com/aiprojek/gemaweb-cast/pkg/encoder"
	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
	"github.com/aiprojek/gemaweb-cast/pkg/session"
	"github.com/aiprojek/gemaweb-cast/pkg/transport"
)

var module = "broadcaster"

// ErrBusy is returned for changes that cannot be made while a broadcast or
// recording is running.
var ErrBusy = pkgerrors.New("stop the broadcast and recording first")

// Broadcaster owns the capture graph, the encoder pipeline and the session
// machine of one operator console.
type Broadcaster struct {
	services.Service
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics

	open         capture.Opener
	listDevices  func() ([]capture.Device, error)
	newTransport session.DialFunc

	pipeline *encoder.Pipeline
	machine  *session.Machine

	audioMu sync.Mutex
	audio   capture.Config

	graphMu sync.RWMutex
	graph   *capture.Graph
}

// New creates and returns a new Broadcaster encoding with ffmpeg and
// capturing from the configured input.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Broadcaster, error) {
	l := logger.With("module", module)
	return newBroadcaster(cfg, l, reg, encoder.NewFFmpeg(cfg.FFmpegPath, l), capture.OpenSource)
}

func newBroadcaster(cfg Config, logger *slog.Logger, reg prometheus.Registerer, rt encoder.Runtime, open capture.Opener) (*Broadcaster, error) {
	if err := cfg.Session.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid session config")
	}
	if err := cfg.Audio.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid audio config")
	}

	b := &Broadcaster{
		cfg:          &cfg,
		logger:       logger,
		open:         open,
		listDevices:  capture.ListDevices,
		newTransport: transport.New,
		audio:        cfg.Audio,
	}

	b.pipeline = encoder.NewPipeline(logger, rt, b.tap)
	b.metrics = newMetrics(reg, func() session.State { return b.machine.State() })

	saver := meteredSaver{Saver: session.DirSaver{Dir: cfg.Session.RecordBehavior.Directory}, m: b.metrics}
	b.machine = session.New(cfg.Session, logger, b.pipeline, saver, session.WithDialer(b.dial))

	b.Service = services.NewBasicService(b.starting, b.running, b.stopping)

	return b, nil
}

// Machine is the session machine driven by this console.
func (b *Broadcaster) Machine() *session.Machine { return b.machine }

func (b *Broadcaster) starting(_ context.Context) error {
	if err := b.initGraph(b.Audio()); err != nil {
		// The console stays usable; connecting reports the missing input.
		b.logger.Error("failed to initialize audio", "err", err)
		b.machine.LogBook().Error("Failed to initialize audio. Check permissions.")
	}
	return nil
}

func (b *Broadcaster) running(ctx context.Context) error {
	go b.machine.RunLaunchAutomation(ctx)
	<-ctx.Done()
	return nil
}

func (b *Broadcaster) stopping(_ error) error {
	b.logger.Info("stopping")

	var errs []error
	if err := b.machine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.pipeline.Close(); err != nil {
		errs = append(errs, err)
	}

	b.graphMu.Lock()
	g := b.graph
	b.graph = nil
	b.graphMu.Unlock()
	if g != nil {
		if err := g.Dispose(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (b *Broadcaster) dial(cfg transport.Config, target icecast.Target, logger *slog.Logger) (transport.Transport, error) {
	t, err := b.newTransport(cfg, target, logger)
	if err != nil {
		return nil, err
	}
	return &meteredTransport{Transport: t, m: b.metrics}, nil
}

func (b *Broadcaster) currentGraph() *capture.Graph {
	b.graphMu.RLock()
	defer b.graphMu.RUnlock()
	return b.graph
}

func (b *Broadcaster) tap() (encoder.Tap, error) {
	g := b.currentGraph()
	if g == nil {
		return nil, pkgerrors.Wrap(capture.ErrDeviceAccess, "audio input is not initialized")
	}
	return encoder.GraphTaps(g)()
}

// initGraph opens cfg's device and makes the new graph current, disposing
// the previous one.
func (b *Broadcaster) initGraph(cfg capture.Config) error {
	g, err := capture.Initialize(context.Background(), b.logger, cfg, b.cfg.Capture, b.open)
	if err != nil {
		return err
	}

	b.graphMu.Lock()
	old := b.graph
	b.graph = g
	b.graphMu.Unlock()

	if old != nil {
		if err := old.Dispose(); err != nil {
			b.logger.Warn("error disposing previous capture graph", "err", err)
		}
	}

	go b.watchGraph(g)
	return nil
}

// watchGraph ends the broadcast and drops the graph when the input of the
// current graph fails.
func (b *Broadcaster) watchGraph(g *capture.Graph) {
	<-g.Done()
	err := g.Err()
	if err == nil {
		return
	}

	b.graphMu.Lock()
	current := b.graph == g
	if current {
		b.graph = nil
	}
	b.graphMu.Unlock()
	if !current {
		return
	}
	if derr := g.Dispose(); derr != nil {
		b.logger.Warn("error disposing failed capture graph", "err", derr)
	}

	b.machine.LogBook().Error(fmt.Sprintf("Audio input lost: %v", err))
	if err := b.machine.Disconnect(); err != nil {
		b.logger.Warn("disconnect after input loss", "err", err)
	}
	if _, err := b.machine.StopRecording(); err != nil {
		b.logger.Warn("stop recording after input loss", "err", err)
	}
}

// Audio returns the audio configuration currently applied.
func (b *Broadcaster) Audio() capture.Config {
	b.audioMu.Lock()
	defer b.audioMu.Unlock()
	return b.audio
}

// Meter returns the live loudness estimate, zero without an input.
func (b *Broadcaster) Meter() capture.Levels {
	if g := b.currentGraph(); g != nil {
		return g.Meter()
	}
	return capture.Levels{}
}

// Devices lists the available input devices.
func (b *Broadcaster) Devices() ([]capture.Device, error) {
	return b.listDevices()
}

// applyAudio validates cfg and pushes it to the running graph.
func (b *Broadcaster) applyAudio(update func(capture.Config) (capture.Config, error)) (capture.Config, error) {
	b.audioMu.Lock()
	defer b.audioMu.Unlock()

	cfg, err := update(b.audio)
	if err != nil {
		return b.audio, err
	}
	if err := cfg.Validate(); err != nil {
		return b.audio, err
	}
	if g := b.currentGraph(); g != nil {
		g.SetConfig(cfg)
	}
	b.audio = cfg
	return cfg, nil
}

// SetGain changes the linear input gain.
func (b *Broadcaster) SetGain(gain float64) (capture.Config, error) {
	return b.applyAudio(func(c capture.Config) (capture.Config, error) {
		return c.WithGain(gain), nil
	})
}

// SetDSP replaces the compressor and/or equalizer settings. A named
// equalizer preset other than Manual overrides the submitted band gains.
func (b *Broadcaster) SetDSP(comp *capture.CompressorConfig, eq *capture.EqualizerConfig) (capture.Config, error) {
	return b.applyAudio(func(c capture.Config) (capture.Config, error) {
		if comp != nil {
			c = c.WithCompressor(*comp)
		}
		if eq != nil {
			next := *eq
			if next.Preset != "" {
				var err error
				if next, err = next.ApplyPreset(next.Preset); err != nil {
					return c, err
				}
			}
			c = c.WithEqualizer(next)
		}
		return c, nil
	})
}

// SwitchDevice re-opens the input on id and re-applies the current gain and
// processing settings. It is refused while broadcasting or recording.
func (b *Broadcaster) SwitchDevice(id string) error {
	switch b.machine.State() {
	case session.Connecting, session.Connected:
		return ErrBusy
	}
	if b.machine.Recording() {
		return ErrBusy
	}

	b.audioMu.Lock()
	defer b.audioMu.Unlock()

	cfg := b.audio.WithDevice(id)
	if err := b.initGraph(cfg); err != nil {
		b.machine.LogBook().Error("Error switching input device")
		return err
	}
	b.audio = cfg

	label := id
	if label == "" {
		label = "default"
	}
	b.machine.LogBook().Info("Input device changed to " + label)
	return nil
}
