package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aiprojek/gemaweb-cast/pkg/encoder"
	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
	"github.com/aiprojek/gemaweb-cast/pkg/transport"
)

// Encoders is the encoder pipeline a session drives.
type Encoders interface {
	StartRecording(ctx context.Context, codec encoder.Codec, kbps int) (encoder.Resolution, error)
	StopRecording() (*encoder.Recording, error)
	StartStreaming(ctx context.Context, codec encoder.Codec, kbps int, sink encoder.ChunkSink, onError func(error)) (encoder.Resolution, error)
	StopStreaming() error
}

// DialFunc builds an unconnected transport.
type DialFunc func(cfg transport.Config, target icecast.Target, logger *slog.Logger) (transport.Transport, error)

// Status is a snapshot of a session.
type Status struct {
	State         State               `json:"state"`
	Mode          transport.Mode      `json:"mode,omitempty"`
	Profile       string              `json:"profile,omitempty"`
	Stream        *encoder.Resolution `json:"stream,omitempty"`
	StreamSeconds int64               `json:"stream_seconds"`
	Recording     bool                `json:"recording"`
	Record        *encoder.Resolution `json:"record,omitempty"`
	RecordSeconds int64               `json:"record_seconds"`
	LastError     string              `json:"last_error,omitempty"`
	Hint          string              `json:"hint,omitempty"`
}

// SavedRecording describes a recording written by StopRecording.
type SavedRecording struct {
	Name       string             `json:"name"`
	Path       string             `json:"path"`
	Bytes      int                `json:"bytes"`
	Seconds    int64              `json:"seconds"`
	Resolution encoder.Resolution `json:"resolution"`
}

// Machine coordinates the transport, the encoder pipeline and recording for
// one operator. Connect and Disconnect are serialized with each other;
// recording runs independently of the connection.
type Machine struct {
	logger *slog.Logger
	log    *LogBook
	enc    Encoders
	saver  Saver

	dial        DialFunc
	now         func() time.Time
	updateTitle func(ctx context.Context, cfg Config, target icecast.Target, title string) error
	probe       func(ctx context.Context, url string, window time.Duration) (icecast.ProbeResult, error)

	cfgMu sync.RWMutex
	cfg   Config

	opMu  sync.Mutex
	recMu sync.Mutex

	mu            sync.Mutex
	state         State
	transport     transport.Transport
	mode          transport.Mode
	profile       Profile
	streamRes     *encoder.Resolution
	streamClock   *Stopwatch
	cancelSession context.CancelFunc
	recording     bool
	recordRes     *encoder.Resolution
	recordStarted time.Time
	recordClock   *Stopwatch
	lastErr       string
	hint          string
}

// Option customises a Machine.
type Option func(*Machine)

// WithDialer replaces the transport constructor.
func WithDialer(d DialFunc) Option {
	return func(m *Machine) { m.dial = d }
}

func New(cfg Config, logger *slog.Logger, enc Encoders, saver Saver, opts ...Option) *Machine {
	logger = logger.With("module", "session")
	m := &Machine{
		logger: logger,
		log:    NewLogBook(logger),
		enc:    enc,
		saver:  saver,
		dial:   transport.New,
		now:    time.Now,
		cfg:    cfg,
	}
	m.updateTitle = func(ctx context.Context, cfg Config, target icecast.Target, title string) error {
		return transport.UpdateMetadata(ctx, http.DefaultClient, cfg.Transport.RelayURL, target, title)
	}
	m.probe = func(ctx context.Context, url string, window time.Duration) (icecast.ProbeResult, error) {
		return icecast.Probe(ctx, logger, url, window)
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine) LogBook() *LogBook { return m.log }

func (m *Machine) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetConfig replaces the configuration. An active connection keeps the
// profile and stream settings it was opened with.
func (m *Machine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
	return nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:         m.state,
		StreamSeconds: m.streamClock.Seconds(),
		Recording:     m.recording,
		RecordSeconds: m.recordClock.Seconds(),
		LastError:     m.lastErr,
		Hint:          m.hint,
		Stream:        m.streamRes,
		Record:        m.recordRes,
	}
	if m.transport != nil {
		s.Mode = m.mode
		s.Profile = m.profile.Name
	}
	return s
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	if s != Error {
		m.lastErr, m.hint = "", ""
	}
	m.mu.Unlock()
}

// fail records a failed connect attempt or a lost session.
func (m *Machine) fail(prefix string, mode transport.Mode, err error) {
	hint := Hint(mode, err)

	m.mu.Lock()
	m.state = Error
	m.lastErr = err.Error()
	m.hint = hint
	m.mu.Unlock()

	m.log.Error(fmt.Sprintf("%s: %v", prefix, err))
	if hint != "" {
		m.log.Warn(hint)
	}
}

// Connect opens the transport for the active profile and starts the
// streaming encoder feeding it.
func (m *Machine) Connect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.connect(ctx)
}

func (m *Machine) connect(ctx context.Context) error {
	switch m.State() {
	case Connecting, Connected:
		return ErrAlreadyConnected
	}

	cfg := m.Config()
	mode := cfg.Transport.Mode

	profile, err := cfg.Active()
	if err != nil {
		m.fail("Connection failed", mode, err)
		return err
	}

	m.setState(Connecting)
	m.log.Info(fmt.Sprintf("Initializing connection via %s...", mode))

	t, err := m.dial(cfg.Transport, profile.Target, m.logger)
	if err != nil {
		m.fail("Connection failed", mode, err)
		return err
	}

	if err := t.Connect(ctx); err != nil {
		_ = t.Disconnect()
		m.fail("Connection failed", mode, err)
		return err
	}
	m.log.Info("Connected to streaming node.")

	sessionCtx, cancel := context.WithCancel(context.Background())
	onError := func(err error) { m.transportFailed(t, err) }
	res, err := m.enc.StartStreaming(ctx, cfg.Stream.Codec, cfg.Stream.Bitrate, t.Send, onError)
	if err != nil {
		cancel()
		_ = t.Disconnect()
		m.fail("Connection failed", mode, err)
		return err
	}

	m.mu.Lock()
	m.state = Connected
	m.lastErr, m.hint = "", ""
	m.transport = t
	m.mode = mode
	m.profile = profile
	m.streamRes = &res
	m.streamClock = StartStopwatch()
	m.cancelSession = cancel
	m.mu.Unlock()

	if res.Fallback() {
		m.log.Warn(fmt.Sprintf("Codec fallback: %s is not available, streaming as %s", res.Requested, res.Resolved))
	}
	m.log.Success(fmt.Sprintf("Streaming started: %s [%s] @ %dkbps", cfg.Stream.Codec, res.Resolved, cfg.Stream.Bitrate))

	go m.watch(t)

	if title := cfg.StreamBehavior.LiveTitle; title != "" {
		m.log.Info(fmt.Sprintf("Live title: %q", title))
		go m.announceTitle(sessionCtx, cfg, profile, title)
	}
	if cfg.StreamBehavior.Verify {
		go m.verify(sessionCtx, profile, cfg.StreamBehavior.VerifyWindow)
	}

	if cfg.RecordBehavior.StartOnConnect {
		m.autoStartRecording(ctx, "Auto-start record triggered by connection.")
	}
	return nil
}

// Disconnect ends the streaming session. It is safe to call at any time;
// from Error it clears back to Idle.
func (m *Machine) Disconnect() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()

	if t == nil {
		if m.State() == Error {
			m.setState(Idle)
		}
		return nil
	}

	err := m.teardown()
	m.setState(Idle)
	m.log.Warn("Disconnected from server")
	m.afterDisconnect()
	return err
}

// teardown stops the streaming encoder, closes the transport and cancels
// the session timers. The caller holds opMu.
func (m *Machine) teardown() error {
	m.mu.Lock()
	t := m.transport
	cancel := m.cancelSession
	clock := m.streamClock
	m.transport = nil
	m.cancelSession = nil
	m.streamRes = nil
	m.streamClock = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	clock.Stop()

	var errs []error
	if err := m.enc.StopStreaming(); err != nil {
		errs = append(errs, err)
	}
	if t != nil {
		if err := t.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Wrap(joinErrors(errs), "teardown")
}

func (m *Machine) afterDisconnect() {
	if m.Config().RecordBehavior.StopOnDisconnect && m.Recording() {
		m.log.Info("Auto-stop record triggered by disconnection.")
		if _, err := m.StopRecording(); err != nil {
			m.logger.Error("auto-stop recording", "err", err)
		}
	}
}

// watch waits for the transport to end and handles a remote close.
func (m *Machine) watch(t transport.Transport) {
	<-t.Done()
	if err := t.Err(); err != nil {
		m.transportFailed(t, err)
	}
}

// transportFailed ends the session after the path broke. A rejection or an
// upstream failure leaves the session in Error; any other write failure
// forces a plain disconnect.
func (m *Machine) transportFailed(t transport.Transport, err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	current := m.transport
	mode := m.mode
	m.mu.Unlock()
	if current != t {
		return
	}

	reason := err
	select {
	case <-t.Done():
		if terr := t.Err(); terr != nil {
			reason = terr
		}
	default:
	}

	if terr := m.teardown(); terr != nil {
		m.logger.Debug("teardown after failure", "err", terr)
	}

	if errors.Is(reason, transport.ErrAuthRejected) || errors.Is(reason, transport.ErrUpstream) {
		m.fail("Connection lost", mode, reason)
	} else {
		m.log.Error(fmt.Sprintf("Stream write failed: %v", reason))
		m.setState(Idle)
		m.log.Warn("Disconnected from server")
	}
	m.afterDisconnect()
}

// StartRecording starts the recording encoder. A second recording while one
// is active is rejected with ErrAlreadyRecording.
func (m *Machine) StartRecording(ctx context.Context) error {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	return m.startRecording(ctx)
}

func (m *Machine) startRecording(ctx context.Context) error {
	if m.Recording() {
		m.log.Warn("Recording already in progress.")
		return ErrAlreadyRecording
	}

	cfg := m.Config()
	res, err := m.enc.StartRecording(ctx, cfg.Recording.Codec, cfg.Recording.Bitrate)
	if err != nil {
		m.log.Error(fmt.Sprintf("Failed to start recording: %v", err))
		if hint := Hint("", err); hint != "" {
			m.log.Warn(hint)
		}
		return err
	}

	m.mu.Lock()
	m.recording = true
	m.recordRes = &res
	m.recordStarted = m.now()
	m.recordClock = StartStopwatch()
	m.mu.Unlock()

	if res.Fallback() {
		m.log.Warn(fmt.Sprintf("Codec fallback: %s is not available, recording as %s", res.Requested, res.Resolved))
	}
	m.log.Info(fmt.Sprintf("Recording started (%s [%s] @ %dkbps)", cfg.Recording.Codec, res.Resolved, cfg.Recording.Bitrate))
	return nil
}

// autoStartRecording starts a recording on behalf of an automation rule. It
// never waits behind, or interferes with, an operator recording action.
func (m *Machine) autoStartRecording(ctx context.Context, msg string) {
	if !m.recMu.TryLock() {
		return
	}
	defer m.recMu.Unlock()

	if m.Recording() {
		return
	}
	m.log.Info(msg)
	_ = m.startRecording(ctx)
}

// StopRecording stops the recording encoder and saves what it produced.
// It returns nil when nothing is being recorded.
func (m *Machine) StopRecording() (*SavedRecording, error) {
	m.recMu.Lock()
	defer m.recMu.Unlock()

	if !m.Recording() {
		return nil, nil
	}

	m.log.Info("Stopping recording...")
	rec, err := m.enc.StopRecording()

	m.mu.Lock()
	started := m.recordStarted
	clock := m.recordClock
	m.recording = false
	m.recordRes = nil
	m.recordClock = nil
	m.mu.Unlock()
	clock.Stop()

	if rec == nil {
		if err == nil {
			err = ErrNotRecording
		}
		m.log.Error(fmt.Sprintf("Error stopping recording: %v", err))
		return nil, err
	}
	if err != nil {
		m.logger.Warn("recording encoder reported an error", "err", err)
	}

	cfg := m.Config()
	name := FileName(cfg.RecordBehavior.FileNamePattern, started, encoder.Extension(rec.Resolution.Resolved))
	path, err := m.saver.Save(name, rec.Data)
	if err != nil {
		m.log.Error(fmt.Sprintf("Error saving recording: %v", err))
		return nil, err
	}

	m.log.Success("Recording saved: " + name)
	return &SavedRecording{
		Name:       name,
		Path:       path,
		Bytes:      len(rec.Data),
		Seconds:    clock.Seconds(),
		Resolution: rec.Resolution,
	}, nil
}

// UpdateTitle pushes a new title to the server. Only the managed relay can
// reach the admin endpoint; other modes log a warning and do nothing.
func (m *Machine) UpdateTitle(ctx context.Context, title string) error {
	cfg := m.Config()
	if cfg.Transport.Mode != transport.ModeRelay {
		m.log.Warn("Metadata update is only supported in relay mode.")
		return nil
	}

	profile, err := cfg.Active()
	if err != nil {
		return err
	}

	m.log.Info(fmt.Sprintf("Updating title to %q...", title))
	if err := m.updateTitle(ctx, cfg, profile.Target, title); err != nil {
		m.log.Error(fmt.Sprintf("Failed to update metadata: %v", err))
		return err
	}
	m.log.Success(fmt.Sprintf("Metadata updated: %q", title))
	return nil
}

func (m *Machine) announceTitle(ctx context.Context, cfg Config, profile Profile, title string) {
	if cfg.Transport.Mode != transport.ModeRelay {
		return
	}
	if d := cfg.StreamBehavior.TitleUpdateDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}
	if err := m.updateTitle(ctx, cfg, profile.Target, title); err != nil {
		if ctx.Err() == nil {
			m.log.Warn(fmt.Sprintf("Failed to update metadata: %v", err))
		}
		return
	}
	m.log.Success(fmt.Sprintf("Metadata updated: %q", title))
}

func listenURL(t icecast.Target) string {
	return "http://" + t.Address() + t.MountPath()
}

func (m *Machine) verify(ctx context.Context, profile Profile, window time.Duration) {
	res, err := m.probe(ctx, listenURL(profile.Target), window)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Warn(fmt.Sprintf("Stream verification failed: %v", err))
		return
	}
	if res.Bytes == 0 {
		m.log.Warn("Stream verification: mount is reachable but no audio arrived.")
		return
	}
	msg := "Stream verified: " + strconv.FormatInt(res.Bytes, 10) + " bytes received"
	if res.Title != "" {
		msg += fmt.Sprintf(", now playing %q", res.Title)
	}
	m.log.Success(msg)
}

// RunLaunchAutomation applies the launch rules once, after the configured
// settle delay: connect if auto-connect is set, then independently start a
// recording if start-on-launch is set.
func (m *Machine) RunLaunchAutomation(ctx context.Context) {
	cfg := m.Config()
	if !cfg.StreamBehavior.AutoConnect && !cfg.RecordBehavior.StartOnLaunch {
		return
	}

	select {
	case <-time.After(cfg.LaunchDelay):
	case <-ctx.Done():
		return
	}

	if cfg.StreamBehavior.AutoConnect && m.opMu.TryLock() {
		if m.State() == Idle {
			m.log.Info("Auto-start enabled: initiating connection...")
			_ = m.connect(ctx)
		}
		m.opMu.Unlock()
	}

	if cfg.RecordBehavior.StartOnLaunch {
		m.autoStartRecording(ctx, "Auto-record enabled: starting recording...")
	}
}

// Close disconnects and saves any recording in progress.
func (m *Machine) Close() error {
	var errs []error
	if err := m.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	if _, err := m.StopRecording(); err != nil {
		errs = append(errs, err)
	}
	return joinErrors(errs)
}
