// Package transport delivers encoded chunks to a streaming server. The three
// strategies (managed relay, user hosted proxy and direct PUT) share one
// interface and are chosen once per session.
package transport

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/util"

	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
)

// Mode selects a transport strategy.
type Mode string

const (
	ModeRelay  Mode = "relay"
	ModeProxy  Mode = "proxy"
	ModeDirect Mode = "direct"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeRelay, ModeProxy, ModeDirect:
		return m, nil
	}
	return "", errors.Errorf("unknown transport mode %q", s)
}

// Transport is one open path to a streaming server.
type Transport interface {
	Mode() Mode
	// Connect establishes the path. Failures before any audio is sent are
	// returned as *ConnectError.
	Connect(ctx context.Context) error
	// Send writes one chunk. Chunks go out in call order.
	Send(chunk []byte) error
	// Disconnect closes the path. It is safe to call repeatedly.
	Disconnect() error
	// Done is closed when the path has ended, locally or remotely.
	Done() <-chan struct{}
	// Err reports why the remote side ended the path. It is nil after a
	// local Disconnect.
	Err() error
}

type Config struct {
	Mode         Mode          `yaml:"mode"`
	RelayURL     string        `yaml:"relay_url"`
	ProxyURL     string        `yaml:"proxy_url"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DirectSettle time.Duration `yaml:"direct_settle"`

	// Direct carries the headers a Direct PUT announces itself with.
	Direct icecast.HandshakeOptions `yaml:"direct"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Mode = ModeRelay
	f.Func(util.PrefixConfig(prefix, "mode"), "Transport mode: relay, proxy or direct.", func(s string) error {
		m, err := ParseMode(s)
		if err != nil {
			return err
		}
		c.Mode = m
		return nil
	})
	f.StringVar(&c.RelayURL, util.PrefixConfig(prefix, "relay-url"), "ws://localhost:8000/stream", "Managed relay duplex channel endpoint.")
	f.StringVar(&c.ProxyURL, util.PrefixConfig(prefix, "proxy-url"), "", "User hosted proxy duplex channel endpoint.")
	f.DurationVar(&c.DialTimeout, util.PrefixConfig(prefix, "dial-timeout"), 10*time.Second, "Timeout establishing the transport.")
	f.DurationVar(&c.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), 10*time.Second, "Timeout for a single chunk write.")
	f.DurationVar(&c.DirectSettle, util.PrefixConfig(prefix, "direct-settle"), time.Second, "Delay before a direct PUT is considered established.")

	// Direct announces what the relay announces.
	c.Direct = icecast.DefaultHandshakeOptions()
}

// New builds the transport for cfg.Mode towards target. Direct mode
// announces the same headers the relay would, from cfg.Direct.
func New(cfg Config, target icecast.Target, logger *slog.Logger) (Transport, error) {
	logger = logger.With("transport", string(cfg.Mode))

	switch cfg.Mode {
	case ModeRelay:
		endpoint, err := channelURL(cfg.RelayURL, target, true)
		if err != nil {
			return nil, err
		}
		return newChannel(ModeRelay, endpoint, cfg, logger), nil
	case ModeProxy:
		endpoint, err := channelURL(cfg.ProxyURL, target, false)
		if err != nil {
			return nil, err
		}
		return newChannel(ModeProxy, endpoint, cfg, logger), nil
	case ModeDirect:
		return newDirect(target, cfg.Direct, cfg, logger), nil
	}
	return nil, errors.Errorf("unknown transport mode %q", cfg.Mode)
}

var (
	// ErrAuthRejected means the streaming server refused the credentials.
	ErrAuthRejected = errors.New("authentication rejected by server")
	// ErrUpstream means the relay lost or could not reach the server.
	ErrUpstream = errors.New("upstream connection error")
	// ErrWrite means a chunk could not be delivered mid-session.
	ErrWrite = errors.New("write failed")
	// ErrClosed is returned by Send after the path has ended.
	ErrClosed = errors.New("transport closed")
)

// ConnectError is a failure to establish the transport before any audio
// was sent.
type ConnectError struct {
	Mode     Mode
	Endpoint string
	Status   int
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s connect to %s failed with status %d: %v", e.Mode, e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("%s connect to %s failed: %v", e.Mode, e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
