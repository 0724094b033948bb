package transport

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
)

// Close codes a relay uses to explain why it ended the channel.
const (
	CloseAuthFailed    = websocket.ClosePolicyViolation
	CloseUpstreamError = websocket.CloseInternalServerErr
)

// channelURL appends the target as establishment parameters. For a proxy the
// endpoint is used verbatim when it already names a host.
func channelURL(endpoint string, target icecast.Target, always bool) (string, error) {
	if endpoint == "" {
		return "", errors.New("no channel endpoint configured")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "invalid channel endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := u.Query()
	if always || q.Get("host") == "" {
		for k, v := range target.Params() {
			q[k] = v
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// channel is the duplex channel used by both Relay and Proxy mode. The
// handshake with the streaming server is performed by the far end.
type channel struct {
	mode     Mode
	endpoint string
	cfg      Config
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	done  chan struct{}
	errMu sync.Mutex
	err   error
	local bool

	disconnectOnce sync.Once
}

func newChannel(mode Mode, endpoint string, cfg Config, logger *slog.Logger) *channel {
	return &channel{
		mode:     mode,
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (c *channel) Mode() Mode { return c.mode }

func (c *channel) Connect(ctx context.Context) error {
	c.errMu.Lock()
	local := c.local
	c.errMu.Unlock()
	if local {
		return ErrClosed
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}

	conn, resp, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		ce := &ConnectError{Mode: c.mode, Endpoint: redact(c.endpoint), Err: err}
		if resp != nil {
			ce.Status = resp.StatusCode
			resp.Body.Close()
		}
		return ce
	}

	c.mu.Lock()
	c.errMu.Lock()
	local = c.local
	c.errMu.Unlock()
	if local {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.read(conn)
	c.logger.Info("channel open", "endpoint", redact(c.endpoint))
	return nil
}

// read consumes control frames so close reasons from the far end are seen.
func (c *channel) read(conn *websocket.Conn) {
	defer close(c.done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			c.setErr(classifyClose(err))
			return
		}
	}
}

func classifyClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseAuthFailed:
			return errors.Wrap(ErrAuthRejected, ce.Text)
		case CloseUpstreamError:
			return errors.Wrap(ErrUpstream, ce.Text)
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return errors.Wrap(ErrClosed, "closed by peer")
		}
	}
	return errors.Wrap(ErrUpstream, err.Error())
}

func (c *channel) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.local || c.err != nil {
		return
	}
	c.err = err
}

func (c *channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *channel) Done() <-chan struct{} { return c.done }

func (c *channel) Send(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrClosed
	}
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return errors.Wrap(ErrWrite, err.Error())
		}
		return ErrClosed
	default:
	}

	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return errors.Wrap(ErrWrite, err.Error())
	}
	return nil
}

func (c *channel) Disconnect() error {
	c.disconnectOnce.Do(func() {
		c.errMu.Lock()
		c.local = true
		c.errMu.Unlock()

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn == nil {
			close(c.done)
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		<-c.done
		c.logger.Info("channel closed")
	})
	return nil
}

// redact hides the password carried in the establishment parameters.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Has("pass") {
		q.Set("pass", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
