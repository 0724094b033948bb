package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
)

var module = "relay"

// Close reasons sent to the browser side of a channel.
const (
	reasonAuthFailed    = "Authentication Failed"
	reasonUpstreamError = "Upstream Error"
	reasonUpstreamLost  = "Upstream Connection Error"
)

// Relay accepts audio channels from broadcasters and forwards each one to
// the streaming server named in its establishment parameters. It also
// performs title updates against the server's admin interface.
type Relay struct {
	services.Service
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics
	tracer  trace.Tracer

	upgrader websocket.Upgrader
	client   *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	sessions map[string]*websocket.Conn
	wg       sync.WaitGroup
}

// New creates and returns a new Relay.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Relay, error) {
	if cfg.StreamPath == "" || cfg.MetadataPath == "" {
		return nil, errors.New("relay paths must be set")
	}
	if cfg.StreamPath == cfg.MetadataPath {
		return nil, errors.Errorf("stream and metadata paths are both %q", cfg.StreamPath)
	}

	r := &Relay{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		metrics:  newMetrics(reg),
		tracer:   otel.Tracer(module),
		client:   &http.Client{Timeout: cfg.MetadataTimeout},
		sessions: make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			// Broadcast consoles are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.Service = services.NewBasicService(nil, r.running, r.stopping)

	return r, nil
}

// Handler serves the channel and metadata endpoints at their configured
// paths.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get(r.cfg.StreamPath, r.ServeStream)
	router.Get(r.cfg.MetadataPath, r.ServeMetadata)
	return router
}

// Paths lists the HTTP paths served by Handler.
func (r *Relay) Paths() []string {
	return []string{r.cfg.StreamPath, r.cfg.MetadataPath}
}

func (r *Relay) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *Relay) stopping(_ error) error {
	r.logger.Info("stopping")

	r.mu.Lock()
	r.stopped = true
	for id, conn := range r.sessions {
		r.logger.Debug("closing channel", "session", id)
		closeChannel(conn, websocket.CloseGoingAway, "Relay shutting down")
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Relay) track(id string, conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.sessions[id] = conn
	r.wg.Add(1)
	return true
}

func (r *Relay) untrack(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.wg.Done()
}

// ServeStream upgrades the request to a channel and relays its binary
// messages to the streaming server as the source body.
func (r *Relay) ServeStream(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		http.Error(w, "Expected Upgrade: websocket", http.StatusUpgradeRequired)
		return
	}

	target, err := icecast.TargetFromQuery(req.URL.Query(), icecast.DefaultSourceUser)
	if err != nil {
		if errors.Is(err, icecast.ErrMissingHost) {
			http.Error(w, "Missing host or port", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("channel upgrade failed", "err", err)
		return
	}

	id := uuid.NewString()
	if !r.track(id, conn) {
		closeChannel(conn, websocket.CloseGoingAway, "Relay shutting down")
		return
	}
	defer r.untrack(id)

	r.metrics.sessionsTotal.Inc()
	r.metrics.sessionsActive.Inc()
	defer r.metrics.sessionsActive.Dec()

	r.relay(id, conn, target)
}

func (r *Relay) relay(id string, conn *websocket.Conn, target icecast.Target) {
	logger := r.logger.With("session", id, "server", target.Address(), "mount", target.MountPath(), "type", target.Protocol)

	ctx, span := r.tracer.Start(r.ctx, "Relay.session", trace.WithAttributes(
		attribute.String("server", target.Address()),
		attribute.String("mount", target.MountPath()),
		attribute.String("type", string(target.Protocol)),
	))

	reason, err := r.pump(ctx, logger, conn, target)
	r.metrics.sessionEnds.WithLabelValues(reason).Inc()
	_ = tracing.ErrHandler(span, err, "relay session failed", logger)
	logger.Info("session ended", "reason", reason)
}

// pump runs one relayed session and reports why it ended.
func (r *Relay) pump(ctx context.Context, logger *slog.Logger, conn *websocket.Conn, target icecast.Target) (string, error) {
	logger.Info("connecting upstream")

	src, err := icecast.DialSource(ctx, target, r.cfg.Handshake, r.cfg.DialTimeout)
	if err != nil {
		closeChannel(conn, websocket.CloseInternalServerErr, reasonUpstreamError)
		return "dial", err
	}
	defer src.Close()

	var writeErr error
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			_ = src.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if _, err := src.Write(data); err != nil {
				writeErr = errors.Wrap(err, "upstream write failed")
				return
			}
			r.metrics.bytesRelayed.Add(float64(len(data)))
		}
	}()
	defer func() {
		_ = conn.Close()
		<-forwarded
	}()

	verdict := src.Verdict()
	for {
		select {
		case <-forwarded:
			if writeErr != nil {
				closeChannel(conn, websocket.CloseInternalServerErr, reasonUpstreamLost)
				return "write", writeErr
			}
			return "client", nil

		case v, ok := <-verdict:
			if !ok {
				verdict = nil
				continue
			}
			if reason, err := r.rejected(conn, v); err != nil {
				return reason, err
			}
			logger.Debug("upstream accepted source")

		case <-src.Done():
			// The verdict is always settled before the connection ends.
			if verdict != nil {
				if v, ok := <-verdict; ok {
					if reason, err := r.rejected(conn, v); err != nil {
						return reason, err
					}
				}
			}
			closeChannel(conn, websocket.CloseInternalServerErr, reasonUpstreamLost)
			return "upstream", errors.Wrap(src.Err(), "upstream closed")
		}
	}
}

// rejected closes the channel when v reports a failed handshake.
func (r *Relay) rejected(conn *websocket.Conn, v error) (string, error) {
	switch {
	case v == nil:
		return "", nil
	case errors.Is(v, icecast.ErrAuthFailed):
		closeChannel(conn, websocket.ClosePolicyViolation, reasonAuthFailed)
		return "auth", v
	default:
		closeChannel(conn, websocket.CloseInternalServerErr, reasonUpstreamLost)
		return "upstream", v
	}
}

func closeChannel(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = conn.Close()
}
