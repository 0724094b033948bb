package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
)

// direct issues the PUT itself. Success is declared after a fixed settle
// delay unless the server has rejected the request by then; a server that
// stays silent is indistinguishable from one that accepted.
type direct struct {
	target icecast.Target
	opts   icecast.HandshakeOptions
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	src *icecast.Source

	done  chan struct{}
	errMu sync.Mutex
	err   error
	local bool

	disconnectOnce sync.Once
}

func newDirect(target icecast.Target, opts icecast.HandshakeOptions, cfg Config, logger *slog.Logger) *direct {
	// Direct is always an HTTP PUT, whatever the server flavour.
	target.Protocol = icecast.Icecast
	if target.User == "" {
		target.User = icecast.DefaultSourceUser
	}
	opts.Expect = false
	return &direct{
		target: target,
		opts:   opts,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (d *direct) Mode() Mode { return ModeDirect }

func (d *direct) endpoint() string {
	return "http://" + d.target.Address() + d.target.MountPath()
}

func (d *direct) Connect(ctx context.Context) error {
	src, err := icecast.DialSource(ctx, d.target, d.opts, d.cfg.DialTimeout)
	if err != nil {
		return &ConnectError{Mode: ModeDirect, Endpoint: d.endpoint(), Err: err}
	}

	settle := time.NewTimer(d.cfg.DirectSettle)
	defer settle.Stop()

	// The settle window always runs to its end. A rejection or a hang up
	// inside it fails the connect.
	verdict := src.Verdict()
	var hungUp <-chan struct{}
	for settled := false; !settled; {
		select {
		case err, ok := <-verdict:
			if !ok {
				verdict = nil
				hungUp = src.Done()
				continue
			}
			if err != nil {
				src.Close()
				if errors.Is(err, icecast.ErrAuthFailed) {
					err = errors.Wrap(ErrAuthRejected, err.Error())
				}
				return &ConnectError{Mode: ModeDirect, Endpoint: d.endpoint(), Err: err}
			}
		case <-hungUp:
			src.Close()
			return &ConnectError{Mode: ModeDirect, Endpoint: d.endpoint(), Err: errors.Wrap(ErrUpstream, "server closed the connection")}
		case <-settle.C:
			settled = true
		case <-ctx.Done():
			src.Close()
			return &ConnectError{Mode: ModeDirect, Endpoint: d.endpoint(), Err: ctx.Err()}
		}
	}

	d.mu.Lock()
	d.errMu.Lock()
	local := d.local
	d.errMu.Unlock()
	if local {
		d.mu.Unlock()
		src.Close()
		return ErrClosed
	}
	d.src = src
	d.mu.Unlock()

	go d.watch(src)
	d.logger.Info("direct PUT initialized", "endpoint", d.endpoint())
	return nil
}

// watch reports a late rejection or the server hanging up.
func (d *direct) watch(src *icecast.Source) {
	defer close(d.done)
	for err := range src.Verdict() {
		if errors.Is(err, icecast.ErrAuthFailed) {
			d.setErr(errors.Wrap(ErrAuthRejected, err.Error()))
			src.Close()
		}
	}
	<-src.Done()
	d.setErr(errors.Wrap(ErrUpstream, "server closed the connection"))
}

func (d *direct) setErr(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.local || d.err != nil {
		return
	}
	d.err = err
}

func (d *direct) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

func (d *direct) Done() <-chan struct{} { return d.done }

func (d *direct) Send(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.src == nil {
		return ErrClosed
	}
	if err := d.Err(); err != nil {
		return errors.Wrap(ErrWrite, err.Error())
	}

	if d.cfg.WriteTimeout > 0 {
		_ = d.src.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	}
	if _, err := d.src.Write(chunk); err != nil {
		return errors.Wrap(ErrWrite, err.Error())
	}
	return nil
}

func (d *direct) Disconnect() error {
	d.disconnectOnce.Do(func() {
		d.errMu.Lock()
		d.local = true
		d.errMu.Unlock()

		d.mu.Lock()
		src := d.src
		d.src = nil
		d.mu.Unlock()

		if src == nil {
			close(d.done)
			return
		}
		_ = src.Close()
		<-d.done
		d.logger.Info("direct PUT closed")
	})
	return nil
}
