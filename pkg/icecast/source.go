package icecast

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Source is an open source connection to a streaming server: the handshake
// has been sent and audio may be written as the raw body.
type Source struct {
	conn net.Conn

	verdict chan error
	done    chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// DialSource connects to t and sends the handshake for its protocol.
func DialSource(ctx context.Context, t Target, opts HandshakeOptions, timeout time.Duration) (*Source, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", t.Address())
	}

	if _, err := conn.Write(Handshake(t, opts)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to send handshake")
	}

	s := &Source{
		conn:    conn,
		verdict: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go s.read()
	return s, nil
}

// read classifies the server's first response and then drains the
// connection until it closes.
func (s *Source) read() {
	defer close(s.done)

	buf := make([]byte, 4096)
	n, err := s.conn.Read(buf)
	switch {
	case n > 0:
		s.verdict <- ClassifyResponse(buf[:n])
	case err != nil:
		s.verdict <- errors.Wrap(err, "no response from server")
	}
	close(s.verdict)

	for err == nil {
		_, err = s.conn.Read(buf)
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Verdict delivers the outcome of the server's first response: nil when it
// carries no rejection, ErrAuthFailed, or the read error. It is closed
// afterwards.
func (s *Source) Verdict() <-chan error { return s.verdict }

// Done is closed when the server side of the connection ends.
func (s *Source) Done() <-chan struct{} { return s.done }

// Err is the error that ended the read side, io.EOF for an orderly close.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Source) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// SetWriteDeadline bounds the next writes.
func (s *Source) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		<-s.done
	})
	return err
}
