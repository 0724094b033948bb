package transport

import (
	"bytes"
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(mode Mode) Config {
	return Config{
		Mode:         mode,
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
		DirectSettle: 50 * time.Millisecond,
		Direct: icecast.HandshakeOptions{
			UserAgent:   "GemaWebCast/1.0",
			IceName:     "GemaWeb Cast",
			ContentType: "audio/mpeg",
		},
	}
}

var target = icecast.Target{Host: "r1.example.com", Port: 8000, User: "source", Pass: "secret", Mount: "/live", Protocol: icecast.Icecast}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Direct")
	require.NoError(t, err)
	require.Equal(t, ModeDirect, m)

	_, err = ParseMode("carrier-pigeon")
	require.Error(t, err)
}

func TestChannelURL(t *testing.T) {
	got, err := channelURL("https://relay.example.com/stream", target, true)
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	require.Equal(t, "wss", u.Scheme)
	require.Equal(t, "/stream", u.Path)
	require.Equal(t, "r1.example.com", u.Query().Get("host"))
	require.Equal(t, "8000", u.Query().Get("port"))
	require.Equal(t, "secret", u.Query().Get("pass"))
	require.Equal(t, "Icecast", u.Query().Get("type"))

	// A proxy address that already names its target is left alone.
	verbatim := "ws://proxy.local:9000/?host=elsewhere&pass=x"
	got, err = channelURL(verbatim, target, false)
	require.NoError(t, err)
	require.Equal(t, verbatim, got)

	got, err = channelURL("ws://proxy.local:9000/stream", target, false)
	require.NoError(t, err)
	require.Contains(t, got, "host=r1.example.com")

	_, err = channelURL("", target, true)
	require.Error(t, err)
}

func TestRedact(t *testing.T) {
	got := redact("ws://relay/stream?host=h&pass=secret")
	require.NotContains(t, got, "secret")
	require.Contains(t, got, "host=h")
}

type wsServer struct {
	*httptest.Server

	mu       sync.Mutex
	received [][]byte
	query    url.Values
	closed   chan struct{}
}

// newWSServer accepts one channel. When closeCode is non-zero the server
// closes the channel with it after the first message.
func newWSServer(t *testing.T, closeCode int, reason string) *wsServer {
	s := &wsServer{closed: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer close(s.closed)
		defer conn.Close()

		s.mu.Lock()
		s.query = r.URL.Query()
		s.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			s.mu.Unlock()

			if closeCode != 0 {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(time.Second))
				return
			}
		}
	}))
	return s
}

func (s *wsServer) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.received...)
}

func TestRelay_sendInOrder(t *testing.T) {
	srv := newWSServer(t, 0, "")
	defer srv.Close()

	cfg := testConfig(ModeRelay)
	cfg.RelayURL = srv.URL + "/stream"
	tr, err := New(cfg, target, testLogger())
	require.NoError(t, err)
	require.Equal(t, ModeRelay, tr.Mode())

	require.NoError(t, tr.Connect(context.Background()))

	var expected [][]byte
	for i := 0; i < 10; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 100+i)
		expected = append(expected, chunk)
		require.NoError(t, tr.Send(chunk))
	}

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())

	select {
	case <-srv.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close")
	}
	require.Equal(t, expected, srv.messages())
	require.Equal(t, "r1.example.com", srv.query.Get("host"))
	require.Equal(t, "/live", srv.query.Get("mount"))

	<-tr.Done()
	require.NoError(t, tr.Err())
	require.ErrorIs(t, tr.Send([]byte("late")), ErrClosed)
}

func TestRelay_authRejected(t *testing.T) {
	srv := newWSServer(t, websocket.ClosePolicyViolation, "Authentication Failed")
	defer srv.Close()

	cfg := testConfig(ModeRelay)
	cfg.RelayURL = srv.URL
	tr, err := New(cfg, target, testLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Send([]byte("first")))

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not end")
	}
	require.ErrorIs(t, tr.Err(), ErrAuthRejected)
	require.ErrorIs(t, tr.Send([]byte("second")), ErrWrite)
	require.NoError(t, tr.Disconnect())
}

func TestRelay_upstreamError(t *testing.T) {
	srv := newWSServer(t, websocket.CloseInternalServerErr, "Upstream Connection Error")
	defer srv.Close()

	cfg := testConfig(ModeProxy)
	cfg.ProxyURL = srv.URL
	tr, err := New(cfg, target, testLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Send([]byte("first")))

	<-tr.Done()
	require.ErrorIs(t, tr.Err(), ErrUpstream)
	require.Contains(t, tr.Err().Error(), "Upstream Connection Error")
}

func TestRelay_connectError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testConfig(ModeRelay)
	cfg.RelayURL = srv.URL
	tr, err := New(cfg, target, testLogger())
	require.NoError(t, err)

	err = tr.Connect(context.Background())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, http.StatusNotFound, ce.Status)
	require.NotContains(t, ce.Error(), "secret")

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())
}

func TestChannel_disconnectWhilePeerWrites(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ICY 200 OK")); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(ModeProxy)
	cfg.ProxyURL = srv.URL

	for i := 0; i < 50; i++ {
		tr, err := New(cfg, target, testLogger())
		require.NoError(t, err)
		require.NoError(t, tr.Connect(context.Background()))
		require.NoError(t, tr.Disconnect())

		select {
		case <-tr.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("channel did not end")
		}
		require.NoError(t, tr.Err())
		require.ErrorIs(t, tr.Send([]byte("late")), ErrClosed)
	}
}

func TestChannel_disconnectDuringConnect(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cfg := testConfig(ModeProxy)
	cfg.ProxyURL = srv.URL
	tr, err := New(cfg, target, testLogger())
	require.NoError(t, err)

	connected := make(chan error, 1)
	go func() { connected <- tr.Connect(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Disconnect())
	close(release)

	select {
	case err := <-connected:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("connect never returned")
	}
	<-tr.Done()
}

// icecastServer accepts a single source, answers its handshake with reply
// and collects everything it was sent.
func icecastServer(t *testing.T, reply string) (icecast.Target, <-chan []byte) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var all bytes.Buffer
		buf := make([]byte, 1024)
		replied := false
		for {
			n, err := conn.Read(buf)
			all.Write(buf[:n])
			if !replied && bytes.Contains(all.Bytes(), []byte("\r\n\r\n")) {
				replied = true
				_, _ = io.WriteString(conn, reply)
			}
			if err != nil {
				break
			}
		}
		out <- all.Bytes()
	}()

	tgt := target
	tgt.Host = "127.0.0.1"
	tgt.Port = ln.Addr().(*net.TCPAddr).Port
	return tgt, out
}

func TestDirect_put(t *testing.T) {
	tgt, received := icecastServer(t, "HTTP/1.0 200 OK\r\n\r\n")
	tgt.Protocol = icecast.Shoutcast

	cfg := testConfig(ModeDirect)
	cfg.Direct.ContentType = "audio/ogg"
	tr, err := New(cfg, tgt, testLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Send([]byte("one")))
	require.NoError(t, tr.Send([]byte("two")))
	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())

	var raw string
	select {
	case b := <-received:
		raw = string(b)
	case <-time.After(2 * time.Second):
		t.Fatal("server saw nothing")
	}

	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(head, "PUT /live HTTP/1.1\r\n"))
	require.Contains(t, head, "Authorization: "+icecast.BasicAuth("source", "secret"))
	require.Contains(t, head, "Content-Type: audio/ogg")
	require.Contains(t, head, "Ice-Public: 0")
	require.NotContains(t, head, "Transfer-Encoding")
	require.Equal(t, "onetwo", body)
	require.NoError(t, tr.Err())
}

func TestDirect_defaultHeadersMatchRelay(t *testing.T) {
	tgt, received := icecastServer(t, "HTTP/1.0 200 OK\r\n\r\n")

	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))
	cfg.Mode = ModeDirect
	cfg.DirectSettle = 50 * time.Millisecond
	require.Equal(t, icecast.DefaultHandshakeOptions(), cfg.Direct)

	tr, err := New(cfg, tgt, testLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Disconnect())

	var raw string
	select {
	case b := <-received:
		raw = string(b)
	case <-time.After(2 * time.Second):
		t.Fatal("server saw nothing")
	}
	head, _, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok)
	require.Equal(t, string(icecast.Handshake(tgt, icecast.DefaultHandshakeOptions())), head+"\r\n\r\n")
	require.Contains(t, head, "Content-Type: audio/mpeg")
}

func TestDirect_settleWindowRunsOut(t *testing.T) {
	tgt, _ := icecastServer(t, "HTTP/1.0 200 OK\r\n\r\n")

	cfg := testConfig(ModeDirect)
	cfg.DirectSettle = 200 * time.Millisecond
	tr, err := New(cfg, tgt, testLogger())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, tr.Connect(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), cfg.DirectSettle)
	require.NoError(t, tr.Disconnect())
}

func TestDirect_hangUpInsideSettleWindow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 1024)
		_, _ = conn.Read(buf)
		_, _ = io.WriteString(conn, "HTTP/1.0 200 OK\r\n\r\n")
		conn.Close()
	}()

	tgt := target
	tgt.Host = "127.0.0.1"
	tgt.Port = ln.Addr().(*net.TCPAddr).Port

	cfg := testConfig(ModeDirect)
	cfg.DirectSettle = time.Second
	tr, err := New(cfg, tgt, testLogger())
	require.NoError(t, err)

	err = tr.Connect(context.Background())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, ErrUpstream)
	require.NoError(t, tr.Disconnect())
}

func TestDirect_rejected(t *testing.T) {
	tgt, _ := icecastServer(t, "HTTP/1.0 401 Unauthorized\r\n\r\n")

	tr, err := New(testConfig(ModeDirect), tgt, testLogger())
	require.NoError(t, err)

	err = tr.Connect(context.Background())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, ErrAuthRejected)
	require.NoError(t, tr.Disconnect())
}

func TestDirect_unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tgt := target
	tgt.Host = "127.0.0.1"
	tgt.Port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr, err := New(testConfig(ModeDirect), tgt, testLogger())
	require.NoError(t, err)

	var ce *ConnectError
	require.ErrorAs(t, tr.Connect(context.Background()), &ce)
	require.Equal(t, ModeDirect, ce.Mode)
}

func TestMetadataURL(t *testing.T) {
	got, err := MetadataURL("wss://relay.example.com/stream?host=x")
	require.NoError(t, err)
	require.Equal(t, "https://relay.example.com/metadata", got)

	got, err = MetadataURL("ws://localhost:8000/gemacast/stream")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000/gemacast/metadata", got)
}

func TestUpdateMetadata(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		if query.Get("title") == "reject" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"Server rejected update","details":"bad pass","status":401}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"message":"Metadata updated"}`)
	}))
	defer srv.Close()

	relay := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"

	require.NoError(t, UpdateMetadata(context.Background(), srv.Client(), relay, target, "Morning Show"))
	require.Equal(t, "Morning Show", query.Get("title"))
	require.Equal(t, "r1.example.com", query.Get("host"))

	err := UpdateMetadata(context.Background(), srv.Client(), relay, target, "reject")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Server rejected update")
	require.Contains(t, err.Error(), "bad pass")
}
