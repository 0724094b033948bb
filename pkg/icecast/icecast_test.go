package icecast

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func targetFor(t *testing.T, srv *httptest.Server) Target {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Target{Host: host, Port: p, User: "admin", Pass: "secret", Mount: "/live", Protocol: Icecast}
}

func TestHandshake_shoutcast(t *testing.T) {
	target := Target{Host: "r1.example.com", Port: 8000, Pass: "secret", Protocol: Shoutcast}

	opts := DefaultHandshakeOptions()
	require.Equal(t, "secret\r\n", string(Handshake(target, opts)))

	opts.LineEnding = LF
	require.Equal(t, "secret\n", string(Handshake(target, opts)))
}

func TestHandshake_icecast(t *testing.T) {
	target := Target{Host: "r1.example.com", Port: 8000, User: "source", Pass: "secret", Mount: "/live", Protocol: Icecast}
	raw := string(Handshake(target, DefaultHandshakeOptions()))

	require.True(t, strings.HasSuffix(raw, "\r\n\r\n"))
	lines := strings.Split(strings.TrimSuffix(raw, "\r\n\r\n"), "\r\n")
	require.Equal(t, "PUT /live HTTP/1.1", lines[0])

	headers := map[string]string{}
	for _, l := range lines[1:] {
		k, v, ok := strings.Cut(l, ": ")
		require.True(t, ok, l)
		headers[k] = v
	}

	auth := strings.TrimPrefix(headers["Authorization"], "Basic ")
	decoded, err := base64.StdEncoding.DecodeString(auth)
	require.NoError(t, err)
	require.Equal(t, "source:secret", string(decoded))

	require.Equal(t, "r1.example.com", headers["Host"])
	require.Equal(t, "audio/mpeg", headers["Content-Type"])
	require.Equal(t, "1", headers["Ice-Public"])
	require.Equal(t, "GemaWeb Live", headers["Ice-Name"])
	require.Equal(t, "butt/0.1.34", headers["User-Agent"])
	require.NotContains(t, headers, "Transfer-Encoding")
}

func TestHandshake_mountWithoutSlash(t *testing.T) {
	target := Target{Host: "h", Pass: "p", Mount: "radio", Protocol: Icecast}
	opts := HandshakeOptions{}
	raw := string(Handshake(target, opts))
	require.True(t, strings.HasPrefix(raw, "PUT /radio HTTP/1.1\r\n"))
	require.Contains(t, raw, "Ice-Public: 0\r\n")
	require.NotContains(t, raw, "Expect:")
}

func TestClassifyResponse(t *testing.T) {
	cases := []struct {
		resp   string
		reject bool
	}{
		{"HTTP/1.1 100 Continue\r\n\r\n", false},
		{"HTTP/1.1 200 OK\r\n\r\n", false},
		{"OK2\r\nicy-caps:11\r\n\r\n", false},
		{"HTTP/1.1 401 Unauthorized\r\n\r\n", true},
		{"HTTP/1.0 403 Forbidden\r\n\r\n", true},
		{"ICV\r\n", true},
		{"Invalid Password\r\n", true},
	}

	for _, tc := range cases {
		err := ClassifyResponse([]byte(tc.resp))
		if tc.reject {
			require.ErrorIs(t, err, ErrAuthFailed, tc.resp)
		} else {
			require.NoError(t, err, tc.resp)
		}
	}
}

func TestTargetFromQuery(t *testing.T) {
	target, err := TargetFromQuery(url.Values{"host": {"r1.example.com"}, "pass": {"secret"}}, DefaultSourceUser)
	require.NoError(t, err)
	require.Equal(t, Target{
		Host:     "r1.example.com",
		Port:     8000,
		User:     "source",
		Pass:     "secret",
		Mount:    "/stream",
		Protocol: Icecast,
	}, target)

	_, err = TargetFromQuery(url.Values{"pass": {"secret"}}, DefaultSourceUser)
	require.ErrorIs(t, err, ErrMissingHost)

	_, err = TargetFromQuery(url.Values{"host": {"h"}, "port": {"nope"}}, DefaultSourceUser)
	require.ErrorIs(t, err, ErrMissingHost)

	_, err = TargetFromQuery(url.Values{"host": {"h"}, "type": {"rtmp"}}, DefaultSourceUser)
	require.Error(t, err)

	in := Target{Host: "h", Port: 9000, User: "u", Pass: "p", Mount: "/m", Protocol: Shoutcast}
	out, err := TargetFromQuery(in.Params(), DefaultSourceUser)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMetadataRequest(t *testing.T) {
	ctx := context.Background()

	ice := Target{Host: "h", Port: 8000, User: "admin", Pass: "pw", Mount: "/live", Protocol: Icecast}
	req, err := MetadataRequest(ctx, ice, "Artist - Song")
	require.NoError(t, err)
	require.Equal(t, "/admin/metadata", req.URL.Path)
	require.Equal(t, "updinfo", req.URL.Query().Get("mode"))
	require.Equal(t, "/live", req.URL.Query().Get("mount"))
	require.Equal(t, "Artist - Song", req.URL.Query().Get("song"))
	require.Equal(t, BasicAuth("admin", "pw"), req.Header.Get("Authorization"))

	sc := Target{Host: "h", Port: 8000, User: "ignored", Pass: "pw", Protocol: Shoutcast}
	req, err = MetadataRequest(ctx, sc, "Live")
	require.NoError(t, err)
	require.Equal(t, "/admin.cgi", req.URL.Path)
	require.Equal(t, "pw", req.URL.Query().Get("pass"))
	require.Equal(t, "1", req.URL.Query().Get("sid"))
	require.Equal(t, BasicAuth("admin", "pw"), req.Header.Get("Authorization"))

	_, err = MetadataRequest(ctx, Target{Host: "h", Port: 1}, "x")
	require.ErrorIs(t, err, ErrMissingPass)
}

func TestUpdateMetadata(t *testing.T) {
	var got *http.Request
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	require.NoError(t, UpdateMetadata(context.Background(), ok.Client(), targetFor(t, ok), "Morning Show"))
	require.NotNil(t, got)
	require.Equal(t, "Morning Show", got.URL.Query().Get("song"))

	rejected := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer rejected.Close()

	err := UpdateMetadata(context.Background(), rejected.Client(), targetFor(t, rejected), "x")
	var re *RejectedError
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusUnauthorized, re.Status)
	require.Contains(t, re.Body, "bad credentials")

	target := targetFor(t, rejected)
	rejected.Close()
	err = UpdateMetadata(context.Background(), nil, target, "x")
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestParseMetadata(t *testing.T) {
	m := ParseMetadata([]byte("StreamTitle='Band - Song; Live';StreamUrl='http://x';\x00\x00\x00"))
	require.Equal(t, "Band - Song; Live", m.StreamTitle)
	require.Equal(t, "http://x", m.StreamURL)

	require.True(t, m.Equals(&Metadata{StreamTitle: "Band - Song; Live", StreamURL: "http://x"}))
	require.False(t, m.Equals(nil))
}

func icyServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.Header.Get("Icy-MetaData"))
		w.Header().Set("icy-name", "Test FM")
		w.Header().Set("icy-br", "128")
		w.Header().Set("icy-metaint", "4")

		var b bytes.Buffer
		b.WriteString("abcd")
		b.WriteByte(1)
		b.WriteString("StreamTitle='x';")
		b.WriteString("efgh")
		b.WriteByte(0)
		b.WriteString("ij")
		_, _ = w.Write(b.Bytes())
	}))
}

func TestListener_stripsMetadata(t *testing.T) {
	srv := icyServer(t)
	defer srv.Close()

	l, err := Listen(context.Background(), testLogger(), srv.URL)
	require.NoError(t, err)
	defer l.Close()

	var titles []string
	l.OnMetadata = func(m *Metadata) { titles = append(titles, m.StreamTitle) }

	audio, err := io.ReadAll(l)
	require.NoError(t, err)
	require.Equal(t, "abcdefghij", string(audio))
	require.Equal(t, []string{"x"}, titles)
	require.Equal(t, "Test FM", l.Name)
	require.Equal(t, 128, l.Bitrate)
}

func TestProbe(t *testing.T) {
	srv := icyServer(t)
	defer srv.Close()

	res, err := Probe(context.Background(), testLogger(), srv.URL, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Bytes)
	require.Equal(t, "x", res.Title)
	require.Equal(t, "Test FM", res.Name)
}

func TestResolvePlaylist(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/radio.pls", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/x-scpls")
		_, _ = io.WriteString(w, "[playlist]\nNumberOfEntries=1\nFile1="+srv.URL+"/live\n")
	})
	mux.HandleFunc("/radio.m3u", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\n#EXTINF:-1,Test\n"+srv.URL+"/live\n")
	})
	mux.HandleFunc("/empty.m3u", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\n")
	})

	ctx := context.Background()

	got, err := ResolvePlaylist(ctx, srv.Client(), srv.URL+"/radio.pls")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/live", got)

	got, err = ResolvePlaylist(ctx, srv.Client(), srv.URL+"/radio.m3u")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/live", got)

	_, err = ResolvePlaylist(ctx, srv.Client(), srv.URL+"/empty.m3u")
	require.Error(t, err)

	got, err = ResolvePlaylist(ctx, srv.Client(), srv.URL+"/live")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/live", got)
}

// fakeServer accepts one source connection, captures the handshake line and
// replies with reply. Everything the source sends is collected.
type fakeServer struct {
	ln       net.Listener
	received chan []byte
}

func newFakeServer(t *testing.T, reply string) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeServer{ln: ln, received: make(chan []byte, 1)}
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
			if !replied && bytes.Contains(all.Bytes(), []byte("\n")) {
				replied = true
				_, _ = io.WriteString(conn, reply)
			}
			if err != nil {
				break
			}
		}
		f.received <- all.Bytes()
	}()
	return f
}

func (f *fakeServer) target(proto Protocol) Target {
	addr := f.ln.Addr().(*net.TCPAddr)
	return Target{Host: "127.0.0.1", Port: addr.Port, User: "source", Pass: "secret", Mount: "/live", Protocol: proto}
}

func TestDialSource_accepted(t *testing.T) {
	srv := newFakeServer(t, "OK2\r\n")
	defer srv.ln.Close()

	src, err := DialSource(context.Background(), srv.target(Shoutcast), DefaultHandshakeOptions(), time.Second)
	require.NoError(t, err)

	require.NoError(t, <-src.Verdict())
	_, err = src.Write([]byte("audio"))
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	select {
	case got := <-srv.received:
		require.Equal(t, "secret\r\naudio", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("server saw nothing")
	}
}

func TestDialSource_rejected(t *testing.T) {
	srv := newFakeServer(t, "HTTP/1.1 401 Unauthorized\r\n\r\n")
	defer srv.ln.Close()

	src, err := DialSource(context.Background(), srv.target(Icecast), DefaultHandshakeOptions(), time.Second)
	require.NoError(t, err)
	defer src.Close()

	require.ErrorIs(t, <-src.Verdict(), ErrAuthFailed)
}

func TestDialSource_unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = DialSource(context.Background(), Target{Host: "127.0.0.1", Port: port, Pass: "x"}, DefaultHandshakeOptions(), time.Second)
	require.Error(t, err)
}
