package icecast

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Protocol is the server flavour a source connects to.
type Protocol string

const (
	Icecast   Protocol = "Icecast"
	Shoutcast Protocol = "Shoutcast"
)

func ParseProtocol(s string) (Protocol, error) {
	switch {
	case s == "", strings.EqualFold(s, string(Icecast)):
		return Icecast, nil
	case strings.EqualFold(s, string(Shoutcast)):
		return Shoutcast, nil
	}
	return "", errors.Errorf("unknown server type %q", s)
}

const (
	DefaultPort       = 8000
	DefaultMount      = "/stream"
	DefaultSourceUser = "source"
	DefaultAdminUser  = "admin"
)

var (
	ErrMissingHost = errors.New("missing host or port")
	ErrMissingPass = errors.New("missing password")
)

// Target identifies a mount on a streaming server together with the
// credentials used to publish to it.
type Target struct {
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	User     string   `yaml:"user" json:"user"`
	Pass     string   `yaml:"pass" json:"-"`
	Mount    string   `yaml:"mount" json:"mount"`
	Protocol Protocol `yaml:"type" json:"type"`
}

// Address is the host:port pair to dial.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// MountPath returns the mount with a leading slash.
func (t Target) MountPath() string {
	if t.Mount == "" {
		return DefaultMount
	}
	if !strings.HasPrefix(t.Mount, "/") {
		return "/" + t.Mount
	}
	return t.Mount
}

// Params encodes the target as channel establishment parameters.
func (t Target) Params() url.Values {
	v := url.Values{}
	v.Set("host", t.Host)
	v.Set("port", strconv.Itoa(t.Port))
	v.Set("user", t.User)
	v.Set("pass", t.Pass)
	v.Set("mount", t.Mount)
	v.Set("type", string(t.Protocol))
	return v
}

// TargetFromQuery decodes channel establishment parameters. Missing values
// take their defaults; user falls back to defaultUser.
func TargetFromQuery(q url.Values, defaultUser string) (Target, error) {
	t := Target{
		Host:  strings.TrimSpace(q.Get("host")),
		Port:  DefaultPort,
		User:  q.Get("user"),
		Pass:  q.Get("pass"),
		Mount: q.Get("mount"),
	}
	if t.Host == "" {
		return t, ErrMissingHost
	}
	if p := q.Get("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return t, errors.Wrapf(ErrMissingHost, "invalid port %q", p)
		}
		t.Port = port
	}
	if t.User == "" {
		t.User = defaultUser
	}
	if t.Mount == "" {
		t.Mount = DefaultMount
	}

	proto, err := ParseProtocol(q.Get("type"))
	if err != nil {
		return t, err
	}
	t.Protocol = proto
	return t, nil
}
