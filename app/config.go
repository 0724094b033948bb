package app

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/aiprojek/gemaweb-cast/modules/broadcaster"
	"github.com/aiprojek/gemaweb-cast/modules/relay"
)

type Config struct {
	Target      string             `yaml:"target"`
	LogLevel    string             `yaml:"log_level,omitempty"`
	Tracing     tracing.Config     `yaml:"tracing,omitempty"`
	Server      server.Config      `yaml:"server,omitempty"`
	Relay       relay.Config       `yaml:"relay,omitempty"`
	Broadcaster broadcaster.Config `yaml:"broadcaster,omitempty"`
}

// LoadFile overlays the YAML file onto c. With expandEnv set, ${VAR}
// references are replaced from the environment before parsing.
func (c *Config) LoadFile(file string, expandEnv bool) error {
	filename, _ := filepath.Abs(file)

	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", filename)
	}
	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", filename)
	}
	return nil
}

// Level is the configured slog level, info when unset or unknown.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", All, "Module to run: relay, broadcaster or all.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level: debug, info, warn or error.")

	flagext.DefaultValues(&c.Server)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3030, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9090, "gRPC server listen port.")

	c.Tracing.RegisterFlagsAndApplyDefaults("tracing", f)
	c.Relay.RegisterFlagsAndApplyDefaults("relay", f)
	c.Broadcaster.RegisterFlagsAndApplyDefaults("broadcaster", f)
}
