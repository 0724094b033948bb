package relay

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
)

type Config struct {
	StreamPath      string                   `yaml:"stream_path,omitempty"`
	MetadataPath    string                   `yaml:"metadata_path,omitempty"`
	DialTimeout     time.Duration            `yaml:"dial_timeout,omitempty"`
	WriteTimeout    time.Duration            `yaml:"write_timeout,omitempty"`
	MetadataTimeout time.Duration            `yaml:"metadata_timeout,omitempty"`
	Handshake       icecast.HandshakeOptions `yaml:"handshake,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.StreamPath, util.PrefixConfig(prefix, "stream-path"), "/stream", "HTTP path of the audio channel endpoint")
	f.StringVar(&cfg.MetadataPath, util.PrefixConfig(prefix, "metadata-path"), "/metadata", "HTTP path of the title update endpoint")
	f.DurationVar(&cfg.DialTimeout, util.PrefixConfig(prefix, "dial-timeout"), 10*time.Second, "Timeout for the TCP connection to the streaming server")
	f.DurationVar(&cfg.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), 10*time.Second, "Deadline for forwarding one audio chunk upstream")
	f.DurationVar(&cfg.MetadataTimeout, util.PrefixConfig(prefix, "metadata-timeout"), 10*time.Second, "Timeout for a title update against the server admin interface")

	d := icecast.DefaultHandshakeOptions()
	cfg.Handshake.ContentType = d.ContentType
	cfg.Handshake.Expect = d.Expect
	f.StringVar(&cfg.Handshake.UserAgent, util.PrefixConfig(prefix, "user-agent"), d.UserAgent, "User-Agent announced to Icecast servers")
	f.StringVar(&cfg.Handshake.IceName, util.PrefixConfig(prefix, "ice-name"), d.IceName, "Ice-Name announced to Icecast servers")
	f.BoolVar(&cfg.Handshake.IcePublic, util.PrefixConfig(prefix, "ice-public"), d.IcePublic, "Ask Icecast servers to list the stream publicly")
	f.StringVar((*string)(&cfg.Handshake.LineEnding), util.PrefixConfig(prefix, "line-ending"), string(d.LineEnding), "Terminator of the Shoutcast password line, crlf or lf")
}
