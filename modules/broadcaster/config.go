package broadcaster

import (
	"flag"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/aiprojek/gemaweb-cast/pkg/capture"
	"github.com/aiprojek/gemaweb-cast/pkg/session"
)

type Config struct {
	Session    session.Config  `yaml:",inline"`
	Audio      capture.Config  `yaml:"audio"`
	Capture    capture.Options `yaml:"capture"`
	FFmpegPath string          `yaml:"ffmpeg_path,omitempty"`
	APIPrefix  string          `yaml:"api_prefix,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Session.RegisterFlagsAndApplyDefaults(prefix, f)
	cfg.Audio.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "audio"), f)
	cfg.Capture.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "capture"), f)

	f.StringVar(&cfg.FFmpegPath, util.PrefixConfig(prefix, "ffmpeg-path"), "ffmpeg", "Path to the ffmpeg binary used for encoding")
	f.StringVar(&cfg.APIPrefix, util.PrefixConfig(prefix, "api-prefix"), "/api", "HTTP path prefix of the operator API")
}
