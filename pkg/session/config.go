package session

import (
	"flag"
	"time"

	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/util"

	"github.com/aiprojek/gemaweb-cast/pkg/encoder"
	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
	"github.com/aiprojek/gemaweb-cast/pkg/transport"
)

// Profile is a named streaming server target.
type Profile struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	icecast.Target `yaml:",inline"`
}

type StreamConfig struct {
	Codec   encoder.Codec `yaml:"codec"`
	Bitrate int           `yaml:"bitrate"`
}

type StreamBehavior struct {
	LiveTitle        string        `yaml:"live_title"`
	TitleUpdateDelay time.Duration `yaml:"title_update_delay"`
	AutoConnect      bool          `yaml:"auto_connect"`
	Verify           bool          `yaml:"verify"`
	VerifyWindow     time.Duration `yaml:"verify_window"`

	// Kept for configuration compatibility. Connection loss is never retried.
	ReconnectEnabled bool          `yaml:"reconnect_enabled"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
}

type RecordingConfig struct {
	Codec   encoder.Codec `yaml:"codec"`
	Bitrate int           `yaml:"bitrate"`
}

type RecordBehavior struct {
	FileNamePattern  string `yaml:"file_name_pattern"`
	Directory        string `yaml:"directory"`
	StartOnConnect   bool   `yaml:"start_on_connect"`
	StopOnDisconnect bool   `yaml:"stop_on_disconnect"`
	StartOnLaunch    bool   `yaml:"start_on_launch"`
}

type Config struct {
	Profiles       []Profile        `yaml:"profiles,omitempty"`
	ActiveProfile  string           `yaml:"active_profile,omitempty"`
	Stream         StreamConfig     `yaml:"stream"`
	Transport      transport.Config `yaml:"transport"`
	StreamBehavior StreamBehavior   `yaml:"stream_behavior"`
	Recording      RecordingConfig  `yaml:"recording"`
	RecordBehavior RecordBehavior   `yaml:"record_behavior"`
	LaunchDelay    time.Duration    `yaml:"launch_delay"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Stream = StreamConfig{Codec: encoder.MP3, Bitrate: 128}
	c.Recording = RecordingConfig{Codec: encoder.OPUS, Bitrate: 128}

	f.Func(util.PrefixConfig(prefix, "stream.codec"), "Streaming codec: MP3, AAC, OGG or OPUS.", codecFlag(&c.Stream.Codec))
	f.IntVar(&c.Stream.Bitrate, util.PrefixConfig(prefix, "stream.bitrate"), 128, "Streaming bitrate in kbps.")
	f.Func(util.PrefixConfig(prefix, "recording.codec"), "Recording codec: MP3, AAC, OGG or OPUS.", codecFlag(&c.Recording.Codec))
	f.IntVar(&c.Recording.Bitrate, util.PrefixConfig(prefix, "recording.bitrate"), 128, "Recording bitrate in kbps.")

	c.Transport.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "transport"), f)

	f.StringVar(&c.ActiveProfile, util.PrefixConfig(prefix, "active-profile"), "", "ID of the server profile to connect to.")
	f.StringVar(&c.StreamBehavior.LiveTitle, util.PrefixConfig(prefix, "live-title"), "Live on GemaWeb", "Title announced after connecting.")
	f.DurationVar(&c.StreamBehavior.TitleUpdateDelay, util.PrefixConfig(prefix, "title-update-delay"), 0, "Delay before the live title is announced.")
	f.BoolVar(&c.StreamBehavior.AutoConnect, util.PrefixConfig(prefix, "auto-connect"), false, "Connect automatically on launch.")
	f.BoolVar(&c.StreamBehavior.Verify, util.PrefixConfig(prefix, "verify"), false, "Listen to the mount after connecting and report what is heard.")
	f.DurationVar(&c.StreamBehavior.VerifyWindow, util.PrefixConfig(prefix, "verify-window"), 5*time.Second, "How long the verification listener runs.")
	f.BoolVar(&c.StreamBehavior.ReconnectEnabled, util.PrefixConfig(prefix, "reconnect-enabled"), true, "Stored for compatibility; reconnection is not performed.")
	f.DurationVar(&c.StreamBehavior.ReconnectDelay, util.PrefixConfig(prefix, "reconnect-delay"), 5*time.Second, "Stored for compatibility; reconnection is not performed.")

	f.StringVar(&c.RecordBehavior.FileNamePattern, util.PrefixConfig(prefix, "record.file-name-pattern"), "gemaweb_%Y%m%d-%H%M%S", "Recording file name pattern.")
	f.StringVar(&c.RecordBehavior.Directory, util.PrefixConfig(prefix, "record.directory"), "recordings", "Directory recordings are saved in.")
	f.BoolVar(&c.RecordBehavior.StartOnConnect, util.PrefixConfig(prefix, "record.start-on-connect"), false, "Start recording when a connection succeeds.")
	f.BoolVar(&c.RecordBehavior.StopOnDisconnect, util.PrefixConfig(prefix, "record.stop-on-disconnect"), false, "Stop recording on disconnect.")
	f.BoolVar(&c.RecordBehavior.StartOnLaunch, util.PrefixConfig(prefix, "record.start-on-launch"), false, "Start recording on launch.")

	f.DurationVar(&c.LaunchDelay, util.PrefixConfig(prefix, "launch-delay"), time.Second, "Settle delay before launch automation runs.")
}

func codecFlag(dst *encoder.Codec) func(string) error {
	return func(s string) error {
		c, err := encoder.ParseCodec(s)
		if err != nil {
			return err
		}
		*dst = c
		return nil
	}
}

// Active returns the profile to connect to. With a single profile and no
// explicit choice that profile is used.
func (c Config) Active() (Profile, error) {
	if c.ActiveProfile == "" && len(c.Profiles) == 1 {
		return c.Profiles[0], nil
	}
	for _, p := range c.Profiles {
		if p.ID == c.ActiveProfile {
			return p, nil
		}
	}
	if c.ActiveProfile == "" {
		return Profile{}, ErrNoProfile
	}
	return Profile{}, errors.Wrapf(ErrNoProfile, "profile %q not found", c.ActiveProfile)
}

func (c Config) Validate() error {
	if !encoder.ValidBitrate(c.Stream.Bitrate) {
		return errors.Wrapf(encoder.ErrInvalidBitrate, "stream bitrate %d", c.Stream.Bitrate)
	}
	if !encoder.ValidBitrate(c.Recording.Bitrate) {
		return errors.Wrapf(encoder.ErrInvalidBitrate, "recording bitrate %d", c.Recording.Bitrate)
	}
	if _, err := encoder.ParseCodec(string(c.Stream.Codec)); err != nil {
		return err
	}
	if _, err := encoder.ParseCodec(string(c.Recording.Codec)); err != nil {
		return err
	}
	if _, err := transport.ParseMode(string(c.Transport.Mode)); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Profiles))
	for _, p := range c.Profiles {
		if seen[p.ID] {
			return errors.Errorf("duplicate profile id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// WithActiveProfile returns a copy of c with id selected.
func (c Config) WithActiveProfile(id string) (Config, error) {
	c.ActiveProfile = id
	if _, err := c.Active(); err != nil {
		return Config{}, err
	}
	return c, nil
}
