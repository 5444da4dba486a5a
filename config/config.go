// Package config loads the bot's settings from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"vbcb-bot/bbcode"
	"vbcb-bot/urlenc"

	"github.com/spf13/viper"
	"golang.org/x/text/encoding"
)

// EnvPrefix prefixes every environment override, e.g. VBCB_FORUM_PASSWORD.
const EnvPrefix = "VBCB"

const redacted = "REDACTED"

var (
	// ErrMissingURL means no forum URL was configured.
	ErrMissingURL = errors.New("forum.url is required")
	// ErrMissingCredentials means the username or password is empty.
	ErrMissingCredentials = errors.New("forum.username and forum.password are required")
)

// Config is the bot's complete configuration.
type Config struct {
	Forum     ForumConfig        `mapstructure:"forum" yaml:"forum"`
	Poll      PollConfig         `mapstructure:"poll" yaml:"poll"`
	Server    ServerConfig       `mapstructure:"server" yaml:"server"`
	Log       LogConfig          `mapstructure:"log" yaml:"log"`
	Smilies   []bbcode.SmileyDef `mapstructure:"custom_smilies" yaml:"custom_smilies"`
	TexPrefix string             `mapstructure:"tex_prefix" yaml:"tex_prefix"`
}

// ForumConfig says where the board is and how to log in.
type ForumConfig struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	Username   string        `mapstructure:"username" yaml:"username"`
	Password   string        `mapstructure:"password" yaml:"password"`
	Charset    string        `mapstructure:"charset" yaml:"charset"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// PollConfig tunes the chatbox poll loop.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxPenalty  int           `mapstructure:"max_penalty" yaml:"max_penalty"`
	DSTMinute   int           `mapstructure:"dst_minute" yaml:"dst_minute"`
	BannedUsers []string      `mapstructure:"banned_users" yaml:"banned_users"`
	Timezone    string        `mapstructure:"timezone" yaml:"timezone"`
}

// ServerConfig configures the optional control endpoint.
type ServerConfig struct {
	// Listen is the control endpoint address; empty disables it.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("forum.url", "")
	v.SetDefault("forum.username", "")
	v.SetDefault("forum.password", "")
	v.SetDefault("forum.charset", "windows-1252")
	v.SetDefault("forum.timeout", 10*time.Second)
	v.SetDefault("forum.retry_delay", 500*time.Millisecond)
	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.max_penalty", 12)
	v.SetDefault("poll.dst_minute", 3)
	v.SetDefault("poll.banned_users", []string{})
	v.SetDefault("poll.timezone", "Local")
	v.SetDefault("server.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tex_prefix", "")
}

// Load reads the config file at path, if any, and applies VBCB_ environment
// overrides on top. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Forum.URL == "" {
		return ErrMissingURL
	}
	u, err := url.Parse(c.Forum.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("forum.url %q is not an absolute URL", c.Forum.URL)
	}
	if c.Forum.Username == "" || c.Forum.Password == "" {
		return ErrMissingCredentials
	}
	if _, err := c.Charset(); err != nil {
		return err
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.MaxPenalty < 0 {
		return fmt.Errorf("poll.max_penalty must not be negative, got %d", c.Poll.MaxPenalty)
	}
	if c.Poll.DSTMinute < 0 || c.Poll.DSTMinute > 59 {
		return fmt.Errorf("poll.dst_minute must be within 0-59, got %d", c.Poll.DSTMinute)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for i, s := range c.Smilies {
		if s.Code == "" || s.URL == "" {
			return fmt.Errorf("custom_smilies[%d] needs both code and url", i)
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// Charset resolves the forum's character set.
func (c *Config) Charset() (encoding.Encoding, error) {
	enc, err := urlenc.Charset(c.Forum.Charset)
	if err != nil {
		return nil, fmt.Errorf("forum.charset: %w", err)
	}
	return enc, nil
}

// Location resolves the forum's display time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Poll.Timezone == "" || c.Poll.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Poll.Timezone)
	if err != nil {
		return nil, fmt.Errorf("poll.timezone: %w", err)
	}
	return loc, nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Redacted returns a copy that is safe to print.
func (c *Config) Redacted() Config {
	out := *c
	if out.Forum.Password != "" {
		out.Forum.Password = redacted
	}
	out.Smilies = append([]bbcode.SmileyDef(nil), c.Smilies...)
	out.Poll.BannedUsers = append([]string(nil), c.Poll.BannedUsers...)
	return out
}
