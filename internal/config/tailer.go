package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oicur0t/winevt-tailer/internal/errs"
	"github.com/oicur0t/winevt-tailer/internal/query"
	"github.com/oicur0t/winevt-tailer/internal/transform"
)

const (
	// TailerType identifies this program in the startup hello record
	TailerType = "winevt-tailer"

	DefaultTailerName = "default"
	DefaultLookback   = 100

	ProviderWevtapi = "wevtapi"
	ProviderFile    = "file"
)

// LookbackAll replays every event a channel still holds
const LookbackAll Lookback = -1

// Lookback is the number of historical events replayed when no usable
// bookmark exists. LookbackAll means unbounded.
type Lookback int

// ParseLookback accepts a non-negative count, -1 or "all"
func ParseLookback(s string) (Lookback, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		return LookbackAll, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < int(LookbackAll) {
		return 0, fmt.Errorf("invalid lookback %q: want a count >= 0, -1 or \"all\"", s)
	}
	return Lookback(n), nil
}

// Unbounded reports whether every historical event is replayed
func (l Lookback) Unbounded() bool {
	return l == LookbackAll
}

func (l Lookback) String() string {
	if l.Unbounded() {
		return "all"
	}
	return strconv.Itoa(int(l))
}

// MarshalYAML prints the sentinel as "all"
func (l Lookback) MarshalYAML() (interface{}, error) {
	if l.Unbounded() {
		return "all", nil
	}
	return int(l), nil
}

// ChannelConfig is one tailed event channel
type ChannelConfig struct {
	Name       string   `mapstructure:"name" yaml:"name"`
	Query      string   `mapstructure:"query" yaml:"query"`
	Transforms []string `mapstructure:"transforms" yaml:"transforms,omitempty"`
}

// Key is the channel's identity in the bookmarks file. Changing the query
// makes it a different stream.
func (c ChannelConfig) Key() string {
	return c.Name + "#" + c.Query
}

// FileProviderConfig configures the file-backed provider
type FileProviderConfig struct {
	Dir  string `mapstructure:"dir" yaml:"dir"`
	Poll bool   `mapstructure:"poll" yaml:"poll"`
}

// OutputConfig selects where event lines go. An empty File means stdout.
type OutputConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// MetricsConfig enables the prometheus endpoint when Address is set
type MetricsConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// TailerConfig represents the complete tailer configuration
type TailerConfig struct {
	Channels                []ChannelConfig    `mapstructure:"channels" yaml:"channels"`
	BookmarksDir            string             `mapstructure:"bookmarks_dir" yaml:"bookmarks_dir"`
	BookmarksCommitInterval time.Duration      `mapstructure:"bookmarks_commit_interval" yaml:"bookmarks_commit_interval"`
	Lookback                Lookback           `mapstructure:"-" yaml:"lookback"`
	Persistent              bool               `mapstructure:"persistent" yaml:"persistent"`
	Transforms              []string           `mapstructure:"transforms" yaml:"transforms"`
	StartupHello            bool               `mapstructure:"startup_hello" yaml:"startup_hello"`
	ExitAfterLookback       bool               `mapstructure:"exit_after_lookback" yaml:"exit_after_lookback"`
	Provider                string             `mapstructure:"provider" yaml:"provider"`
	FileProvider            FileProviderConfig `mapstructure:"file_provider" yaml:"file_provider"`
	Output                  OutputConfig       `mapstructure:"output" yaml:"output"`
	Metrics                 MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// Validate checks the configuration once at startup. Every failure is a
// ConfigError.
func (c *TailerConfig) Validate() error {
	if len(c.Channels) == 0 {
		return errs.Config("at least one channel must be configured")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		if strings.TrimSpace(ch.Name) == "" {
			return errs.Config("channels[%d]: name is required", i)
		}
		if ch.Query == "" {
			ch.Query = query.All
		}
		if err := query.Validate(ch.Query); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		if seen[ch.Key()] {
			return errs.Config("channel %s with query %q is configured twice", ch.Name, ch.Query)
		}
		seen[ch.Key()] = true
		if err := transform.CheckChain(ch.Transforms, c.Transforms); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name, err)
		}
	}

	if c.Lookback < LookbackAll {
		return errs.Config("lookback must be >= 0 or \"all\", got %d", c.Lookback)
	}
	if c.Persistent {
		if c.BookmarksDir == "" {
			return errs.Config("bookmarks_dir is required when persistent is enabled")
		}
		if c.BookmarksCommitInterval <= 0 {
			return errs.Config("bookmarks_commit_interval must be positive, got %s", c.BookmarksCommitInterval)
		}
	}
	switch c.Provider {
	case ProviderWevtapi:
	case ProviderFile:
		if c.FileProvider.Dir == "" {
			return errs.Config("file_provider.dir is required for the file provider")
		}
	default:
		return errs.Config("unknown provider %q", c.Provider)
	}
	return nil
}
