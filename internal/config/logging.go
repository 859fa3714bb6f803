package config

import (
	"github.com/oicur0t/winevt-tailer/internal/errs"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig controls diagnostic logging. Diagnostics never go to the
// event output stream: they go to stderr, or to File when set.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json or console
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Validate checks the level and format names
func (c *LoggingConfig) Validate() error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return errs.Config("invalid log level %q", c.Level)
	}
	switch c.Format {
	case "json", "console":
	default:
		return errs.Config("invalid log format %q, want json or console", c.Format)
	}
	return nil
}
