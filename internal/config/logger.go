package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Settings is the environment overlay for knobs that are not part of the
// vault file document. Reads KEYBUNKER_LOG_LEVEL and KEYBUNKER_LOG_FORMAT.
func Settings() *viper.Viper {
	v := viper.New()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetEnvPrefix("KEYBUNKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// NewLogger creates a configured Zap logger. Level and format come from the
// Settings overlay ("log.level": debug, info, warn, error; "log.format":
// json, console). The vault file's verbose flag forces console/debug for
// interactive runs, and its logs path adds a file sink next to stderr.
func (c *Config) NewLogger(v *viper.Viper) (*zap.Logger, error) {
	level := v.GetString("log.level")
	format := v.GetString("log.format")
	if c.Verbose {
		level = "debug"
		format = "console"
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	if c.Logs != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, c.Logs)
	}

	return cfg.Build()
}
