package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Options are the process-level settings. Environment variables supply the
// defaults and flags override them.
type Options struct {
	ConfigPath string `env:"EDGE_CONFIG" envDefault:"/etc/edge/config.yaml"`
	LogLevel   string `env:"EDGE_LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"EDGE_LOG_FORMAT" envDefault:"json"`
}

func NewOptions() (*Options, error) {
	o := &Options{}
	if err := env.Parse(o); err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}
	return o, nil
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigPath, "config", "c", o.ConfigPath, "Path to the YAML route configuration")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: trace, debug, info, warn, error")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "Log format: json or console")
}

// Logger builds the operational logger written to w.
func (o *Options) Logger(w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(o.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	switch o.LogFormat {
	case "json", "":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("log format %q: want json or console", o.LogFormat)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
