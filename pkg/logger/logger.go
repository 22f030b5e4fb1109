package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Debug        bool   `split_words:"true" default:"false"`
	PrettyFormat bool   `split_words:"true" default:"false"`
	Level        string `split_words:"true" default:"info"`
	Service      string `split_words:"true" default:"voice-orchestrator"`
}

var DefaultConfig = &Config{
	Level:   "info",
	Service: "voice-orchestrator",
}

func safe(opts ...Config) *Config {
	if len(opts) == 0 {
		return DefaultConfig
	}
	return &opts[0]
}

// New builds a logger writing to w. Debug overrides Level.
func New(w io.Writer, opts ...Config) zerolog.Logger {
	conf := safe(opts...)

	if conf.PrettyFormat {
		w = zerolog.ConsoleWriter{Out: w}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()
	if conf.Service != "" {
		logger = logger.With().Str("service", conf.Service).Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(conf.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if conf.Debug {
		level = zerolog.DebugLevel
	}
	return logger.Level(level).With().Caller().Stack().Logger()
}

// Init replaces the global logger.
func Init(opts ...Config) {
	log.Logger = New(os.Stdout, opts...)
	zerolog.DefaultContextLogger = &log.Logger
}
