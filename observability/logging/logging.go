package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

type options struct {
	out   io.Writer
	level slog.Leveler
}

// Option adjusts Setup.
type Option func(*options)

// WithWriter sends log output to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.out = w
		}
	}
}

// WithLevel sets the minimum level from a config string such as "debug" or
// "WARN". Unknown values keep the info level.
func WithLevel(raw string) Option {
	return func(o *options) {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw))); err == nil {
			o.level = lvl
		}
	}
}

// Setup installs a JSON slog handler as the process default and bridges the
// standard library logger onto it. Every line carries the service name and
// environment, and attributes with sensitive keys are masked.
func Setup(service, env string, opts ...Option) *slog.Logger {
	cfg := options{out: os.Stdout, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler := slog.NewJSONHandler(cfg.out, &slog.HandlerOptions{
		Level:       cfg.level,
		ReplaceAttr: replaceAttr,
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withAttrs := handler.WithAttrs(attrs)
	base := slog.New(withAttrs)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(withAttrs, slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func replaceAttr(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) == 0 {
		switch attr.Key {
		case slog.TimeKey:
			return slog.Attr{Key: "timestamp", Value: attr.Value}
		case slog.LevelKey:
			return slog.String("severity", strings.ToUpper(attr.Value.String()))
		case slog.MessageKey:
			return slog.Attr{Key: "message", Value: attr.Value}
		}
	}
	return Redact(attr)
}
