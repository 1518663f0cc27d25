// Package logging builds the process-wide slog logger and carries
// request-scoped ids through context so scrape and crawl paths can
// enrich their log lines.
//
// Output format follows LOG_FORMAT (text or json); unset, an
// interactive stdout gets text and everything else gets JSON, so
// containerized deployments emit machine-readable lines without
// configuration. LOG_LEVEL picks the floor, default info.
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// New builds a logger from the LOG_FORMAT and LOG_LEVEL environment.
// Source locations are attached to every record, trimmed relative to
// the working directory to keep crawl-worker lines short.
func New() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       levelFromEnv(),
		AddSource:   true,
		ReplaceAttr: trimSource(),
	}
	if wantText() {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// SetDefault installs a freshly built logger as the slog default and
// returns it, so main can hand the same instance to the API server and
// the workers.
func SetDefault() *slog.Logger {
	logger := New()
	slog.SetDefault(logger)
	return logger
}

func wantText() bool {
	switch os.Getenv("LOG_FORMAT") {
	case "text":
		return true
	case "json":
		return false
	}
	stat, err := os.Stdout.Stat()
	return err == nil && stat.Mode()&os.ModeCharDevice != 0
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// trimSource shortens absolute source paths to working-directory
// relative ones, falling back to the bare filename.
func trimSource() func([]string, slog.Attr) slog.Attr {
	wd, _ := os.Getwd()
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key != slog.SourceKey {
			return a
		}
		if src, ok := a.Value.Any().(*slog.Source); ok {
			if rel, err := filepath.Rel(wd, src.File); err == nil {
				src.File = rel
			} else {
				src.File = filepath.Base(src.File)
			}
		}
		return a
	}
}
