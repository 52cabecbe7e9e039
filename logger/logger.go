package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

var (
	Slog  *slog.Logger
	level = new(slog.LevelVar)
)

// steps walked by -v and -q, quietest first
var verbosity = []slog.Level{
	slog.LevelError,
	slog.LevelWarn,
	slog.LevelInfo,
	slog.LevelDebug,
}

func init() {
	level.Set(slog.LevelError)
	Slog = slog.New(NewHandler(os.Stderr))
	slog.SetDefault(Slog)
}

// NewHandler returns a colored handler for terminals and a plain text
// handler otherwise, both bound to the process-wide level.
func NewHandler(w io.Writer) slog.Handler {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
		})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

// FromVerbosity maps repeated -v / -q flags onto a level, starting at Error.
func FromVerbosity(verbose, quiet int) slog.Level {
	idx := verbose - quiet
	if idx < 0 {
		idx = 0
	}
	if idx >= len(verbosity) {
		idx = len(verbosity) - 1
	}
	return verbosity[idx]
}

func SetLevel(l slog.Level) {
	level.Set(l)
}

func Level() slog.Level {
	return level.Level()
}

func SetLogLevel(val string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(val)); err != nil {
		Slog.Info("could not parse loglevel, keeping as is", "value", val)
		return err
	}
	level.Set(l)
	Slog.Info("Log level changed", "level", l)
	return nil
}
