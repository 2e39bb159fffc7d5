// Package logger builds the process logger and carries request-scoped
// fields (request id, actor) through contexts.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/toolgate/internal/config"
)

const (
	asyncBuffer  = 4096
	asyncWorkers = 2
)

// New builds the logger described by cfg, writing to stdout. Every record
// carries a "service" attribute. Call Close on the returned Closer before
// exit so buffered records are written.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(h, asyncBuffer, asyncWorkers)
		h, closer = ah, ah
	}
	return slog.New(h).With("service", cfg.Service), closer
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
