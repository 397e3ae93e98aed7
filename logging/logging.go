// File: logging/logging.go
// Author: momentics <momentics@gmail.com>
//
// The default slog.Logger every component falls back to when a caller
// does not supply its own, grounded on the pack's own tint-based
// initLogger (PhillipMichelsen-tessera's cmd/data_service/main.go):
// leveled tint output by default, plain JSON only when asked for.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Options controls the default logger's format and level.
type Options struct {
	Level   slog.Level
	JSON    bool // use JSON output instead of tint; NoColor and NO_COLOR are then ignored
	NoColor bool
}

// New builds a *slog.Logger per opts. JSON output is used only when opts.JSON
// is explicitly set; otherwise tint's colorized handler is used, with color
// disabled by opts.NoColor or a non-empty NO_COLOR environment variable.
func New(opts Options) *slog.Logger {
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: opts.Level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339Nano,
		NoColor:    opts.NoColor || os.Getenv("NO_COLOR") != "",
	}))
}

// Default returns a tint-backed logger at Info level, suitable as the
// zero-configuration fallback for service.DefaultConfig.
func Default() *slog.Logger {
	return New(Options{Level: slog.LevelInfo})
}
