package doppler

import (
	"log/slog"

	"github.com/dopplerai/doppler/internal/logging"
)

// SetLogger configures the logger used by the engine and all its
// sub-packages (shardstore, device, bufferpool, kernel, kvcache, layer).
// By default the engine produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default.
//
// Log levels:
//   - [slog.LevelDebug]: generation finished (per session)
//   - [slog.LevelInfo]: pipeline lifecycle (create, unload) and device probe
//   - [slog.LevelWarn]: device lost
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return logging.Get()
}
