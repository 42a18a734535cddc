package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// OpenDebugLog creates debug/{sid}.log (mode 0600) and returns a JSON slog
// handler writing newline-delimited diagnostic events to it.
func OpenDebugLog(dataDir, sessionID string) (*slog.Logger, io.Closer, error) {
	dir := filepath.Join(dataDir, "debug")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create debug dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, sessionID+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open debug log: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, f, nil
}
