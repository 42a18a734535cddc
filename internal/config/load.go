package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Path resolves the config file location: explicit flag, WHALE_CONFIG,
// then ~/.whale/config.json.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("WHALE_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultDataDir(), "config.json")
}

// Load reads the config file (JSON5), applies env overrides and defaults.
// A missing file yields a default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run: defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.Gateway.Token = os.Getenv("WHALE_GATEWAY_TOKEN")

	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config back as plain JSON with mode 0600, creating the
// data dir (0700) if needed. Secrets are excluded by their json tags.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Watch hot-reloads the hooks section when the config file changes and
// invokes onReload. Returns a stop function.
func Watch(path string, cfg *Config, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a direct
	// file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				fresh, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed", "error", err)
					continue
				}
				cfg.ReplaceHooks(fresh.Hooks)
				if onReload != nil {
					onReload(fresh)
				}
				slog.Info("config reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
