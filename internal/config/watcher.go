package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// HotConfig keeps the latest valid Config and reloads it when the file changes.
// A file that fails to parse or validate leaves the previous Config in place.
type HotConfig struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
	subs []func(*Config)
}

func NewHotConfig(path string) (*HotConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &HotConfig{cfg: cfg, path: path}, nil
}

// NewHotConfigFrom starts from cfg without reading path; the file is loaded
// once Watch sees it created.
func NewHotConfigFrom(path string, cfg *Config) *HotConfig {
	return &HotConfig{cfg: cfg, path: path}
}

func (hc *HotConfig) Get() *Config {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.cfg
}

// OnReload registers a callback invoked with each newly loaded Config.
func (hc *HotConfig) OnReload(fn func(*Config)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.subs = append(hc.subs, fn)
}

func (hc *HotConfig) reload() bool {
	cfg, err := Load(hc.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous", "path", hc.path, "err", err)
		return false
	}
	hc.mu.Lock()
	hc.cfg = cfg
	subs := append([]func(*Config){}, hc.subs...)
	hc.mu.Unlock()

	slog.Info("🔄 config reloaded", "path", hc.path, "signatures", len(cfg.Signatures))
	for _, fn := range subs {
		fn(cfg)
	}
	return true
}

// Watch reloads on writes until ctx is done. The parent directory is watched
// so editors that replace the file via rename are still picked up.
func (hc *HotConfig) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(hc.path)); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(hc.path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					hc.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "err", err)
			}
		}
	}()
	return nil
}
