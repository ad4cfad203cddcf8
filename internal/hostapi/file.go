package hostapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/sipcore/sipcore/internal/signaling"
	"github.com/sipcore/sipcore/internal/sipconfig"
)

// FileSource serves the configuration from a local JSON file, for running
// without a host application.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a source reading path.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	return &FileSource{path: path, logger: logger.With("subsystem", "config-file")}
}

// FetchConfig reads the file.
func (s *FileSource) FetchConfig(ctx context.Context) ([]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFetch, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigFetch, s.path, err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrConfigFetch, s.path, maxConfigSize)
	}
	return data, nil
}

// ResolveEndpoint requires custom_wss_url, since there is no host to look
// an ingress path up on.
func (s *FileSource) ResolveEndpoint(_ context.Context, cfg *sipconfig.Config) (signaling.Endpoint, error) {
	if cfg.CustomWSSURL == "" {
		return signaling.Endpoint{}, errors.New("hostapi: custom_wss_url is required with a config file")
	}
	return signaling.ParseEndpoint(cfg.CustomWSSURL)
}

// Watch calls hint whenever the file is written, created or replaced. The
// parent directory is watched so editors that rename over the file are
// seen. Watch blocks until ctx ends.
func (s *FileSource) Watch(ctx context.Context, hint func(reason string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				s.logger.Debug("config file changed", "op", event.Op.String())
				hint("config file changed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}
