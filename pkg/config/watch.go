package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/bindery/pkg/errors"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and reports each reload to
// onChange: a valid config, or the load error. The parent directory is
// watched so atomic renames are seen. Watch blocks until ctx ends.
func Watch(ctx context.Context, path string, onChange func(*Config, error)) error {
	return watch(ctx, path, DefaultDebounce, onChange)
}

func watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "invalid config path")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to create config watcher")
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to watch config directory").
			WithContext("path", abs)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			onChange(nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "config watcher error"))
		case <-timer.C:
			cfg, err := Load(abs)
			onChange(cfg, err)
		}
	}
}
