package demo

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/coderunner/kestrel/internal/klog"
)

// Watch runs rebuild once immediately, then again every time one of the
// given paths changes on disk, until ctx is cancelled or rebuild returns an
// error. Grounded on the teacher's LogStreamer (examples/beads-web-ui/
// log_streamer.go): watch each file's containing directory rather than the
// file itself, so editors that replace-via-rename are still observed.
func Watch(ctx context.Context, log *klog.Logger, paths []string, rebuild func() error) error {
	if log == nil {
		log = klog.Discard()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("demo: watch: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]struct{})
	watched := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		watched[p] = struct{}{}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for d := range dirs {
		if err := watcher.Add(d); err != nil {
			return fmt.Errorf("demo: watch %s: %w", d, err)
		}
	}

	if err := rebuild(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, relevant := watched[ev.Name]; !relevant {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Info("change detected, rebuilding", "path", ev.Name, "op", ev.Op.String())
			if err := rebuild(); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "err", err)
		}
	}
}
