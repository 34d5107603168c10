package gateway

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaygate/relaygate/internal/resolve"
)

// watchDebounce coalesces the burst of events editors and atomic renames
// produce into one reload.
const watchDebounce = 500 * time.Millisecond

// WatchConfig watches the main config file and drives a reload through the
// activator whenever it changes. A failed reload keeps the last-known-good
// snapshot; the state machine handles degradation.
func (s *Server) WatchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: atomic renames replace the file inode, which
	// a file-level watch would lose.
	dir := filepath.Dir(s.cfg.Path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(s.cfg.Path)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Config watcher error: %v", err)
		case <-fire:
			s.logger.Info("Config change detected; reloading secrets")
			if err := s.activator.Reload(ctx, resolve.Options{Config: s.cfg}, false); err != nil {
				s.logger.Warn("Reload after config change failed: %v", err)
			}
		}
	}
}
