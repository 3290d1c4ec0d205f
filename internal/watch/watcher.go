package watch

import (
	"context"
	"path/filepath"

	"callassist/internal/events"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Reloadable is a file-backed dataset that can re-read its file.
type Reloadable interface {
	Path() string
	Reload() error
}

// Publisher receives reload notifications.
type Publisher interface {
	Publish(events.Event)
}

// Watcher monitors the directories holding the customer directory and
// pricing catalog and reloads them when their files change.
type Watcher struct {
	targets map[string]Reloadable
	pub     Publisher
	log     zerolog.Logger
}

func New(pub Publisher, log zerolog.Logger, targets ...Reloadable) *Watcher {
	w := &Watcher{targets: map[string]Reloadable{}, pub: pub, log: log}
	for _, t := range targets {
		if t == nil || t.Path() == "" {
			continue
		}
		w.targets[absPath(t.Path())] = t
	}
	return w
}

// Start adds a watch on every target's parent directory. Events are
// handled until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if len(w.targets) == 0 {
		w.log.Info().Msg("watcher has no targets")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]bool{}
	for p := range w.targets {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
		dirs[dir] = true
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					w.handle(evt.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn().Err(err).Msg("watcher error")
			}
		}
	}()
	w.log.Info().Int("files", len(w.targets)).Msg("watching data files")
	return nil
}

func (w *Watcher) handle(name string) {
	path := absPath(name)
	t, ok := w.targets[path]
	if !ok {
		return
	}
	if err := t.Reload(); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("reload failed")
		return
	}
	w.log.Info().Str("path", path).Msg("reloaded data file")
	if w.pub != nil {
		w.pub.Publish(events.Event{Type: events.DirectoryReload, Data: map[string]string{"path": t.Path()}})
	}
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
