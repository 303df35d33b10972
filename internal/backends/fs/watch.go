package fs

import (
	"context"
	"guildsync/internal/types"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch reports keys whose file was created, rewritten, renamed or removed in the store
// directory, by this process or any other. The channel is closed when ctx ends.
func (s *Store) Watch(ctx context.Context) (<-chan types.ConfigKey, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "watch %s", s.dir)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return nil, types.Err(types.ErrIOFailure, err, "watch %s", s.dir)
	}

	out := make(chan types.ConfigKey, 64)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
					!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				key, ok := keyFromPath(ev.Name)
				if !ok {
					continue
				}
				select {
				case out <- key:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).WithField("dir", s.dir).Warn("store watcher error")
			}
		}
	}()
	return out, nil
}

func keyFromPath(p string) (types.ConfigKey, bool) {
	name := filepath.Base(p)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	key := types.ConfigKey(strings.TrimSuffix(name, fileExt))
	if key.Validate() != nil {
		return "", false
	}
	return key, true
}
