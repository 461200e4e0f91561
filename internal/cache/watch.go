package cache

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

// Watch reports subject IDs whose cache entry was rewritten, including writes
// from other processes sharing the same directory. Only file backends on the
// real filesystem support it.
func (s *Store) Watch(ctx context.Context) (<-chan string, error) {
	if s == nil {
		return nil, ErrWatchUnsupported
	}
	fb, ok := s.backend.(*FileBackend)
	if !ok || !fb.OnOsFs() {
		return nil, ErrWatchUnsupported
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(fb.Dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
					continue
				}
				key, ok := fb.keyForPath(event.Name)
				if !ok {
					continue
				}
				subjectID, ok := subjectForKey(key)
				if !ok {
					continue
				}
				select {
				case out <- subjectID:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logf("cache watch error: %v", err)
			}
		}
	}()
	return out, nil
}
