package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchCancel watches the deployment directory for the cancel marker.
func (f *File) WatchCancel(ctx context.Context, id string) (<-chan struct{}, error) {
	ch := make(chan struct{})
	d, err := f.load(id)
	if err != nil {
		return nil, err
	}
	if d.CancelRequested {
		close(ch)
		return ch, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(f.Dir(id)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", f.Dir(id), err)
	}

	// the marker may have appeared before the watch was in place
	if d, err := f.load(id); err == nil && d.CancelRequested {
		_ = watcher.Close()
		close(ch)
		return ch, nil
	}

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
				if filepath.Base(event.Name) != cancelFile {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					close(ch)
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}
