package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	sessionDirPerm  = fs.FileMode(0o700)
	sessionFilePerm = fs.FileMode(0o600)
)

// File is a Provider backed by a JSON file, so a sign-in from one tester
// process is visible to every other process sharing the state directory.
// Call Watch to pick up changes made by other processes.
type File struct {
	hub

	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Session
}

var _ Provider = (*File)(nil)

// OpenFile loads the session stored at path, if any. A missing or
// unreadable file means signed out.
func OpenFile(path string, logger *slog.Logger) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), sessionDirPerm); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	f := &File{path: path, logger: logger}
	f.current = f.read()

	return f, nil
}

// Current returns the session unless it has expired.
func (f *File) Current() *Session {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.current == nil || f.current.Expired(time.Now()) {
		return nil
	}

	return clone(f.current)
}

// Subscribe implements Provider.
func (f *File) Subscribe(fn func(*Session)) func() {
	return f.subscribe(fn)
}

// Set writes the session to disk and notifies subscribers. The file is
// replaced atomically so concurrent readers never see a partial write.
func (f *File) Set(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling session: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing session: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing session file: %w", err)
	}

	if err := os.Chmod(tmpName, sessionFilePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting session file mode: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session file: %w", err)
	}

	f.update(clone(s))

	return nil
}

// Clear deletes the session file and notifies subscribers.
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}

	f.update(nil)

	return nil
}

// Watch monitors the session file for changes made by other processes.
// It blocks until the context is cancelled.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: Set replaces the file by rename, which drops
	// a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching session directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}

			f.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			f.logger.Warn("session watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload re-reads the file and notifies only when the token changed.
func (f *File) reload() {
	s := f.read()

	f.mu.RLock()
	same := sameToken(f.current, s)
	f.mu.RUnlock()

	if same {
		return
	}

	f.logger.Debug("session file changed", slog.Bool("signed_in", s != nil))
	f.update(s)
}

func (f *File) update(s *Session) {
	f.mu.Lock()
	f.current = s
	f.mu.Unlock()

	f.notify(clone(s))
}

func (f *File) read() *Session {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil || s.AccessToken == "" {
		return nil
	}

	return &s
}

func sameToken(a, b *Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return a.AccessToken == b.AccessToken
}
