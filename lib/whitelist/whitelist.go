// Package whitelist tracks the host suffixes the agent is allowed to
// auto-attach to. The list lives in a plain text file: whitespace-separated
// suffixes, # starts a comment. A leading dot on a suffix is optional.
package whitelist

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// List is a reloadable set of host suffixes. A host matches when it equals
// a suffix or ends with "."+suffix, so "example.com" covers
// "www.example.com" but not "notexample.com".
type List struct {
	path string

	mu       sync.RWMutex
	suffixes []string
}

// New builds a fixed list from the given suffixes. Used by tests and by
// callers that do not want file-backed reloading.
func New(suffixes []string) *List {
	l := &List{}
	l.set(normalize(suffixes))
	return l
}

// Load reads the suffix file at path. A missing file yields an empty list
// so the file can be created after startup and picked up by Watch.
func Load(path string) (*List, error) {
	l := &List{path: path}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Match reports whether host is covered by the list. Matching is
// case-insensitive and ignores a trailing dot on the host.
func (l *List) Match(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// Suffixes returns a copy of the current suffix set.
func (l *List) Suffixes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.suffixes))
	copy(out, l.suffixes)
	return out
}

// Watch reloads the list whenever the backing file changes. Editors often
// replace the file instead of writing in place, so the watch is on the
// parent directory and events are filtered by name. The watcher stops when
// ctx is done.
func (l *List) Watch(ctx context.Context, logger *slog.Logger) error {
	if l.path == "" {
		return errors.New("whitelist: no file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if err := l.reload(); err != nil {
					logger.Error("failed to reload whitelist", "path", l.path, "err", err)
					continue
				}
				logger.Info("whitelist reloaded", "path", l.path, "suffixes", len(l.Suffixes()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("whitelist watcher error", "err", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (l *List) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.set(nil)
			return nil
		}
		return err
	}
	l.set(parse(data))
	return nil
}

func (l *List) set(suffixes []string) {
	l.mu.Lock()
	l.suffixes = suffixes
	l.mu.Unlock()
}

// parse splits the file into suffix tokens. Everything from # to end of
// line is a comment.
func parse(data []byte) []string {
	var suffixes []string
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		suffixes = append(suffixes, normalize(strings.Fields(line))...)
	}
	return suffixes
}

func normalize(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tok), "."))
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
