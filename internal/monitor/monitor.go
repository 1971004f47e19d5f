// Package monitor watches a source tree and keeps the generated content
// of a mount in step with it: files removed from the source lose their
// cache entries, and new or rewritten files are generated ahead of their
// first read.
package monitor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultSettle is how long a file must stay unmodified before it is
// primed.
const DefaultSettle = time.Second

// Handler receives the changes of the source tree. Paths are relative to
// the watched root, slash separated. OnDelete is called for removed
// files and directories alike.
type Handler interface {
	OnDelete(rel string)
	Prime(ctx context.Context, rel string) error
}

// Monitor watches every directory below a root.
type Monitor struct {
	root    string
	handler Handler
	logger  *zap.Logger
	settle  time.Duration
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]struct{}
	pending map[string]*time.Timer
	primes  sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// Logger sets the logger of the monitor.
func Logger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// Settle sets how long writes to a file must pause before it is primed.
func Settle(d time.Duration) Option {
	return func(m *Monitor) { m.settle = d }
}

// New starts watching root and all directories below it. Events are
// delivered to h once Run is called.
func New(root string, h Handler, opts ...Option) (*Monitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		root:    filepath.Clean(root),
		handler: h,
		logger:  zap.NewNop(),
		settle:  DefaultSettle,
		watcher: w,
		watched: map[string]struct{}{},
		pending: map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.addTree(context.Background(), m.root, false); err != nil {
		_ = w.Close()
		return nil, err
	}
	return m, nil
}

// Run handles events until ctx is done, then stops watching. Primes
// still running when ctx is done are waited for.
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		for rel := range m.pending {
			m.stopLocked(rel)
		}
		m.mu.Unlock()
		m.primes.Wait()
	}()
	defer m.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			m.handle(ctx, ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.logger.Warn("source events were lost", zap.Error(err))
				continue
			}
			m.logger.Error("watching source failed", zap.Error(err))
		}
	}
}

// Watched returns the number of directories being watched.
func (m *Monitor) Watched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

func (m *Monitor) rel(name string) (string, bool) {
	rel, err := filepath.Rel(m.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (m *Monitor) handle(ctx context.Context, ev fsnotify.Event) {
	rel, ok := m.rel(ev.Name)
	if !ok {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if m.unwatch(ev.Name) {
			m.handler.OnDelete(rel)
			m.logger.Debug("directory gone", zap.String("path", rel))
			return
		}
		m.cancel(rel)
		m.handler.OnDelete(rel)
		m.logger.Debug("file gone", zap.String("path", rel))

	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		fi, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		switch {
		case fi.IsDir():
			if err := m.addTree(ctx, ev.Name, true); err != nil {
				m.logger.Warn("watching new directory failed", zap.String("path", rel), zap.Error(err))
			}
		case fi.Mode().IsRegular():
			m.schedule(ctx, rel)
		}
	}
}

// addTree watches dir and the directories below it. With prime set, the
// regular files found are primed.
func (m *Monitor) addTree(ctx context.Context, dir string, prime bool) error {
	return filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			if name == dir {
				return err
			}
			m.logger.Debug("skipping unreadable path", zap.String("path", name), zap.Error(err))
			return nil
		}
		if d.Type().IsRegular() {
			if rel, ok := m.rel(name); ok && prime {
				m.schedule(ctx, rel)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := m.watcher.Add(name); err != nil {
			if name == dir {
				return err
			}
			m.logger.Warn("watching directory failed", zap.String("path", name), zap.Error(err))
			return fs.SkipDir
		}
		m.mu.Lock()
		m.watched[name] = struct{}{}
		m.mu.Unlock()
		return nil
	})
}

// unwatch stops watching name and every directory below it. It reports
// whether name was a watched directory.
func (m *Monitor) unwatch(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watched[name]; !ok {
		return false
	}
	prefix := name + string(filepath.Separator)
	for dir := range m.watched {
		if dir != name && !strings.HasPrefix(dir, prefix) {
			continue
		}
		delete(m.watched, dir)
		// The kernel drops the watch of a deleted directory by itself.
		if err := m.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			m.logger.Debug("removing watch failed", zap.String("path", dir), zap.Error(err))
		}
	}
	return true
}

// schedule primes rel once it has not been written to for the settle
// time.
func (m *Monitor) schedule(ctx context.Context, rel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if t, ok := m.pending[rel]; ok && t.Stop() {
		t.Reset(m.settle)
		return
	}
	m.primes.Add(1)
	var t *time.Timer
	t = time.AfterFunc(m.settle, func() {
		defer m.primes.Done()
		m.mu.Lock()
		if m.pending[rel] == t {
			delete(m.pending, rel)
		}
		m.mu.Unlock()
		m.prime(ctx, rel)
	})
	m.pending[rel] = t
}

func (m *Monitor) cancel(rel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(rel)
}

// stopLocked drops the pending prime of rel. A prime already running is
// left to finish.
func (m *Monitor) stopLocked(rel string) {
	t, ok := m.pending[rel]
	if !ok {
		return
	}
	if t.Stop() {
		delete(m.pending, rel)
		m.primes.Done()
	}
}

func (m *Monitor) prime(ctx context.Context, rel string) {
	if ctx.Err() != nil {
		return
	}
	if err := m.handler.Prime(ctx, rel); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		m.logger.Warn("priming failed", zap.String("path", rel), zap.Error(err))
		return
	}
	m.logger.Debug("primed", zap.String("path", rel))
}
