// Package watch turns new session folders in the DICOM inbox into pairs to
// process. A folder is reported once nothing inside it has changed for the
// settle period, so a transfer still in progress is never picked up.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/cohort"
)

// Watcher reports settled <subjID>_<sessID> folders created under a directory.
type Watcher struct {
	dir    string
	settle time.Duration
	logger *zap.Logger
	now    func() time.Time

	fs      *fsnotify.Watcher
	pairs   chan cohort.Pair
	pending map[string]time.Time
	seen    map[string]bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New starts watching dir. Folders already present are not reported.
func New(dir string, settle time.Duration, opts ...Option) (*Watcher, error) {
	if settle <= 0 {
		return nil, fmt.Errorf("watch: settle must be positive, got %s", settle)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: %s is not a directory", dir)
	}
	existing, err := listNames(dir)
	if err != nil {
		return nil, err
	}
	return watchFrom(dir, settle, existing, opts...)
}

// watchFrom watches dir, treating the names in existing as already handled. Any
// other entry found once the watch is in place arrived after the snapshot and
// is queued like a created folder.
func watchFrom(dir string, settle time.Duration, existing map[string]bool, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: add %s: %w", dir, err)
	}
	w := &Watcher{
		dir:     filepath.Clean(dir),
		settle:  settle,
		logger:  zap.NewNop(),
		now:     time.Now,
		fs:      fsw,
		pairs:   make(chan cohort.Pair, 16),
		pending: map[string]time.Time{},
		seen:    map[string]bool{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	current, err := listNames(dir)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for name := range current {
		if existing[name] {
			w.seen[name] = true
			continue
		}
		w.handle(fsnotify.Event{Name: filepath.Join(w.dir, name), Op: fsnotify.Create})
	}
	go w.run()
	return w, nil
}

func listNames(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("watch: list %s: %w", dir, err)
	}
	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		names[entry.Name()] = true
	}
	return names, nil
}

// Pairs delivers settled session folders. It is closed by Close.
func (w *Watcher) Pairs() <-chan cohort.Pair { return w.pairs }

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.closeErr = w.fs.Close()
	})
	return w.closeErr
}

func (w *Watcher) run() {
	defer close(w.done)
	defer close(w.pairs)
	interval := w.settle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			if !w.flush() {
				return
			}
		}
	}
}

// handle records activity for the top-level folder that ev belongs to.
func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	rel, err := filepath.Rel(w.dir, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	top := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	if w.seen[top] {
		return
	}
	topPath := filepath.Join(w.dir, top)
	if rel == top {
		info, err := os.Stat(topPath)
		if err != nil || !info.IsDir() {
			// Removed again, or a plain file in the inbox.
			delete(w.pending, top)
			return
		}
	}
	if ev.Op&fsnotify.Create != 0 {
		w.addTree(ev.Name)
	}
	if _, ok := w.pending[top]; !ok {
		w.logger.Debug("new inbox folder", zap.String("folder", top))
	}
	w.pending[top] = w.now()
}

// addTree watches path and every directory below it, since fsnotify is not
// recursive.
func (w *Watcher) addTree(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fs.Add(p); err != nil {
			w.logger.Warn("watch folder", zap.String("folder", p), zap.Error(err))
		}
		return nil
	})
}

// flush emits folders quiet for the settle period. It returns false once the
// watcher is stopping.
func (w *Watcher) flush() bool {
	now := w.now()
	for top, last := range w.pending {
		if now.Sub(last) < w.settle {
			continue
		}
		delete(w.pending, top)
		if info, err := os.Stat(filepath.Join(w.dir, top)); err != nil || !info.IsDir() {
			continue
		}
		w.seen[top] = true
		pair, err := cohort.PairFromDicomDir(top)
		if err != nil {
			w.logger.Warn("ignoring inbox folder", zap.String("folder", top), zap.Error(err))
			continue
		}
		w.logger.Info("session settled", zap.String("folder", top), zap.String("subject", pair.Subject), zap.String("session", pair.Session))
		select {
		case w.pairs <- pair:
		case <-w.stop:
			return false
		}
	}
	return true
}
