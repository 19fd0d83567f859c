// Package watch mirrors an operator sentinel file into the durable kill
// switch. Creating the file halts sending; removing it resumes.
package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Actor is recorded on kill-switch events written by the watcher.
const Actor = "sentinel-file"

const maxReasonBytes = 512

// Switch is the part of the startup gate the watcher drives.
type Switch interface {
	Activate(ctx context.Context, reason, actor string) error
	Deactivate(ctx context.Context, actor string) error
}

// SentinelWatcher watches a single file path. The parent directory is
// watched so the file may be created after Start.
type SentinelWatcher struct {
	path    string
	sw      Switch
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	present bool
}

// NewSentinelWatcher creates a watcher for path. The parent directory must
// exist.
func NewSentinelWatcher(path string, sw Switch) (*SentinelWatcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("watch: sentinel path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &SentinelWatcher{path: abs, sw: sw, watcher: w}, nil
}

// Path returns the absolute sentinel path.
func (w *SentinelWatcher) Path() string { return w.path }

// Start syncs the current state of the file and then blocks, applying
// changes until ctx is canceled or the watcher is stopped. A missing file
// at start does not deactivate a switch that was turned on elsewhere.
func (w *SentinelWatcher) Start(ctx context.Context) {
	if _, err := os.Stat(w.path); err == nil {
		w.apply(ctx, true)
	}
	log.Info().Str("path", w.path).Msg("watching kill-switch sentinel")

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("sentinel watcher error")
		case <-ctx.Done():
			return
		}
	}
}

func (w *SentinelWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.apply(ctx, true)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// a rename onto the path arrives as Create; away from it, as Rename
		if _, err := os.Stat(w.path); err != nil {
			w.apply(ctx, false)
		}
	}
}

func (w *SentinelWatcher) apply(ctx context.Context, present bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if present == w.present {
		return
	}

	var err error
	if present {
		err = w.sw.Activate(ctx, w.reason(), Actor)
	} else {
		err = w.sw.Deactivate(ctx, Actor)
	}
	if err != nil {
		log.Error().Err(err).Bool("present", present).Str("path", w.path).Msg("apply sentinel state")
		return
	}
	w.present = present
	log.Warn().Bool("kill_switch", present).Str("path", w.path).Msg("kill switch mirrored from sentinel file")
}

// reason is the first bytes of the sentinel file, or a default.
func (w *SentinelWatcher) reason() string {
	f, err := os.Open(w.path)
	if err == nil {
		defer f.Close()
		b, _ := io.ReadAll(io.LimitReader(f, maxReasonBytes))
		if s := strings.TrimSpace(string(b)); s != "" {
			return s
		}
	}
	return "sentinel file present: " + w.path
}

// Stop releases the underlying watcher. Safe to call more than once.
func (w *SentinelWatcher) Stop() error {
	return w.watcher.Close()
}
