package trigger

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceWindow coalesces the burst of events editors emit per save.
const debounceWindow = 500 * time.Millisecond

// Watcher reloads and re-dispatches a pipeline when its file changes.
type Watcher struct {
	path     string
	dispatch DispatchFunc
	onReload func() error
}

// NewWatcher creates a watcher for the pipeline file at path. onReload
// is called before dispatching so the caller can re-parse the file; a
// reload error skips the dispatch.
func NewWatcher(path string, onReload func() error, dispatch DispatchFunc) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch path: %w", err)
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch function is required")
	}
	return &Watcher{path: abs, dispatch: dispatch, onReload: onReload}, nil
}

// Watch blocks until ctx is cancelled, dispatching a run on each change
// to the pipeline file. The parent directory is watched because editors
// replace files via rename, which drops a watch on the file itself.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	log.Info().Str("path", w.path).Msg("watching pipeline file")

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.fire(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) fire(ctx context.Context) {
	if w.onReload != nil {
		if err := w.onReload(); err != nil {
			log.Error().Err(err).Msg("pipeline reload failed, keeping previous definition")
			return
		}
	}

	log.Info().Str("path", w.path).Msg("pipeline file changed, dispatching run")
	if err := w.dispatch(ctx, RunRequest{Kind: "watch"}); err != nil {
		log.Warn().Err(err).Msg("watch dispatch refused")
	}
}
