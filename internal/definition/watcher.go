package definition

import (
	"context"
	"path/filepath"
	"time"

	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/logger"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a FileStore when its file changes and hands the changed
// uids to a callback.
type Watcher struct {
	store    *FileStore
	log      logger.Logger
	onChange func(uids []string)
	debounce time.Duration
}

func NewWatcher(store *FileStore, log logger.Logger, onChange func(uids []string)) *Watcher {
	return &Watcher{
		store:    store,
		log:      log,
		onChange: onChange,
		debounce: defaultDebounce,
	}
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors replacing the file are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	errFactory := errors.New()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	defer watcher.Close()

	path := filepath.Clean(w.store.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	w.log.Info().Str("path", path).Msg("Definitions watcher started")

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("Definitions watcher error")

		case <-ctx.Done():
			w.log.Info().Msg("Definitions watcher stopped")
			return nil
		}
	}
}

func (w *Watcher) reload() {
	changed, err := w.store.Reload()
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to reload the KPI definitions, keeping the previous ones")
		return
	}
	if len(changed) == 0 {
		return
	}

	w.log.Info().Strs("uids", changed).Msg("KPI definitions changed")
	w.onChange(changed)
}
