package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/slicewise/slicewise/logging"
)

// debounceInterval collapses the bursts of events editors and atomic saves emit for
// one logical write.
const debounceInterval = 50 * time.Millisecond

// A Watcher watches a config file for changes and delivers each successfully re-read
// config. A write that fails to parse or validate is logged and dropped, so the
// consumer keeps running on the previous config.
type Watcher struct {
	configCh chan *Config
	watcher  *fsnotify.Watcher
	cancel   func()
	done     chan struct{}
	logger   logging.Logger
}

// NewWatcher returns a watcher for the config at filePath. The parent directory is
// watched rather than the file itself so that atomic saves, which replace the inode,
// keep being seen.
func NewWatcher(filePath string, logger logging.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(filePath)); err != nil {
		goutils.UncheckedError(fsWatcher.Close())
		return nil, errors.Wrapf(err, "cannot watch config directory for %s", filePath)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		configCh: make(chan *Config),
		watcher:  fsWatcher,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logger,
	}

	goutils.PanicCapturingGo(func() {
		defer close(w.done)
		w.watch(cancelCtx, filePath)
	})
	return w, nil
}

func (w *Watcher) watch(ctx context.Context, filePath string) {
	debounced := debounce.New(debounceInterval)
	reload := func() {
		cfg, err := Read(filePath, w.logger)
		if err != nil {
			w.logger.Errorw("reload failed; keeping previous config", "path", filePath, "error", err)
			return
		}
		w.logger.Infow("config reloaded", "path", filePath)
		select {
		case w.configCh <- cfg:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(filePath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			debounced(reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorw("config watcher error", "error", err)
		}
	}
}

// Config returns the channel of new configs.
func (w *Watcher) Config() <-chan *Config {
	return w.configCh
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}
