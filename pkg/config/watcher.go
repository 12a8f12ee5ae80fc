package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomhq/loom/pkg/log"
)

// debounce coalesces the write+rename bursts editors and configmap mounts
// produce into one reload.
const debounce = 200 * time.Millisecond

// Watcher reloads the config file on change and hands valid snapshots to the
// registered callback. Invalid edits are logged and skipped; the previous
// snapshot stays active.
type Watcher struct {
	path     string
	onChange func(*Config)

	fw     *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher watches path. onChange runs on the watcher goroutine with each
// valid reloaded config.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{path: path, onChange: onChange, fw: fw, stopCh: make(chan struct{})}, nil
}

// Start launches the watch loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
	logger := log.WithComponent("config")
	logger.Info().Str("path", w.path).Msg("Config watcher started")
}

// Stop halts the loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fw.Close()
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			w.reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger := log.WithComponent("config")
			logger.Error().Err(err).Msg("Config watch error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	logger := log.WithComponent("config")
	if err != nil {
		logger.Error().
			Str("path", w.path).
			Err(err).
			Msg("Config reload rejected, keeping previous")
		return
	}
	logger.Info().Str("path", w.path).Msg("Config reloaded")
	w.onChange(cfg)
}
