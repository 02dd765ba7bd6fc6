package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher delivers commands written to <dir>/cmd.txt. It uses fsnotify and
// falls back to polling the file's mtime when notifications are unavailable.
type Watcher struct {
	dir     string
	handle  func(Command)
	log     zerolog.Logger
	poll    time.Duration
	settle  time.Duration
	lastRun time.Time
}

// NewWatcher creates a watcher that calls handle for every command.
func NewWatcher(dir string, handle func(Command), log zerolog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		handle: handle,
		log:    log,
		poll:   time.Second,
		settle: 50 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled. A command already pending when Run
// starts is executed.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	w.consume()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn().Err(err).Msg("fsnotify not available, falling back to polling")
		w.runPolling(ctx)
		return nil
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.log.Warn().Err(err).Msg("failed to close watcher")
		}
	}()

	if err := watcher.Add(w.dir); err != nil {
		w.log.Warn().Err(err).Msg("failed to watch state directory, falling back to polling")
		w.runPolling(ctx)
		return nil
	}
	w.log.Debug().Str("dir", w.dir).Msg("command watcher started")

	cmdPath := filepath.Join(w.dir, CommandFile)
	pollTicker := time.NewTicker(w.poll)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				w.log.Warn().Msg("fsnotify watcher closed, switching to polling")
				w.runPolling(ctx)
				return nil
			}
			if event.Name == cmdPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.sleep(ctx)
				w.consume()
			}

		case <-pollTicker.C:
			w.pollOnce(ctx, cmdPath)

		case err, ok := <-watcher.Errors:
			if !ok {
				w.log.Warn().Msg("fsnotify error channel closed, switching to polling")
				w.runPolling(ctx)
				return nil
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (w *Watcher) runPolling(ctx context.Context) {
	w.log.Info().Dur("interval", w.poll).Msg("command watcher polling")
	cmdPath := filepath.Join(w.dir, CommandFile)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx, cmdPath)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context, cmdPath string) {
	fi, err := os.Stat(cmdPath)
	if err != nil || fi.Size() == 0 || !fi.ModTime().After(w.lastRun) {
		return
	}
	w.sleep(ctx)
	w.consume()
}

// sleep gives a writer time to finish before the file is read.
func (w *Watcher) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.settle):
	}
}

func (w *Watcher) consume() {
	w.lastRun = time.Now()
	cmd, err := ReadCommand(w.dir)
	var unknown *UnknownCommandError
	if errors.As(err, &unknown) {
		w.log.Warn().Str("input", unknown.Input).Msg("unknown command ignored")
		return
	}
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to read command file")
		return
	}
	if cmd == "" {
		return
	}
	w.log.Info().Str("command", string(cmd)).Msg("received command")
	w.handle(cmd)
}
