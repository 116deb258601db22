package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// fileWatcher fires file-trigger jobs on filesystem events. One fsnotify
// watcher is shared; jobs register the paths they care about.
type fileWatcher struct {
	scheduler *Scheduler
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*model.Job // job id -> job

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newFileWatcher(s *Scheduler, logger *slog.Logger) *fileWatcher {
	return &fileWatcher{
		scheduler: s,
		logger:    logger.With("component", "scheduler.filewatch"),
		jobs:      make(map[string]*model.Job),
	}
}

func (w *fileWatcher) start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "fileWatcher", "start", "create watcher")
	}
	w.watcher = watcher
	w.done = make(chan struct{})
	go w.run(ctx)
	return nil
}

func (w *fileWatcher) stop() {
	if w.watcher == nil {
		return
	}
	w.watcher.Close()
	<-w.done
}

func (w *fileWatcher) watch(job *model.Job) error {
	trigger := job.Trigger.File
	if err := w.addPath(trigger.Path, trigger.Recursive); err != nil {
		return err
	}
	w.mu.Lock()
	w.jobs[job.ID] = job
	w.mu.Unlock()
	return nil
}

func (w *fileWatcher) unwatch(id string) {
	w.mu.Lock()
	delete(w.jobs, id)
	w.mu.Unlock()
}

func (w *fileWatcher) addPath(path string, recursive bool) error {
	if w.watcher == nil {
		return nil
	}
	if err := w.watcher.Add(path); err != nil {
		return errors.WrapValidation(err, "fileWatcher", "addPath", path)
	}
	if !recursive {
		return nil
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || p == path {
			return err
		}
		return w.watcher.Add(p)
	})
}

func (w *fileWatcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.dispatch(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// dispatch fires every job whose trigger covers the changed path.
func (w *fileWatcher) dispatch(ctx context.Context, event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	matched := make([]*model.Job, 0, 1)
	for _, job := range w.jobs {
		if jobMatchesPath(job.Trigger.File, event.Name) {
			matched = append(matched, job)
		}
	}
	w.mu.Unlock()

	for _, job := range matched {
		w.logger.Info("file trigger fired", "job", job.Name, "path", event.Name)
		w.scheduler.fire(ctx, job)
	}
}

func jobMatchesPath(trigger *model.FileTrigger, path string) bool {
	if trigger.Pattern == "" {
		return true
	}
	ok, err := filepath.Match(trigger.Pattern, filepath.Base(path))
	return err == nil && ok
}
