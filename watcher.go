// watcher.go: Polling watcher for profile files
//
// The watcher polls the registry file and every item content file. Changes
// seen in one poll round are delivered together, so an editor rewriting
// several files triggers a single regeneration.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// ChangeEvent represents a file change notification
type ChangeEvent struct {
	Path     string
	ModTime  time.Time
	Size     int64
	IsCreate bool
	IsDelete bool
	SeenAt   time.Time
}

// fileStat is the last observed state of a watched file.
type fileStat struct {
	modTime time.Time
	size    int64
	exists  bool
}

// Watcher polls a set of files and reports changes in batches.
type Watcher struct {
	interval time.Duration
	onChange func([]ChangeEvent)
	onError  ErrorHandler
	audit    *AuditLogger

	mu    sync.Mutex
	files map[string]fileStat

	running   atomic.Bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewWatcher creates a watcher calling onChange with every non-empty batch.
func NewWatcher(interval time.Duration, onChange func([]ChangeEvent), onError ErrorHandler, audit *AuditLogger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		interval: interval,
		onChange: onChange,
		onError:  onError,
		audit:    audit,
		files:    make(map[string]fileStat),
	}
}

// Watch adds path. A missing file is watched for creation.
func (w *Watcher) Watch(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, "invalid file path").
			WithContext("path", path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[absPath]; !ok {
		w.files[absPath] = statFile(absPath)
	}
	return nil
}

// SetFiles replaces the watch list, keeping state for paths that stay.
func (w *Watcher) SetFiles(paths []string) error {
	next := make(map[string]fileStat, len(paths))
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		absPath, err := filepath.Abs(p)
		if err != nil {
			return errors.Wrap(err, ErrCodeInvalidConfig, "invalid file path").
				WithContext("path", p)
		}
		if st, ok := w.files[absPath]; ok {
			next[absPath] = st
		} else {
			next[absPath] = statFile(absPath)
		}
	}
	w.files = next
	return nil
}

// WatchedFiles returns the watched paths, sorted.
func (w *Watcher) WatchedFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.files))
	for p := range w.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Start begins polling.
func (w *Watcher) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New(ErrCodeWatcherBusy, "watcher is already running")
	}
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	go w.watchLoop()
	return nil
}

// Stop stops polling and waits for the loop to exit.
func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return errors.New(ErrCodeWatcherStopped, "watcher is not running")
	}
	close(w.stopCh)
	<-w.stoppedCh
	return nil
}

// IsRunning returns true if the watcher is currently running
func (w *Watcher) IsRunning() bool {
	return w.running.Load()
}

func (w *Watcher) watchLoop() {
	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll checks every file once and delivers the batch of changes, if any.
func (w *Watcher) Poll() []ChangeEvent {
	now := timecache.CachedTime()

	w.mu.Lock()
	var events []ChangeEvent
	for path, last := range w.files {
		current := statFile(path)
		switch {
		case last.exists && !current.exists:
			events = append(events, ChangeEvent{Path: path, IsDelete: true, SeenAt: now})
		case !last.exists && current.exists:
			events = append(events, ChangeEvent{Path: path, ModTime: current.modTime, Size: current.size, IsCreate: true, SeenAt: now})
		case current.exists && (!current.modTime.Equal(last.modTime) || current.size != last.size):
			events = append(events, ChangeEvent{Path: path, ModTime: current.modTime, Size: current.size, SeenAt: now})
		}
		w.files[path] = current
	}
	w.mu.Unlock()

	if len(events) == 0 {
		return nil
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	for _, e := range events {
		w.audit.LogFileWatch("file_changed", e.Path)
	}
	w.deliver(events)
	return events
}

func (w *Watcher) deliver(events []ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.audit.LogFileWatch("callback_panic", events[0].Path)
			if w.onError != nil {
				w.onError(errors.New(ErrCodeInvalidConfig, "watch callback panicked").
					WithContext("panic", r), events[0].Path)
			}
		}
	}()
	if w.onChange != nil {
		w.onChange(events)
	}
}

func statFile(path string) fileStat {
	info, err := os.Stat(path)
	if err != nil {
		return fileStat{}
	}
	return fileStat{modTime: info.ModTime(), size: info.Size(), exists: true}
}

// ProfileWatcher reloads the profile registry and re-applies the
// configuration when profile files change on disk.
type ProfileWatcher struct {
	coordinator *Coordinator
	watcher     *Watcher
	ctx         context.Context
	onReload    func(Profiles)
}

// NewProfileWatcher watches the registry file and item contents known to
// coordinator. Cycles run on the coordinator pool, which must be started.
func NewProfileWatcher(ctx context.Context, coordinator *Coordinator) (*ProfileWatcher, error) {
	pw := &ProfileWatcher{coordinator: coordinator, ctx: ctx}
	cfg := coordinator.Config()
	pw.watcher = NewWatcher(cfg.WatchInterval, pw.handle, cfg.ErrorHandler, coordinator.audit)
	if err := pw.refresh(); err != nil {
		return nil, err
	}
	return pw, nil
}

// Watcher returns the underlying poller.
func (pw *ProfileWatcher) Watcher() *Watcher { return pw.watcher }

// Start begins polling.
func (pw *ProfileWatcher) Start() error { return pw.watcher.Start() }

// Stop stops polling.
func (pw *ProfileWatcher) Stop() error { return pw.watcher.Stop() }

// OnReload registers fn to run after the registry is reloaded from disk.
// Call it before Start.
func (pw *ProfileWatcher) OnReload(fn func(Profiles)) { pw.onReload = fn }

func (pw *ProfileWatcher) refresh() error {
	store := pw.coordinator.Store()
	paths := []string{store.IndexPath()}
	for _, item := range pw.coordinator.Registry().Profiles().Latest().Value().Items {
		if item.File == "" {
			continue
		}
		if p, err := store.ContentPath(item); err == nil {
			paths = append(paths, p)
		}
	}
	return pw.watcher.SetFiles(paths)
}

func (pw *ProfileWatcher) handle(events []ChangeEvent) {
	store := pw.coordinator.Store()
	cfg := pw.coordinator.Config()
	index, _ := filepath.Abs(store.IndexPath())

	for _, e := range events {
		if e.Path != index || e.IsDelete {
			continue
		}
		profiles, err := store.Load()
		if err != nil {
			cfg.handleError(err, e.Path)
			return
		}
		if _, err := pw.coordinator.Registry().Profiles().Replace(profiles); err != nil {
			cfg.handleError(err, e.Path)
			return
		}
		if err := pw.refresh(); err != nil {
			cfg.handleError(err, e.Path)
		}
		if pw.onReload != nil {
			pw.onReload(profiles)
		}
		break
	}

	if _, err := pw.coordinator.ApplyAsync(pw.ctx); err != nil {
		cfg.handleError(err, events[0].Path)
	}
}
