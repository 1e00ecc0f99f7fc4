package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pkgdrop/pkgdrop/internal/config"
	"github.com/pkgdrop/pkgdrop/internal/engine/events"
	"github.com/pkgdrop/pkgdrop/internal/engine/types"
	"github.com/pkgdrop/pkgdrop/internal/logging"
)

// Store is the durable task registry the engine persists through. All writes
// are funneled through the engine, one snapshot at a time.
type Store interface {
	Save(snap types.TaskSnapshot) error
	Load(id string) (types.TaskSnapshot, error)
	LoadAll() ([]types.TaskSnapshot, error)
	Delete(id string) error
}

// Engine owns the set of active and queued download tasks, enforces the global
// concurrency cap, and persists task state across restarts.
type Engine struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	order  []string // enqueue order, FIFO promotion
	active map[string]struct{}

	store  Store
	rt     *runtime
	cap    int
	events chan any
	ctx    context.Context
	log    zerolog.Logger
}

// New constructs an engine from settings and a registry. Collaborators are
// injected explicitly so tests can substitute fakes.
func New(ctx context.Context, store Store, settings *config.Settings) *Engine {
	if settings == nil {
		settings = config.DefaultSettings()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e := &Engine{
		tasks:  make(map[string]*Task),
		active: make(map[string]struct{}),
		store:  store,
		cap:    settings.Connections.MaxConcurrentDownloads,
		events: make(chan any, 128),
		ctx:    ctx,
		log:    logging.For("engine"),
	}
	if e.cap < 1 {
		e.cap = 1
	}

	maxConns := settings.Connections.MaxConcurrentDownloads * settings.Connections.ChunksPerTask
	if maxConns < 4 {
		maxConns = 4
	}

	e.rt = &runtime{
		client:          newDownloadClient(maxConns),
		chunksPerTask:   settings.Connections.ChunksPerTask,
		minChunkSize:    settings.Chunks.MinChunkSize,
		maxChunkRetries: settings.Performance.MaxChunkRetries,
		maxTaskRetries:  settings.Performance.MaxTaskRetries,
		retryBaseDelay:  settings.Performance.RetryBaseDelay,
		saveInterval:    settings.Performance.SaveInterval,
		userAgent:       settings.Connections.UserAgent,
		save:            e.saveTask,
		notify:          e.emit,
	}
	if e.rt.chunksPerTask < 1 {
		e.rt.chunksPerTask = DefaultChunksPerTask
	}
	if e.rt.minChunkSize < 1 {
		e.rt.minChunkSize = DefaultMinChunkSize
	}
	if e.rt.maxChunkRetries < 1 {
		e.rt.maxChunkRetries = defaultMaxChunkRetries
	}
	if e.rt.retryBaseDelay <= 0 {
		e.rt.retryBaseDelay = defaultRetryBaseDelay
	}
	if e.rt.saveInterval <= 0 {
		e.rt.saveInterval = defaultSaveInterval
	}

	return e
}

// Events returns the engine's event stream. Events are dropped, not blocked
// on, when no consumer keeps up.
func (e *Engine) Events() <-chan any {
	return e.events
}

func (e *Engine) emit(msg any) {
	select {
	case e.events <- msg:
	default:
		e.log.Debug().Type("msg", msg).Msg("Event dropped, no consumer")
	}
}

func (e *Engine) saveTask(snap types.TaskSnapshot) {
	if err := e.store.Save(snap); err != nil {
		e.log.Error().Err(err).Str("task", snap.ID).Msg("Failed to persist task state")
	}
}

// Add probes the URL and enqueues a new download into destDir. Returns the new
// task id. Promotion to downloading happens immediately if the engine is under
// its concurrency cap.
func (e *Engine) Add(ctx context.Context, productID, rawurl, destDir string) (string, error) {
	probe, err := Probe(ctx, e.rt.client, rawurl, e.rt.userAgent)
	if err != nil {
		return "", fmt.Errorf("probe failed: %w", err)
	}

	destPath := destDir
	if info, err := os.Stat(destDir); err == nil && info.IsDir() {
		destPath = filepath.Join(destDir, probe.Filename)
	} else if destDir == "" || destDir[len(destDir)-1] == filepath.Separator {
		destPath = filepath.Join(destDir, probe.Filename)
	}

	return e.AddSized(productID, rawurl, destPath, probe.Filename, probe.FileSize)
}

// AddSized enqueues a download whose total size is already known, skipping the
// probe. Used when sizes come from a catalog or a remediation manifest.
func (e *Engine) AddSized(productID, rawurl, destPath, filename string, totalSize int64) (string, error) {
	if filename == "" {
		filename = filepath.Base(destPath)
	}
	t := newTask(e.rt, productID, rawurl, destPath, filename, totalSize)

	e.mu.Lock()
	e.tasks[t.ID()] = t
	e.order = append(e.order, t.ID())
	e.mu.Unlock()

	e.saveTask(t.Snapshot())
	e.emit(events.TaskQueuedMsg{TaskID: t.ID(), Filename: filename})
	e.log.Debug().Str("task", t.ID()).Str("url", rawurl).Msg("Task enqueued")

	e.promote()
	return t.ID(), nil
}

// promote starts queued tasks, FIFO by enqueue order, while the number of
// active tasks is below the global cap.
func (e *Engine) promote() {
	for {
		e.mu.Lock()
		if len(e.active) >= e.cap {
			e.mu.Unlock()
			return
		}
		var next *Task
		for _, id := range e.order {
			if _, running := e.active[id]; running {
				continue
			}
			t := e.tasks[id]
			if t != nil && t.Status() == types.StatusQueued {
				next = t
				break
			}
		}
		if next == nil {
			e.mu.Unlock()
			return
		}
		id := next.ID()
		e.active[id] = struct{}{}
		e.mu.Unlock()

		if err := next.Start(e.ctx, func() { e.onSettled(id) }); err != nil {
			e.log.Error().Err(err).Str("task", id).Msg("Failed to start task")
			e.mu.Lock()
			delete(e.active, id)
			e.mu.Unlock()
		}
	}
}

// onSettled releases the task's admission slot and promotes the next queued
// task, if any.
func (e *Engine) onSettled(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
	e.promote()
}

// ActiveCount returns the number of tasks currently holding an admission slot.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) task(id string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", id)
	}
	return t, nil
}

// Pause pauses one task with the given reason.
func (e *Engine) Pause(id, reason string) error {
	t, err := e.task(id)
	if err != nil {
		return err
	}
	t.Pause(reason)
	return nil
}

// Resume requeues one paused task regardless of why it was paused.
func (e *Engine) Resume(id string) error {
	t, err := e.task(id)
	if err != nil {
		return err
	}
	if !t.requeue() {
		return fmt.Errorf("task %q is not paused", id)
	}
	e.saveTask(t.Snapshot())
	e.emit(events.TaskResumedMsg{TaskID: id})
	e.promote()
	return nil
}

// Cancel stops one task. The persisted record is retained for history.
func (e *Engine) Cancel(id string) error {
	t, err := e.task(id)
	if err != nil {
		return err
	}
	t.Cancel()
	return nil
}

// Remove cancels a task and deletes its persisted record.
func (e *Engine) Remove(id string) error {
	t, err := e.task(id)
	if err != nil {
		return err
	}
	t.Cancel()

	e.mu.Lock()
	delete(e.tasks, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	return e.store.Delete(id)
}

// Retry resets a failed task and requeues it.
func (e *Engine) Retry(id string) error {
	t, err := e.task(id)
	if err != nil {
		return err
	}
	if !t.retryFailed() {
		return fmt.Errorf("task %q is not failed", id)
	}
	e.saveTask(t.Snapshot())
	e.emit(events.TaskResumedMsg{TaskID: id})
	e.promote()
	return nil
}

// PauseAll pauses every task currently downloading. Used on process-exit
// requests so no progress is lost.
func (e *Engine) PauseAll(reason string) {
	e.mu.Lock()
	var downloading []*Task
	for _, t := range e.tasks {
		if t.Status() == types.StatusDownloading {
			downloading = append(downloading, t)
		}
	}
	e.mu.Unlock()

	for _, t := range downloading {
		t.Pause(reason)
	}
}

// ResumeAll requeues every task whose pause was automatic. User-initiated
// pauses are left alone.
func (e *Engine) ResumeAll() {
	e.mu.Lock()
	var eligible []*Task
	for _, id := range e.order {
		t := e.tasks[id]
		if t == nil {
			continue
		}
		snap := t.Snapshot()
		if snap.Status == types.StatusPaused && snap.PauseReason != types.PauseReasonUser {
			eligible = append(eligible, t)
		}
	}
	e.mu.Unlock()

	for _, t := range eligible {
		if t.requeue() {
			e.saveTask(t.Snapshot())
			e.emit(events.TaskResumedMsg{TaskID: t.ID()})
		}
	}
	e.promote()
}

// Restore loads persisted tasks back into memory after a restart. In-flight
// downloads come back paused with their chunk plans intact; call ResumeAll to
// continue them.
func (e *Engine) Restore() error {
	snaps, err := e.store.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load task registry: %w", err)
	}

	e.mu.Lock()
	for _, snap := range snaps {
		if _, exists := e.tasks[snap.ID]; exists {
			continue
		}
		t := restoreTask(e.rt, snap)
		e.tasks[snap.ID] = t
		e.order = append(e.order, snap.ID)
	}
	e.mu.Unlock()

	e.log.Debug().Int("tasks", len(snaps)).Msg("Task registry restored")
	return nil
}

// List returns snapshots of all known tasks in enqueue order.
func (e *Engine) List() []types.TaskSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.TaskSnapshot, 0, len(e.order))
	for _, id := range e.order {
		if t := e.tasks[id]; t != nil {
			out = append(out, t.Snapshot())
		}
	}
	return out
}

// Status returns the snapshot for a single task.
func (e *Engine) Status(id string) (types.TaskSnapshot, error) {
	t, err := e.task(id)
	if err != nil {
		return types.TaskSnapshot{}, err
	}
	return t.Snapshot(), nil
}

// Wait blocks until the task reaches a terminal status or ctx is done, and
// returns the task's terminal error, if any. A paused task keeps Wait blocked
// until it is resumed and finishes.
func (e *Engine) Wait(ctx context.Context, id string) error {
	t, err := e.task(id)
	if err != nil {
		return err
	}
	for {
		done := t.Done()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			status := t.Status()
			if status.Terminal() {
				return t.Err()
			}
			// Terminal channel was replaced by a retry; wait again.
		}
	}
}
