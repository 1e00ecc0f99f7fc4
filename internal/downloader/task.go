package downloader

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pkgdrop/pkgdrop/internal/engine/events"
	"github.com/pkgdrop/pkgdrop/internal/engine/types"
	"github.com/pkgdrop/pkgdrop/internal/logging"
)

// runtime carries the engine-level collaborators and tuning shared by all
// tasks. Constructed once by the engine and passed down; no globals.
type runtime struct {
	client          *http.Client
	chunksPerTask   int
	minChunkSize    int64
	maxChunkRetries int
	maxTaskRetries  int
	retryBaseDelay  time.Duration
	saveInterval    time.Duration
	userAgent       string
	save            func(types.TaskSnapshot)
	notify          func(msg any)
}

// Task owns the chunk plan for one file download and coordinates its chunk
// fetchers. All mutations of the aggregate counters go through t.mu, so chunk
// callbacks are serialized against the task's own state.
type Task struct {
	mu            sync.Mutex
	snap          types.TaskSnapshot
	rt            *runtime
	file          *os.File
	cancel        context.CancelFunc
	pausePending  string // pause reason, empty when no pause requested
	cancelPending bool
	lastErr       error
	lastSave      time.Time
	startedAt     time.Time
	terminal      chan struct{}
	terminalOnce  bool
	log           zerolog.Logger
}

func newTask(rt *runtime, productID, rawurl, destPath, filename string, totalSize int64) *Task {
	now := time.Now().Unix()
	snap := types.TaskSnapshot{
		ID:        uuid.NewString(),
		ProductID: productID,
		URL:       rawurl,
		DestPath:  destPath,
		Filename:  filename,
		TotalSize: totalSize,
		Status:    types.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &Task{
		snap:     snap,
		rt:       rt,
		terminal: make(chan struct{}),
		log:      logging.For("task").With().Str("task", snap.ID).Logger(),
	}
}

// restoreTask rebuilds a task from its persisted snapshot. A task that was
// downloading when the process died comes back as automatically paused, so a
// later ResumeAll picks it up.
func restoreTask(rt *runtime, snap types.TaskSnapshot) *Task {
	if snap.Status == types.StatusDownloading {
		snap.Status = types.StatusPaused
		snap.PauseReason = types.PauseReasonShutdown
	}
	for i := range snap.Chunks {
		if snap.Chunks[i].Status == types.ChunkActive {
			snap.Chunks[i].Status = types.ChunkPending
		}
	}
	t := &Task{
		snap:     snap,
		rt:       rt,
		terminal: make(chan struct{}),
		log:      logging.For("task").With().Str("task", snap.ID).Logger(),
	}
	if snap.Status.Terminal() {
		t.terminalOnce = true
		close(t.terminal)
	}
	return t
}

// ID returns the stable task id.
func (t *Task) ID() string {
	return t.snap.ID
}

// Status returns the current lifecycle status.
func (t *Task) Status() types.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.Status
}

// Snapshot returns a deep copy of the task state for persistence or display.
func (t *Task) Snapshot() types.TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() types.TaskSnapshot {
	snap := t.snap
	snap.Chunks = append([]types.Chunk(nil), t.snap.Chunks...)
	return snap
}

// Done returns a channel closed when the task reaches a terminal status.
// Pausing does not close it; requeueing a failed task replaces it.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}

// Err returns the preserved originating error for a failed or cancelled task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.snap.Status {
	case types.StatusFailed:
		if t.lastErr != nil {
			return t.lastErr
		}
		return fmt.Errorf("download failed: %s", t.snap.LastError)
	case types.StatusCancelled:
		return ErrCancelled
	}
	return nil
}

// planChunks partitions [0, total) into at most n independent ranges, keeping
// each at least minChunk bytes where possible.
func planChunks(total int64, n int, minChunk int64) []types.Chunk {
	if total <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	for n > 1 && total/int64(n) < minChunk {
		n--
	}

	chunkSize := total / int64(n)
	chunks := make([]types.Chunk, 0, n)
	var offset int64
	for i := 0; i < n; i++ {
		length := chunkSize
		if i == n-1 {
			length = total - offset
		}
		chunks = append(chunks, types.Chunk{
			ID:     i,
			Offset: offset,
			Length: length,
			Status: types.ChunkPending,
		})
		offset += length
	}
	return chunks
}

// Start moves the task from queued or paused into downloading and launches one
// worker per unfinished chunk. onSettled fires once the run quiesces, whether
// by completion, pause, cancellation or failure.
func (t *Task) Start(ctx context.Context, onSettled func()) error {
	t.mu.Lock()

	if t.snap.Status != types.StatusQueued && t.snap.Status != types.StatusPaused {
		status := t.snap.Status
		t.mu.Unlock()
		return fmt.Errorf("cannot start task in status %q", status)
	}

	t.pausePending = ""
	t.cancelPending = false
	t.snap.PauseReason = ""

	// A zero-size file has nothing to fetch; it is complete on arrival.
	if t.snap.TotalSize == 0 {
		t.snap.Status = types.StatusDownloading
		dest := t.snap.DestPath
		t.mu.Unlock()
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err == nil {
			if f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644); err == nil {
				f.Close()
			}
		}
		t.finish(onSettled)
		return nil
	}

	// Resuming reuses the saved plan verbatim; completed regions are never
	// re-partitioned.
	if len(t.snap.Chunks) == 0 {
		t.snap.Chunks = planChunks(t.snap.TotalSize, t.rt.chunksPerTask, t.rt.minChunkSize)
	}

	if err := os.MkdirAll(filepath.Dir(t.snap.DestPath), 0755); err != nil {
		t.mu.Unlock()
		return &IOError{Path: t.snap.DestPath, Err: err}
	}
	file, err := os.OpenFile(t.snap.DestPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.mu.Unlock()
		return &IOError{Path: t.snap.DestPath, Err: err}
	}
	if t.snap.Downloaded == 0 {
		if err := file.Truncate(t.snap.TotalSize); err != nil {
			file.Close()
			t.mu.Unlock()
			return &IOError{Path: t.snap.DestPath, Err: err}
		}
	}

	t.file = file
	t.snap.Status = types.StatusDownloading
	t.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	var pending []int
	for i := range t.snap.Chunks {
		if t.snap.Chunks[i].Status != types.ChunkDone {
			pending = append(pending, i)
		}
	}
	started := events.TaskStartedMsg{
		TaskID:   t.snap.ID,
		URL:      t.snap.URL,
		Filename: t.snap.Filename,
		Total:    t.snap.TotalSize,
	}
	t.mu.Unlock()

	t.save()
	t.rt.notify(started)
	t.log.Debug().Int("chunks", len(pending)).Int64("size", started.Total).Msg("Task starting")

	var wg sync.WaitGroup
	for _, idx := range pending {
		wg.Add(1)
		go func(chunkIdx int) {
			defer wg.Done()
			t.runChunk(runCtx, chunkIdx)
		}(idx)
	}

	go func() {
		wg.Wait()
		cancel()
		t.finish(onSettled)
	}()

	return nil
}

// runChunk drives one chunk to completion, retrying locally with backoff and
// consuming the task-level retry budget before failing the whole task.
func (t *Task) runChunk(ctx context.Context, idx int) {
	fetcher := &ChunkFetcher{
		Client:    t.rt.client,
		URL:       t.snap.URL,
		File:      t.file,
		UserAgent: t.rt.userAgent,
	}

	for {
		t.mu.Lock()
		chunk := t.snap.Chunks[idx]
		if chunk.Status == types.ChunkDone {
			t.mu.Unlock()
			return
		}
		t.snap.Chunks[idx].Status = types.ChunkActive
		t.mu.Unlock()

		err := t.fetchWithRetries(ctx, fetcher, idx)
		if err == nil {
			t.markChunkDone(idx)
			return
		}

		if ctx.Err() != nil {
			// Pause or cancel: leave the chunk resumable.
			t.mu.Lock()
			t.snap.Chunks[idx].Status = types.ChunkPending
			t.mu.Unlock()
			return
		}

		t.mu.Lock()
		if t.snap.RetryCount < t.rt.maxTaskRetries {
			t.snap.RetryCount++
			t.snap.Chunks[idx].Status = types.ChunkPending
			retryCount := t.snap.RetryCount
			t.mu.Unlock()
			t.log.Debug().Int("chunk", idx).Int("taskRetry", retryCount).Err(err).Msg("Restarting chunk")
			continue
		}
		t.snap.Chunks[idx].Status = types.ChunkErrored
		t.lastErr = err
		t.snap.LastError = err.Error()
		cancelRun := t.cancel
		t.mu.Unlock()

		t.log.Debug().Int("chunk", idx).Err(err).Msg("Chunk failed, stopping task")
		if cancelRun != nil {
			cancelRun()
		}
		return
	}
}

func (t *Task) fetchWithRetries(ctx context.Context, fetcher *ChunkFetcher, idx int) error {
	var lastErr error
	for attempt := 0; attempt < t.rt.maxChunkRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * t.rt.retryBaseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		t.mu.Lock()
		chunk := t.snap.Chunks[idx]
		t.mu.Unlock()

		lastErr = fetcher.Fetch(ctx, chunk.Offset, chunk.Length, chunk.Downloaded, func(delta int64) {
			t.onChunkProgress(idx, delta)
		})
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// onChunkProgress updates chunk and task counters under the task lock, keeping
// downloadedSize == sum of chunk progress at every moment.
func (t *Task) onChunkProgress(idx int, delta int64) {
	t.mu.Lock()
	chunk := &t.snap.Chunks[idx]
	if chunk.Downloaded+delta > chunk.Length {
		delta = chunk.Length - chunk.Downloaded
	}
	if delta <= 0 {
		t.mu.Unlock()
		return
	}
	chunk.Downloaded += delta
	t.snap.Downloaded += delta

	shouldSave := time.Since(t.lastSave) >= t.rt.saveInterval
	var snap types.TaskSnapshot
	if shouldSave {
		t.lastSave = time.Now()
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if shouldSave {
		t.rt.save(snap)
		t.rt.notify(events.TaskProgressMsg{
			TaskID:     snap.ID,
			Downloaded: snap.Downloaded,
			Total:      snap.TotalSize,
		})
	}
}

func (t *Task) markChunkDone(idx int) {
	t.mu.Lock()
	chunk := &t.snap.Chunks[idx]
	if diff := chunk.Length - chunk.Downloaded; diff != 0 {
		chunk.Downloaded = chunk.Length
		t.snap.Downloaded += diff
	}
	chunk.Status = types.ChunkDone
	t.mu.Unlock()
	t.save()
}

// finish resolves the run outcome once all chunk workers have stopped.
// The first terminal outcome wins; completion is only reachable from
// downloading with every chunk done.
func (t *Task) finish(onSettled func()) {
	t.mu.Lock()

	if t.file != nil {
		t.file.Sync()
		t.file.Close()
		t.file = nil
	}

	allDone := true
	for i := range t.snap.Chunks {
		if t.snap.Chunks[i].Status != types.ChunkDone {
			allDone = false
			break
		}
	}
	if t.snap.TotalSize == 0 {
		allDone = true
	}

	var msg any
	switch {
	case allDone:
		t.snap.Status = types.StatusCompleted
		t.closeTerminalLocked()
		msg = events.TaskCompletedMsg{
			TaskID:   t.snap.ID,
			Filename: t.snap.Filename,
			Total:    t.snap.TotalSize,
			Elapsed:  time.Since(t.startedAt),
		}
	case t.cancelPending:
		t.snap.Status = types.StatusCancelled
		t.closeTerminalLocked()
		msg = events.TaskCancelledMsg{TaskID: t.snap.ID}
	case t.pausePending != "":
		t.snap.Status = types.StatusPaused
		t.snap.PauseReason = t.pausePending
		t.pausePending = ""
		msg = events.TaskPausedMsg{
			TaskID:     t.snap.ID,
			Downloaded: t.snap.Downloaded,
			Reason:     t.snap.PauseReason,
		}
	default:
		t.snap.Status = types.StatusFailed
		t.closeTerminalLocked()
		msg = events.TaskFailedMsg{
			TaskID:   t.snap.ID,
			Filename: t.snap.Filename,
			Err:      t.lastErr,
		}
	}
	status := t.snap.Status
	t.mu.Unlock()

	t.save()
	t.rt.notify(msg)
	t.log.Debug().Str("status", string(status)).Msg("Task settled")
	if onSettled != nil {
		onSettled()
	}
}

func (t *Task) closeTerminalLocked() {
	if !t.terminalOnce {
		t.terminalOnce = true
		close(t.terminal)
	}
}

// Pause signals all active chunk fetchers to stop after their current buffered
// write. Idempotent: calling it while fetchers are already stopping is safe.
func (t *Task) Pause(reason string) {
	t.mu.Lock()
	switch t.snap.Status {
	case types.StatusQueued:
		// Not yet running; flip directly.
		t.snap.Status = types.StatusPaused
		t.snap.PauseReason = reason
		snap := t.snapshotLocked()
		t.mu.Unlock()
		t.rt.save(snap)
		t.rt.notify(events.TaskPausedMsg{TaskID: snap.ID, Downloaded: snap.Downloaded, Reason: reason})
		return
	case types.StatusDownloading:
		t.pausePending = reason
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	t.mu.Unlock()
}

// Cancel stops fetchers and marks the task cancelled. Partial file data is
// kept unless the task is also being deleted.
func (t *Task) Cancel() {
	t.mu.Lock()
	switch t.snap.Status {
	case types.StatusQueued, types.StatusPaused:
		t.snap.Status = types.StatusCancelled
		t.closeTerminalLocked()
		snap := t.snapshotLocked()
		t.mu.Unlock()
		t.rt.save(snap)
		t.rt.notify(events.TaskCancelledMsg{TaskID: snap.ID})
		return
	case types.StatusDownloading:
		t.cancelPending = true
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	t.mu.Unlock()
}

// requeue moves a paused task back to queued. Returns false if the task is in
// any other state.
func (t *Task) requeue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.Status != types.StatusPaused {
		return false
	}
	t.snap.Status = types.StatusQueued
	t.snap.PauseReason = ""
	return true
}

// retryFailed resets a failed task for a fresh attempt: errored chunks become
// pending again, the retry budget refills, and the terminal channel is
// replaced so a new Wait observes the new run.
func (t *Task) retryFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.Status != types.StatusFailed {
		return false
	}
	for i := range t.snap.Chunks {
		if t.snap.Chunks[i].Status == types.ChunkErrored {
			t.snap.Chunks[i].Status = types.ChunkPending
		}
	}
	t.snap.RetryCount = 0
	t.snap.LastError = ""
	t.lastErr = nil
	t.snap.Status = types.StatusQueued
	t.terminal = make(chan struct{})
	t.terminalOnce = false
	return true
}

func (t *Task) save() {
	t.mu.Lock()
	t.lastSave = time.Now()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.rt.save(snap)
}
