// Package events defines the typed messages the download engine emits and the
// progress callback surface exposed to callers.
package events

import "time"

// Progress is the callback surface exposed to the UI layer. Implementations
// must tolerate being called from the engine's goroutines.
type Progress func(fraction float64, label string)

// Emit invokes the callback with the fraction clamped to [0, 1]. Safe on nil.
func (p Progress) Emit(fraction float64, label string) {
	if p == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	p(fraction, label)
}

// SubRange returns a Progress that maps [0, 1] into [lo, hi] of the parent.
// Used to fold the remediation download into the overall install progress.
func (p Progress) SubRange(lo, hi float64) Progress {
	if p == nil {
		return nil
	}
	return func(fraction float64, label string) {
		p.Emit(lo+fraction*(hi-lo), label)
	}
}

// TaskQueuedMsg is sent when a task is accepted into the queue.
type TaskQueuedMsg struct {
	TaskID   string
	Filename string
}

// TaskStartedMsg is sent when a task actually starts downloading.
type TaskStartedMsg struct {
	TaskID   string
	URL      string
	Filename string
	Total    int64
}

// TaskProgressMsg is a periodic progress update for one task.
type TaskProgressMsg struct {
	TaskID     string
	Downloaded int64
	Total      int64
}

// TaskPausedMsg is sent once a paused task has quiesced and saved its state.
type TaskPausedMsg struct {
	TaskID     string
	Downloaded int64
	Reason     string
}

// TaskResumedMsg is sent when a paused task is requeued.
type TaskResumedMsg struct {
	TaskID string
}

// TaskCompletedMsg signals successful completion. Emitted exactly once per task.
type TaskCompletedMsg struct {
	TaskID   string
	Filename string
	Total    int64
	Elapsed  time.Duration
}

// TaskFailedMsg signals terminal failure with the originating error preserved.
type TaskFailedMsg struct {
	TaskID   string
	Filename string
	Err      error
}

// TaskCancelledMsg signals cancellation. Partial file data is kept on disk.
type TaskCancelledMsg struct {
	TaskID string
}
