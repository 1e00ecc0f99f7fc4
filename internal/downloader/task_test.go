package downloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdrop/pkgdrop/internal/engine/types"
)

func TestPlanChunks(t *testing.T) {
	tests := []struct {
		name     string
		total    int64
		n        int
		minChunk int64
		want     int
	}{
		{"even split", 4000, 4, 1, 4},
		{"small file collapses to one chunk", 100, 4, 1000, 1},
		{"min chunk shrinks count", 3000, 4, 1000, 3},
		{"single chunk requested", 5000, 1, 1, 1},
		{"zero chunks treated as one", 5000, 0, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := planChunks(tt.total, tt.n, tt.minChunk)
			require.Len(t, chunks, tt.want)

			// Chunks must tile [0, total) with no gaps or overlap.
			var offset, sum int64
			for i, c := range chunks {
				assert.Equal(t, i, c.ID)
				assert.Equal(t, offset, c.Offset)
				assert.Equal(t, types.ChunkPending, c.Status)
				offset += c.Length
				sum += c.Length
			}
			assert.Equal(t, tt.total, sum)
		})
	}
}

func TestPlanChunksZeroTotal(t *testing.T) {
	assert.Nil(t, planChunks(0, 4, 1))
	assert.Nil(t, planChunks(-1, 4, 1))
}

func testRuntime() *runtime {
	return &runtime{
		client:          newDownloadClient(4),
		chunksPerTask:   4,
		minChunkSize:    1,
		maxChunkRetries: 1,
		maxTaskRetries:  0,
		retryBaseDelay:  1,
		saveInterval:    1,
		save:            func(types.TaskSnapshot) {},
		notify:          func(any) {},
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	task := newTask(testRuntime(), "prod-1", "http://example.com/f", "/tmp/f", "f", 1000)
	task.snap.Chunks = planChunks(1000, 2, 1)

	snap := task.Snapshot()
	snap.Chunks[0].Downloaded = 999

	assert.Equal(t, int64(0), task.Snapshot().Chunks[0].Downloaded)
}

func TestRestoreTaskPausesInFlightDownloads(t *testing.T) {
	snap := types.TaskSnapshot{
		ID:        "t1",
		Status:    types.StatusDownloading,
		TotalSize: 1000,
		Chunks: []types.Chunk{
			{ID: 0, Offset: 0, Length: 500, Downloaded: 500, Status: types.ChunkDone},
			{ID: 1, Offset: 500, Length: 500, Downloaded: 100, Status: types.ChunkActive},
		},
	}

	task := restoreTask(testRuntime(), snap)
	got := task.Snapshot()

	assert.Equal(t, types.StatusPaused, got.Status)
	assert.Equal(t, types.PauseReasonShutdown, got.PauseReason)
	assert.Equal(t, types.ChunkDone, got.Chunks[0].Status)
	assert.Equal(t, types.ChunkPending, got.Chunks[1].Status, "active chunks come back pending")
	assert.Equal(t, int64(100), got.Chunks[1].Downloaded, "confirmed bytes are preserved")
}

func TestRestoreTaskTerminalStatusClosesDone(t *testing.T) {
	task := restoreTask(testRuntime(), types.TaskSnapshot{ID: "t1", Status: types.StatusCompleted})
	select {
	case <-task.Done():
	default:
		t.Fatal("done channel should be closed for a restored terminal task")
	}
}

func TestPauseQueuedTaskFlipsDirectly(t *testing.T) {
	task := newTask(testRuntime(), "", "http://example.com/f", "/tmp/f", "f", 1000)

	task.Pause(types.PauseReasonUser)

	snap := task.Snapshot()
	assert.Equal(t, types.StatusPaused, snap.Status)
	assert.Equal(t, types.PauseReasonUser, snap.PauseReason)

	// Pausing again is a no-op.
	task.Pause(types.PauseReasonShutdown)
	assert.Equal(t, types.PauseReasonUser, task.Snapshot().PauseReason)
}

func TestCancelQueuedTaskIsTerminal(t *testing.T) {
	task := newTask(testRuntime(), "", "http://example.com/f", "/tmp/f", "f", 1000)

	task.Cancel()

	assert.Equal(t, types.StatusCancelled, task.Status())
	select {
	case <-task.Done():
	default:
		t.Fatal("done channel should be closed after cancel")
	}
	assert.ErrorIs(t, task.Err(), ErrCancelled)
}

func TestRequeueOnlyFromPaused(t *testing.T) {
	task := newTask(testRuntime(), "", "http://example.com/f", "/tmp/f", "f", 1000)
	assert.False(t, task.requeue())

	task.Pause(types.PauseReasonUser)
	assert.True(t, task.requeue())
	assert.Equal(t, types.StatusQueued, task.Status())
	assert.Empty(t, task.Snapshot().PauseReason)
}

func TestRetryFailedResetsStateAndReplacesDone(t *testing.T) {
	task := newTask(testRuntime(), "", "http://example.com/f", "/tmp/f", "f", 1000)
	task.snap.Status = types.StatusFailed
	task.snap.LastError = "boom"
	task.snap.RetryCount = 2
	task.snap.Chunks = []types.Chunk{
		{ID: 0, Offset: 0, Length: 500, Downloaded: 500, Status: types.ChunkDone},
		{ID: 1, Offset: 500, Length: 500, Status: types.ChunkErrored},
	}
	task.terminalOnce = true
	close(task.terminal)
	oldDone := task.Done()

	require.True(t, task.retryFailed())

	snap := task.Snapshot()
	assert.Equal(t, types.StatusQueued, snap.Status)
	assert.Equal(t, 0, snap.RetryCount)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, types.ChunkDone, snap.Chunks[0].Status, "finished chunks are kept")
	assert.Equal(t, types.ChunkPending, snap.Chunks[1].Status)
	assert.NotEqual(t, oldDone, task.Done(), "a fresh run needs a fresh done channel")
}

func TestOnChunkProgressClampsToChunkLength(t *testing.T) {
	task := newTask(testRuntime(), "", "http://example.com/f", "/tmp/f", "f", 1000)
	task.snap.Chunks = []types.Chunk{{ID: 0, Offset: 0, Length: 100, Status: types.ChunkActive}}

	task.onChunkProgress(0, 60)
	task.onChunkProgress(0, 60) // would overshoot; clamped to the remaining 40

	snap := task.Snapshot()
	assert.Equal(t, int64(100), snap.Chunks[0].Downloaded)
	assert.Equal(t, int64(100), snap.Downloaded, "task counter tracks the sum of chunk counters")
}
