package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{StatusQueued, false},
		{StatusDownloading, false},
		{StatusPaused, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.Terminal(), "status %s", tt.status)
	}
}

func TestSnapshotProgress(t *testing.T) {
	tests := []struct {
		name string
		snap TaskSnapshot
		want float64
	}{
		{"halfway", TaskSnapshot{TotalSize: 100, Downloaded: 50}, 0.5},
		{"complete", TaskSnapshot{TotalSize: 100, Downloaded: 100}, 1},
		{"overshoot clamps", TaskSnapshot{TotalSize: 100, Downloaded: 150}, 1},
		{"zero size pending", TaskSnapshot{TotalSize: 0}, 0},
		{"zero size completed", TaskSnapshot{TotalSize: 0, Status: StatusCompleted}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.snap.Progress())
		})
	}
}

func TestChunkRemaining(t *testing.T) {
	c := Chunk{Length: 1000, Downloaded: 300}
	assert.Equal(t, int64(700), c.Remaining())
}
