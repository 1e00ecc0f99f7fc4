package types

// TaskStatus is the lifecycle state of a download task.
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusDownloading TaskStatus = "downloading"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
)

// ChunkStatus is the state of a single byte range within a task.
type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkActive  ChunkStatus = "active"
	ChunkDone    ChunkStatus = "done"
	ChunkErrored ChunkStatus = "errored"
)

// Pause reasons. ResumeAll only restarts tasks paused automatically, so a
// user-initiated pause is never silently undone.
const (
	PauseReasonUser     = "user requested"
	PauseReasonShutdown = "application exiting"
)

// Chunk is a contiguous byte range of a file, downloaded independently.
// Downloaded never exceeds Length; a done chunk has Downloaded == Length.
type Chunk struct {
	ID         int         `json:"id"`
	Offset     int64       `json:"offset"`
	Length     int64       `json:"length"`
	Downloaded int64       `json:"downloaded"`
	Status     ChunkStatus `json:"status"`
}

// Remaining returns the number of bytes the chunk still needs.
func (c Chunk) Remaining() int64 {
	return c.Length - c.Downloaded
}

// TaskSnapshot is the persisted form of a download task. A saved-then-loaded
// snapshot resumes with identical chunk boundaries and byte offsets.
type TaskSnapshot struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"product_id"`
	URL         string     `json:"url"`
	DestPath    string     `json:"dest_path"`
	Filename    string     `json:"filename"`
	TotalSize   int64      `json:"total_size"`
	Downloaded  int64      `json:"downloaded"`
	Chunks      []Chunk    `json:"chunks"`
	Status      TaskStatus `json:"status"`
	PauseReason string     `json:"pause_reason,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// Progress returns the completed fraction in [0, 1].
func (s TaskSnapshot) Progress() float64 {
	if s.TotalSize <= 0 {
		if s.Status == StatusCompleted {
			return 1
		}
		return 0
	}
	p := float64(s.Downloaded) / float64(s.TotalSize)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Terminal reports whether the status is a final one.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
