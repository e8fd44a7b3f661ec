package domain

import (
	"encoding/json"
	"time"
)

type State string

const (
	Waiting   State = "waiting"
	Delayed   State = "delayed"
	Active    State = "active"
	Completed State = "completed"
	Failed    State = "failed"
)

// MaxPriority bounds Job.Priority so the wait score (priority*1e12 + seq)
// stays exact in a float64.
const MaxPriority = 8192

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns how long to wait before the next attempt, given how many
// attempts have been made so far (>= 1). Exponential doubles from Delay:
// base, 2*base, 4*base...
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	shift := attemptsMade - 1
	if shift > 30 {
		shift = 30
	}
	return b.Delay * time.Duration(1<<shift)
}

type Job struct {
	ID           string            `json:"id"`
	Queue        string            `json:"queue"`
	Type         string            `json:"type"`
	Data         json.RawMessage   `json:"data"`
	AttemptsMade int               `json:"attemptsMade"`
	MaxAttempts  int               `json:"maxAttempts"`
	Priority     int               `json:"priority"`
	Delay        time.Duration     `json:"delay"`
	DedupID      string            `json:"dedupId,omitempty"`
	Backoff      Backoff           `json:"backoff"`
	Trace        map[string]string `json:"trace,omitempty"`
	StalledCount int               `json:"stalledCount"`
	State        State             `json:"state"`
	FailedReason string            `json:"failedReason,omitempty"`
	Token        string            `json:"-"`
	Duplicate    bool              `json:"duplicate,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ProcessedAt  time.Time         `json:"processedAt,omitempty"`
	FinishedAt   time.Time         `json:"finishedAt,omitempty"`
}

// Exhausted reports whether a failure after attemptsMade attempts is final.
func (j *Job) Exhausted(attemptsMade int) bool {
	return attemptsMade >= j.MaxAttempts
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

type DeadLetter struct {
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"jobId"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason"`
	FailedAt     time.Time       `json:"failedAt"`
}
