package worklog

import (
	"time"

	"github.com/suPer8Hu/worklog/internal/platform"
)

type PlatformStatus string

const (
	StatusSummarized    PlatformStatus = "summarized"
	StatusEmptyActivity PlatformStatus = "empty_activity"
	StatusFailed        PlatformStatus = "failed"
)

// PlatformResult is the outcome of one platform within a run.
type PlatformResult struct {
	Platform platform.Platform `json:"platform"`
	Status   PlatformStatus    `json:"status"`
	Items    int               `json:"items"`
	// Digest is the text sent for summarization (empty for placeholders).
	Digest string `json:"-"`
	Err    error  `json:"-"`
}

// Job is one collection run for (user, date). It is not persisted.
type Job struct {
	ID         string                               `json:"job_id"` // ULID
	UserID     uint64                               `json:"user_id"`
	TargetDate time.Time                            `json:"-"`
	Results    map[platform.Platform]PlatformResult `json:"results"`
	Daily      *DailyWorkLog                        `json:"daily,omitempty"`
	StartedAt  time.Time                            `json:"started_at"`
	FinishedAt time.Time                            `json:"finished_at"`
}

func (j *Job) Key() Key { return NewKey(j.UserID, j.TargetDate) }

// Failed lists the platforms whose step failed, in collection order.
func (j *Job) Failed() []platform.Platform {
	var out []platform.Platform
	for _, p := range platform.Collected() {
		if r, ok := j.Results[p]; ok && r.Status == StatusFailed {
			out = append(out, p)
		}
	}
	return out
}
