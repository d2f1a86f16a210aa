package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	JobStatusReceived   = "received"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

// Job records one pipeline invocation for a single source object.
type Job struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	SourceBucket   string     `json:"source_bucket"`
	SourceKey      string     `json:"source_key"`
	SourceSize     int64      `json:"source_size,omitempty"`
	EventName      string     `json:"event_name,omitempty"`
	OutputBucket   string     `json:"output_bucket,omitempty"`
	OutputKey      string     `json:"output_key,omitempty"`
	Width          int        `json:"width,omitempty"`
	Height         int        `json:"height,omitempty"`
	PersonPixels   int        `json:"person_pixels,omitempty"`
	Saturated      int        `json:"saturated,omitempty"`
	FailureStage   string     `json:"failure_stage,omitempty"`
	FailureMessage string     `json:"failure_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// JobOutcome is what a successful run reports back to the job store.
type JobOutcome struct {
	OutputBucket string
	OutputKey    string
	Width        int
	Height       int
	PersonPixels int
	Saturated    int
}

func NewJob(id string, ref ObjectRef, now time.Time) Job {
	now = now.UTC()
	return Job{
		ID:           id,
		Status:       JobStatusReceived,
		SourceBucket: ref.Bucket,
		SourceKey:    ref.Key,
		SourceSize:   ref.Size,
		EventName:    ref.EventName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.SourceBucket) == "" {
		return errors.New("source bucket is required")
	}
	if strings.TrimSpace(j.SourceKey) == "" {
		return errors.New("source key is required")
	}
	if !ValidJobStatus(j.Status) {
		return errors.New("unknown job status: " + j.Status)
	}
	return nil
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

func ValidJobStatus(status string) bool {
	switch status {
	case JobStatusReceived, JobStatusQueued, JobStatusProcessing, JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}
