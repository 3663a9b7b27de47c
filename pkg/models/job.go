package models

import (
	"encoding/json"
	"time"
)

// JobStatus is owned exclusively by the job queue
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether the job has finished
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// Job is one automation task bound to a session
type Job struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	SessionID      string          `json:"sessionId"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Error          string          `json:"error,omitempty"`
	ResumeAttempts int             `json:"resumeAttempts"`
	ClaimedBy      string          `json:"-"`
	ClaimedAt      *time.Time      `json:"-"`
	AvailableAt    time.Time       `json:"availableAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

// EnqueueJobRequest is the payload for POST /jobs
type EnqueueJobRequest struct {
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}
