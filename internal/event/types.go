package event

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	// Job lifecycle
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"

	// File lifecycle
	EventFileStarted   EventType = "file.started"
	EventFileProgress  EventType = "file.progress"
	EventFileCompleted EventType = "file.completed"
	EventFileFailed    EventType = "file.failed"
)

type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   JobEvent  `json:"payload"`
}

// JobEvent describes a change to a job or to one of its files. FileID is nil
// for job-level events.
type JobEvent struct {
	JobID    uuid.UUID  `json:"jobId"`
	FileID   *uuid.UUID `json:"fileId,omitempty"`
	FileName string     `json:"fileName,omitempty"`
	Status   string     `json:"status"`
	Progress int        `json:"progress"`
	Error    string     `json:"error,omitempty"`
}
