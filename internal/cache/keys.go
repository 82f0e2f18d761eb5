package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:status", jobID)
}

// ResultsKey holds the serialized results listing of a completed job.
func ResultsKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:results", jobID)
}

// StatusSnapshotKey holds the serialized status of a finished job.
func StatusSnapshotKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:snapshot", jobID)
}

func RateLimitKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}
