package domain

// JobStatus is the lifecycle state of a conversion job
type JobStatus string

// Job status constants
const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Progress percentages reported for each status
const (
	ProgressPending    = 0
	ProgressProcessing = 50
	ProgressCompleted  = 100
	ProgressFailed     = 0
)

// IsTerminal reports whether the status can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Progress maps a status to its fixed completion percentage
func (s JobStatus) Progress() int {
	switch s {
	case JobStatusProcessing:
		return ProgressProcessing
	case JobStatusCompleted:
		return ProgressCompleted
	case JobStatusFailed:
		return ProgressFailed
	default:
		return ProgressPending
	}
}
