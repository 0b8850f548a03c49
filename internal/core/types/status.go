package types

// Status represents the status of any trackable operation (jobs, downloads, trims).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusNotFound  Status = "not_found"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusStopped   Status = "stopped"
)

// IsActive returns true if the status indicates an ongoing operation
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// IsComplete returns true if the status indicates a finished operation
func (s Status) IsComplete() bool {
	switch s {
	case StatusSucceeded, StatusNotFound, StatusFailed, StatusCanceled, StatusStopped:
		return true
	default:
		return false
	}
}

// IsSuccess returns true if the status indicates successful completion
func (s Status) IsSuccess() bool {
	return s == StatusSucceeded
}

// IsFailure returns true for outcomes that should be reported as failures.
// Canceled and stopped operations are not failures.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusNotFound
}
