package enums

import "fmt"

// JobKind identifies a delayed borrow lifecycle job.
type JobKind string

const (
	JobKindPickupReminder JobKind = "pickup-reminder"
	JobKindPickupExpiry   JobKind = "pickup-expiry"
	JobKindDueReminder    JobKind = "due-reminder"
	JobKindOverdueSetter  JobKind = "overdue-setter"
)

var validJobKinds = []JobKind{
	JobKindPickupReminder,
	JobKindPickupExpiry,
	JobKindDueReminder,
	JobKindOverdueSetter,
}

// AllJobKinds returns every kind in declaration order.
func AllJobKinds() []JobKind {
	out := make([]JobKind, len(validJobKinds))
	copy(out, validJobKinds)
	return out
}

func (k JobKind) String() string {
	return string(k)
}

// IsValid reports whether the value is a known JobKind.
func (k JobKind) IsValid() bool {
	for _, candidate := range validJobKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseJobKind converts raw input into a JobKind.
func ParseJobKind(value string) (JobKind, error) {
	for _, candidate := range validJobKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job kind %q", value)
}

// JobStatus maps to the scheduled_job_status enum in Postgres.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusDead      JobStatus = "dead"
)

var validJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusCanceled,
	JobStatusDead,
}

// IsValid reports whether the value is a known JobStatus.
func (s JobStatus) IsValid() bool {
	for _, candidate := range validJobStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsFinished reports whether the job will never run again.
func (s JobStatus) IsFinished() bool {
	return s == JobStatusCompleted || s == JobStatusCanceled || s == JobStatusDead
}
