package model

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobCreated    JobStatus = "CREATED"
	JobRunning    JobStatus = "RUNNING"
	JobSuccessful JobStatus = "SUCCESSFUL"
	JobFailed     JobStatus = "FAILED"
	JobPartial    JobStatus = "PARTIAL"
	JobAborted    JobStatus = "ABORTED"
)

// JobStatuses lists every job status in lifecycle order.
var JobStatuses = []JobStatus{JobCreated, JobRunning, JobSuccessful, JobFailed, JobPartial, JobAborted}

// IsTerminal reports whether no further mutation is allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSuccessful, JobFailed, JobPartial, JobAborted:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	for _, v := range JobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle state of a Task inside a Job.
type TaskStatus string

const (
	TaskCreated    TaskStatus = "CREATED"
	TaskWaiting    TaskStatus = "WAITING"
	TaskScheduled  TaskStatus = "SCHEDULED"
	TaskRunning    TaskStatus = "RUNNING"
	TaskSuccessful TaskStatus = "SUCCESSFUL"
	TaskFailed     TaskStatus = "FAILED"
	TaskAborted    TaskStatus = "ABORTED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

var TaskStatuses = []TaskStatus{
	TaskCreated, TaskWaiting, TaskScheduled, TaskRunning,
	TaskSuccessful, TaskFailed, TaskAborted, TaskSkipped,
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccessful, TaskFailed, TaskAborted, TaskSkipped:
		return true
	default:
		return false
	}
}

// IsFailure reports a terminal outcome that blocks dependents.
func (s TaskStatus) IsFailure() bool {
	return s == TaskFailed || s == TaskAborted || s == TaskSkipped
}

// InFlight reports whether the task has been handed to the executor.
func (s TaskStatus) InFlight() bool {
	return s == TaskScheduled || s == TaskRunning
}

func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}
