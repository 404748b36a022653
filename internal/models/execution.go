package models

// ExecutionState is the externally observed state of an extraction run.
type ExecutionState string

const (
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionNotFound  ExecutionState = "not_found"
)

// ExecutionStatus is the answer of the workflow engine for one correlation
// id. Result holds the raw JSON result of a completed run.
type ExecutionStatus struct {
	State      ExecutionState
	Result     string
	Error      string
	StackTrace string
}
