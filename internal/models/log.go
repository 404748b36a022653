package models

import "time"

// Step names the pipeline stage a log entry belongs to.
type Step string

const (
	StepUpload            Step = "upload"
	StepBoundaryDetection Step = "boundary_detection"
	StepSplit             Step = "split"
	StepPersist           Step = "persist"
	StepDispatch          Step = "dispatch"
	StepCallback          Step = "callback"
	StepReconcile         Step = "reconcile"
	StepCancel            Step = "cancel"
	StepRetry             Step = "retry"
	StepVerify            Step = "verify"
	StepFieldEdit         Step = "field_edit"
)

// LogStatus is the outcome of a logged step.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

// LogEntry is one append-only event on a record. Optional fields are filled
// depending on the step.
type LogEntry struct {
	Step          Step      `firestore:"step" json:"step"`
	Status        LogStatus `firestore:"status" json:"status"`
	Timestamp     time.Time `firestore:"timestamp" json:"timestamp"`
	Message       string    `firestore:"message,omitempty" json:"message,omitempty"`
	Actor         string    `firestore:"actor,omitempty" json:"actor,omitempty"`
	Attempt       int       `firestore:"attempt,omitempty" json:"attempt,omitempty"`
	HTTPStatus    int       `firestore:"httpStatus,omitempty" json:"httpStatus,omitempty"`
	CorrelationID string    `firestore:"correlationId,omitempty" json:"correlationId,omitempty"`
	Error         string    `firestore:"error,omitempty" json:"error,omitempty"`
	StackTrace    string    `firestore:"stackTrace,omitempty" json:"stackTrace,omitempty"`
}

// Success builds a success entry for step.
func Success(step Step, msg string) LogEntry {
	return LogEntry{Step: step, Status: LogSuccess, Message: msg, Timestamp: time.Now().UTC()}
}

// Failure builds an error entry for step.
func Failure(step Step, msg string, err error) LogEntry {
	e := LogEntry{Step: step, Status: LogError, Message: msg, Timestamp: time.Now().UTC()}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
