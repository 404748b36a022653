package models

import "time"

// RecordStatus is the per-record pipeline state.
type RecordStatus string

const (
	RecordPending     RecordStatus = "pending"
	RecordProcessing  RecordStatus = "processing"
	RecordCompleted   RecordStatus = "completed"
	RecordFailed      RecordStatus = "failed"
	RecordNeedsReview RecordStatus = "needs_review"
)

// recordTransitions lists every status change a writer may apply. Each record
// moves through it on its own, regardless of its siblings.
var recordTransitions = map[RecordStatus][]RecordStatus{
	RecordPending:     {RecordProcessing, RecordFailed},
	RecordProcessing:  {RecordCompleted, RecordFailed},
	RecordFailed:      {RecordProcessing},
	RecordCompleted:   {RecordNeedsReview},
	RecordNeedsReview: {RecordCompleted},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to RecordStatus) bool {
	for _, s := range recordTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the record to next when the transition table allows it
// and reports whether it did.
func (r *Record) Transition(next RecordStatus) bool {
	if !CanTransition(r.Status, next) {
		return false
	}
	r.Status = next
	return true
}

// Confidence is the aggregate classification of a record's extracted fields.
type Confidence string

const (
	ConfidenceEmpty         Confidence = "empty"
	ConfidenceNeedsRevision Confidence = "needs_revision"
	ConfidenceTrusted       Confidence = "trusted"
	ConfidenceVerified      Confidence = "verified"
)

// FieldValue is one extracted field.
type FieldValue struct {
	RawValue        string  `firestore:"rawValue" json:"rawValue"`
	NormalizedValue string  `firestore:"normalizedValue" json:"normalizedValue"`
	ConfidenceScore float64 `firestore:"confidenceScore" json:"confidenceScore"`
	ManuallyEdited  bool    `firestore:"manuallyEdited" json:"manuallyEdited"`
}

// Record is one finalized sub-document ("resource") produced by an intake.
type Record struct {
	ID               string                `firestore:"-" json:"id"`
	ProjectID        string                `firestore:"projectId" json:"projectId"`
	IntakeID         string                `firestore:"intakeId" json:"intakeId"`
	Ordinal          int                   `firestore:"ordinal" json:"ordinal"`
	Title            string                `firestore:"title" json:"title"`
	Namespace        string                `firestore:"namespace" json:"namespace"`
	SourceFile       string                `firestore:"sourceFile" json:"sourceFile"`
	PageStart        int                   `firestore:"pageStart" json:"pageStart"`
	PageEnd          int                   `firestore:"pageEnd" json:"pageEnd"`
	Status           RecordStatus          `firestore:"status" json:"status"`
	CorrelationID    string                `firestore:"correlationId" json:"correlationId,omitempty"`
	AnalyzeResult    map[string]FieldValue `firestore:"analyzeResult" json:"analyzeResult"`
	Confidence       Confidence            `firestore:"confidence" json:"confidence"`
	Logs             []LogEntry            `firestore:"logs" json:"logs"`
	VerifiedBy       string                `firestore:"verifiedBy,omitempty" json:"verifiedBy,omitempty"`
	VerifiedAt       *time.Time            `firestore:"verifiedAt,omitempty" json:"verifiedAt,omitempty"`
	NotFoundCount    int                   `firestore:"notFoundCount" json:"notFoundCount"`
	DispatchAttempts int                   `firestore:"dispatchAttempts" json:"dispatchAttempts"`
	CreatedAt        time.Time             `firestore:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time             `firestore:"updatedAt" json:"updatedAt"`
}

// AppendLog adds an entry to the record's pipeline log.
func (r *Record) AppendLog(e LogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	r.Logs = append(r.Logs, e)
}
