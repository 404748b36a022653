package models

import "time"

// SplitMode selects how the first page of each sub-document is resolved.
type SplitMode string

const (
	SplitModeAuto   SplitMode = "auto"
	SplitModeManual SplitMode = "manual"
)

// IntakeStatus is the coarse lifecycle of an uploaded bundle.
type IntakeStatus string

const (
	IntakePending    IntakeStatus = "pending"
	IntakeProcessing IntakeStatus = "processing"
	IntakeCompleted  IntakeStatus = "completed"
	IntakeFailed     IntakeStatus = "failed"
)

// IntakeRequest represents one uploaded multi-document file awaiting boundary
// detection and splitting. It is stored in Firestore and is never deleted by
// the pipeline.
type IntakeRequest struct {
	ID                 string       `firestore:"-" json:"id"`
	ProjectID          string       `firestore:"projectId" json:"projectId"`
	SourceFile         string       `firestore:"sourceFile" json:"sourceFile"`
	OriginalFilename   string       `firestore:"originalFilename" json:"originalFilename"`
	SplitMode          SplitMode    `firestore:"splitMode" json:"splitMode"`
	ManualBoundaries   []int        `firestore:"manualBoundaries,omitempty" json:"manualBoundaries,omitempty"`
	// ResolvedBoundaries holds the first pages the intake was split on. It is
	// written once so a retry splits the same way as the first run.
	ResolvedBoundaries []int        `firestore:"resolvedBoundaries,omitempty" json:"resolvedBoundaries,omitempty"`
	Status             IntakeStatus `firestore:"status" json:"status"`
	ErrorDetails       string       `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	PageCount          int          `firestore:"pageCount,omitempty" json:"pageCount,omitempty"`
	RecordIDs          []string     `firestore:"recordIds,omitempty" json:"recordIds,omitempty"`
	UpdatedBy          string       `firestore:"updatedBy,omitempty" json:"updatedBy,omitempty"`
	CreatedAt          time.Time    `firestore:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time    `firestore:"updatedAt" json:"updatedAt"`
}

// Terminal reports whether no automatic transition leaves the current status.
func (r *IntakeRequest) Terminal() bool {
	return r.Status == IntakeCompleted || r.Status == IntakeFailed
}
