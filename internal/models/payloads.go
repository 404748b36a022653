package models

// These structs define the JSON payloads exchanged with the extraction
// workflow and with API callers.

// WebhookDescriptor is the minimal document description sent to the
// extraction workflow trigger.
type WebhookDescriptor struct {
	RecordID    string            `json:"recordId"`
	ProjectID   string            `json:"projectId"`
	Namespace   string            `json:"namespace"`
	Type        string            `json:"type"`
	FileURI     string            `json:"fileUri"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
	Case        map[string]string `json:"case,omitempty"`
}

// ExtractionCallback is posted by the extraction workflow when a run ends.
type ExtractionCallback struct {
	CorrelationID string                `json:"correlationId" validate:"required"`
	Status        string                `json:"status" validate:"required,oneof=completed failed"`
	AnalyzeResult map[string]FieldValue `json:"analyzeResult,omitempty" validate:"omitempty,dive"`
	ErrorMessage  string                `json:"errorMessage,omitempty"`
}

// CallbackResponse reports whether a callback changed the record.
type CallbackResponse struct {
	RecordID string `json:"recordId,omitempty"`
	Applied  bool   `json:"applied"`
	Status   string `json:"status,omitempty"`
}

// IntakeResponse is returned when an upload has been accepted.
type IntakeResponse struct {
	IntakeID string       `json:"intakeId"`
	Status   IntakeStatus `json:"status"`
}

// FieldEdit is a manual correction of one extracted field.
type FieldEdit struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// FieldEditRequest is the body of a manual field edit.
type FieldEditRequest struct {
	Actor string      `json:"actor" validate:"required"`
	Edits []FieldEdit `json:"edits" validate:"required,min=1,dive"`
}

// ActionRequest is the body of verify / cancel / retry operations.
type ActionRequest struct {
	Actor string `json:"actor" validate:"required"`
}
