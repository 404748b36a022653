// Package boundary asks an external AI model where each logical
// sub-document of a scanned bundle starts.
package boundary

import (
	"context"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/documentintake/internal/apperr"
)

// UserPrompt is sent alongside the document.
const UserPrompt = `You will be provided with a scanned PDF that may contain several separate documents (for example several invoices) stored one after another.

Identify the page on which each separate document begins. Pages are numbered from 1.

Return ONLY a JSON object of the form {"pages": [1, 4, 7]} listing the first page of every document in ascending order. The first entry is normally 1. Do not include any other text.`

// Source is the document to analyse. URI (gs://...) takes precedence over
// inline Data.
type Source struct {
	URI  string
	Data []byte
}

// Generator is the part of *genai.GenerativeModel the detector uses.
type Generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Detector finds sub-document boundaries with a generative model. It makes
// exactly one attempt per call; retry policy belongs to the caller.
type Detector struct {
	model  Generator
	logger *slog.Logger
}

// NewDetector wraps a model configured for JSON output.
func NewDetector(model Generator, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{model: model, logger: logger}
}

// DetectBoundaries returns the sorted first-page indices of each
// sub-document found in src.
func (d *Detector) DetectBoundaries(ctx context.Context, src Source) ([]int, error) {
	const op = "boundary.DetectBoundaries"

	var filePart genai.Part
	switch {
	case src.URI != "":
		filePart = genai.FileData{MIMEType: "application/pdf", FileURI: src.URI}
	case len(src.Data) > 0:
		filePart = genai.Blob{MIMEType: "application/pdf", Data: src.Data}
	default:
		return nil, apperr.Validation(op, "source", "a document URI or document bytes are required")
	}

	resp, err := d.model.GenerateContent(ctx, filePart, genai.Text(UserPrompt))
	if err != nil {
		d.logger.Error("Call to Vertex AI for boundary detection failed", "error", err, "uri", src.URI)
		return nil, apperr.External(op, err, "failed to generate boundaries from gemini")
	}

	text := extractText(resp)
	indices, err := ParseResponse(text)
	if err != nil {
		d.logger.Error("Boundary response rejected", "error", err, "responseBody", text)
		return nil, err
	}
	d.logger.Info("Boundaries detected.", "uri", src.URI, "firstPages", indices)
	return indices, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}
