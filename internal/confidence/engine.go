// Package confidence classifies extracted records and gates their manual
// verification.
package confidence

import (
	"slices"
	"time"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/models"
)

// Policy is the threshold (0-100) and required field set applied to a
// project's records.
type Policy struct {
	Threshold    int
	RequiredKeys []string
}

// PolicyFrom derives the policy of a field catalog.
func PolicyFrom(catalog models.FieldCatalog) Policy {
	return Policy{Threshold: catalog.Threshold, RequiredKeys: RequiredKeys(catalog.Entries)}
}

// RequiredKeys returns the keys flagged as required, in catalog order.
func RequiredKeys(entries []models.FieldCatalogEntry) []string {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b models.FieldCatalogEntry) int { return a.Order - b.Order })
	var keys []string
	for _, e := range sorted {
		if e.Required {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// scoreEpsilon absorbs float error in score*100 comparisons (0.29*100 < 29).
const scoreEpsilon = 1e-9

// Satisfied reports whether a field needs no further review.
func Satisfied(f models.FieldValue, threshold int) bool {
	if f.ManuallyEdited {
		return true
	}
	return f.ConfidenceScore*100 >= float64(clamp(threshold))-scoreEpsilon
}

func clamp(threshold int) int {
	return min(max(threshold, 0), 100)
}

// Classify computes the confidence classification of rec. It never promotes
// a record to verified; a record that is already verified stays verified
// only while its fields still satisfy the policy.
func Classify(rec *models.Record, threshold int, requiredKeys []string) models.Confidence {
	base := classifyFields(rec.AnalyzeResult, threshold, requiredKeys)
	if base == models.ConfidenceTrusted && rec.Confidence == models.ConfidenceVerified {
		return models.ConfidenceVerified
	}
	return base
}

func classifyFields(fields map[string]models.FieldValue, threshold int, requiredKeys []string) models.Confidence {
	if len(fields) == 0 {
		return models.ConfidenceEmpty
	}
	for _, key := range requiredKeys {
		f, ok := fields[key]
		if !ok || !Satisfied(f, threshold) {
			return models.ConfidenceNeedsRevision
		}
	}
	return models.ConfidenceTrusted
}

// CanVerify reports whether the verify operation may be applied to rec.
func CanVerify(rec *models.Record, threshold int, requiredKeys []string) bool {
	if rec.Confidence == models.ConfidenceVerified {
		return true
	}
	return classifyFields(rec.AnalyzeResult, threshold, requiredKeys) == models.ConfidenceTrusted
}

// Recompute stores the current classification on rec and reports whether it
// changed. Unchanged inputs never produce a change.
func Recompute(rec *models.Record, p Policy) bool {
	next := Classify(rec, p.Threshold, p.RequiredKeys)
	if next == rec.Confidence {
		return false
	}
	rec.Confidence = next
	if next != models.ConfidenceVerified {
		rec.VerifiedBy = ""
		rec.VerifiedAt = nil
	}
	return true
}

// Verify applies the verification gate. An already verified record is left
// untouched and reports changed == false.
func Verify(rec *models.Record, p Policy, actor string, now time.Time) (changed bool, err error) {
	if rec.Confidence == models.ConfidenceVerified {
		return false, nil
	}
	if !CanVerify(rec, p.Threshold, p.RequiredKeys) {
		current := classifyFields(rec.AnalyzeResult, p.Threshold, p.RequiredKeys)
		return false, apperr.Validation("confidence.Verify", "confidence",
			"record %s cannot be verified while its classification is %s", rec.ID, current)
	}
	rec.Confidence = models.ConfidenceVerified
	rec.VerifiedBy = actor
	at := now.UTC()
	rec.VerifiedAt = &at
	return true, nil
}
