// Package pages turns detected sub-document boundaries into page ranges and
// cuts PDF documents along those ranges.
package pages

import (
	"fmt"

	"github.com/Lllllllleong/documentintake/internal/apperr"
)

// Range is an inclusive, 1-based page interval.
type Range struct {
	Start int `firestore:"start" json:"start"`
	End   int `firestore:"end" json:"end"`
}

// Len returns the number of pages in the range.
func (r Range) Len() int { return r.End - r.Start + 1 }

// Selection renders the range in pdfcpu page-selection syntax.
func (r Range) Selection() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Whole reports whether the range covers an entire document of totalPages.
func (r Range) Whole(totalPages int) bool { return r.Start == 1 && r.End == totalPages }

// ComputeRanges converts the first page of every sub-document into contiguous
// ranges covering [1, totalPages]. An empty list yields a single range.
func ComputeRanges(firstPages []int, totalPages int) ([]Range, error) {
	const op = "pages.ComputeRanges"
	if totalPages <= 0 {
		return nil, apperr.Validation(op, "total_pages", "total page count must be positive, got %d", totalPages)
	}
	if err := ValidateBoundaries(firstPages, totalPages); err != nil {
		return nil, err
	}
	if len(firstPages) == 0 {
		return []Range{{Start: 1, End: totalPages}}, nil
	}

	ranges := make([]Range, 0, len(firstPages))
	for i, start := range firstPages {
		end := totalPages
		if i+1 < len(firstPages) {
			end = firstPages[i+1] - 1
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges, nil
}

// ValidateBoundaries checks that firstPages is a strictly increasing list of
// positive page numbers. totalPages <= 0 skips the upper-bound check, which
// is used before the page count of an upload is known.
func ValidateBoundaries(firstPages []int, totalPages int) error {
	const op = "pages.ValidateBoundaries"
	for i, p := range firstPages {
		if p <= 0 {
			return apperr.Validation(op, "positive", "page index %d at position %d must be a positive integer", p, i)
		}
		if totalPages > 0 && p > totalPages {
			return apperr.Validation(op, "within_total", "page index %d at position %d exceeds total pages %d", p, i, totalPages)
		}
		if i > 0 && p <= firstPages[i-1] {
			return apperr.Validation(op, "strictly_increasing", "page index %d at position %d does not follow %d", p, i, firstPages[i-1])
		}
	}
	return nil
}
