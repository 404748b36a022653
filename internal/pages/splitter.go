package pages

import (
	"bytes"
	"fmt"
	"io"
	"iter"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Part is one split-out sub-document.
type Part struct {
	Range Range
	Data  []byte
}

func relaxedConfig() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// PageCount returns the number of pages of the PDF in src.
func PageCount(src io.ReadSeeker) (int, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to rewind source: %w", err)
	}
	n, err := api.PageCount(src, relaxedConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// ValidateRanges checks every range against the page count of the source.
func ValidateRanges(ranges []Range, pageCount int) error {
	const op = "pages.Split"
	for i, r := range ranges {
		if r.Start > r.End {
			return apperr.Validation(op, "start_before_end", "range %d (%d-%d) starts after it ends", i, r.Start, r.End)
		}
		if r.Start < 1 || r.End > pageCount {
			return apperr.Validation(op, "within_document", "range %d (%d-%d) is outside pages 1-%d", i, r.Start, r.End, pageCount)
		}
	}
	return nil
}

// Split yields one PDF per range, in range order, each holding only the
// pages of its range renumbered from 1. Ranges are validated before the
// first part is produced. Parts are cut lazily so callers can persist and
// drop each one before the next is built.
func Split(src io.ReadSeeker, ranges []Range) iter.Seq2[Part, error] {
	return func(yield func(Part, error) bool) {
		pageCount, err := PageCount(src)
		if err != nil {
			yield(Part{}, err)
			return
		}
		if err := ValidateRanges(ranges, pageCount); err != nil {
			yield(Part{}, err)
			return
		}

		cfg := relaxedConfig()
		for _, r := range ranges {
			if _, err := src.Seek(0, io.SeekStart); err != nil {
				yield(Part{}, fmt.Errorf("failed to rewind source: %w", err))
				return
			}
			var out bytes.Buffer
			if err := api.Trim(src, &out, []string{r.Selection()}, cfg); err != nil {
				yield(Part{}, fmt.Errorf("failed to extract pages %s: %w", r.Selection(), err))
				return
			}
			if !yield(Part{Range: r, Data: out.Bytes()}, nil) {
				return
			}
		}
	}
}

// SplitAll collects every part of Split. It is meant for small documents
// and tests; the pipeline consumes Split directly.
func SplitAll(src io.ReadSeeker, ranges []Range) ([][]byte, error) {
	var outs [][]byte
	for part, err := range Split(src, ranges) {
		if err != nil {
			return nil, err
		}
		outs = append(outs, part.Data)
	}
	return outs, nil
}
