package pages

import (
	"bytes"
	"testing"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/pages/pdftest"
)

func syntheticPDF(t *testing.T, pages int) []byte {
	t.Helper()
	return pdftest.Synthetic(pages)
}

func TestSplitProducesOneOutputPerRange(t *testing.T) {
	src := bytes.NewReader(syntheticPDF(t, 5))
	outs, err := SplitAll(src, []Range{{1, 2}, {3, 3}, {4, 5}})
	if err != nil {
		t.Fatalf("SplitAll error: %v", err)
	}
	want := []int{2, 1, 2}
	if len(outs) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(outs), len(want))
	}
	for i, out := range outs {
		n, err := PageCount(bytes.NewReader(out))
		if err != nil {
			t.Fatalf("output %d unreadable: %v", i, err)
		}
		if n != want[i] {
			t.Fatalf("output %d has %d pages, want %d", i, n, want[i])
		}
	}
}

func TestSplitRejectsInvalidRanges(t *testing.T) {
	pdf := syntheticPDF(t, 5)
	cases := []struct {
		name   string
		ranges []Range
	}{
		{"start after end", []Range{{2, 1}}},
		{"past last page", []Range{{4, 6}}},
		{"before first page", []Range{{0, 2}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			produced := 0
			var gotErr error
			for _, err := range Split(bytes.NewReader(pdf), c.ranges) {
				if err != nil {
					gotErr = err
					break
				}
				produced++
			}
			if !apperr.IsValidation(gotErr) {
				t.Fatalf("want validation error, got %v", gotErr)
			}
			if produced != 0 {
				t.Fatalf("no part should be produced before validation fails, got %d", produced)
			}
		})
	}
}

func TestSplitStopsWhenConsumerStops(t *testing.T) {
	src := bytes.NewReader(syntheticPDF(t, 4))
	seen := 0
	for _, err := range Split(src, []Range{{1, 1}, {2, 2}, {3, 4}}) {
		if err != nil {
			t.Fatal(err)
		}
		seen++
		break
	}
	if seen != 1 {
		t.Fatalf("consumer saw %d parts, want 1", seen)
	}
}

func TestPageCount(t *testing.T) {
	n, err := PageCount(bytes.NewReader(syntheticPDF(t, 7)))
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("PageCount = %d, want 7", n)
	}
}
