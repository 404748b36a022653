package pages

import (
	"reflect"
	"testing"

	"github.com/Lllllllleong/documentintake/internal/apperr"
)

func TestComputeRanges(t *testing.T) {
	cases := []struct {
		name  string
		first []int
		total int
		want  []Range
	}{
		{"mixed lengths", []int{1, 3, 4, 7}, 10, []Range{{1, 2}, {3, 3}, {4, 6}, {7, 10}}},
		{"empty is whole document", nil, 8, []Range{{1, 8}}},
		{"single page document", nil, 1, []Range{{1, 1}}},
		{"first index after page one", []int{2, 5}, 6, []Range{{2, 4}, {5, 6}}},
		{"last page alone", []int{1, 10}, 10, []Range{{1, 9}, {10, 10}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ComputeRanges(c.first, c.total)
			if err != nil {
				t.Fatalf("ComputeRanges(%v, %d) error: %v", c.first, c.total, err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("ComputeRanges(%v, %d) = %v, want %v", c.first, c.total, got, c.want)
			}
		})
	}
}

func TestComputeRangesEmptyForAnyTotal(t *testing.T) {
	for n := 1; n <= 50; n++ {
		got, err := ComputeRanges([]int{}, n)
		if err != nil || len(got) != 1 || got[0] != (Range{1, n}) {
			t.Fatalf("ComputeRanges([], %d) = %v, %v", n, got, err)
		}
	}
}

func TestComputeRangesRejects(t *testing.T) {
	const total = 5
	cases := []struct {
		name  string
		first []int
		field string
	}{
		{"unsorted", []int{3, 1}, "strictly_increasing"},
		{"duplicate", []int{1, 1}, "strictly_increasing"},
		{"out of range", []int{total + 1}, "within_total"},
		{"zero", []int{0, 2}, "positive"},
		{"negative", []int{-1}, "positive"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ComputeRanges(c.first, total)
			if !apperr.IsValidation(err) {
				t.Fatalf("want validation error, got %v", err)
			}
			e, _ := apperr.As(err)
			if e.Field != c.field {
				t.Fatalf("rule = %q, want %q", e.Field, c.field)
			}
		})
	}
	if _, err := ComputeRanges(nil, 0); !apperr.IsValidation(err) {
		t.Fatalf("zero total pages should be rejected, got %v", err)
	}
}

func TestComputeRangesIsContiguous(t *testing.T) {
	got, err := ComputeRanges([]int{1, 2, 9, 14, 15}, 20)
	if err != nil {
		t.Fatal(err)
	}
	next := 1
	for _, r := range got {
		if r.Start != next || r.Start > r.End {
			t.Fatalf("range %v breaks contiguity at %d", r, next)
		}
		next = r.End + 1
	}
	if next != 21 {
		t.Fatalf("ranges end at %d, want 20", next-1)
	}
}

func TestValidateBoundariesWithoutTotal(t *testing.T) {
	if err := ValidateBoundaries([]int{1, 4, 400}, 0); err != nil {
		t.Fatalf("unknown total should skip the upper bound: %v", err)
	}
	if err := ValidateBoundaries([]int{4, 2}, 0); !apperr.IsValidation(err) {
		t.Fatalf("inversion must still fail, got %v", err)
	}
}

func TestRangeSelection(t *testing.T) {
	if s := (Range{3, 3}).Selection(); s != "3" {
		t.Fatalf("single page selection = %q", s)
	}
	if s := (Range{2, 7}).Selection(); s != "2-7" {
		t.Fatalf("span selection = %q", s)
	}
}
