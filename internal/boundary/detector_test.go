package boundary

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/documentintake/internal/apperr"
)

type fakeModel struct {
	text  string
	err   error
	calls int
	parts []genai.Part
}

func (f *fakeModel) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.parts = parts
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{genai.Text(f.text)}}}},
	}, nil
}

func TestParseResponse(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []int
	}{
		{"bare array", `[1, 3, 4]`, []int{1, 3, 4}},
		{"pages object", `{"pages": [1, 5]}`, []int{1, 5}},
		{"fenced", "```json\n{\"pages\": [1]}\n```", []int{1}},
		{"unsorted with duplicates", `[7, 1, 4, 4, 1]`, []int{1, 4, 7}},
		{"integral floats", `[1.0, 2.0]`, []int{1, 2}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseResponse(c.raw)
			if err != nil {
				t.Fatalf("ParseResponse(%q) error: %v", c.raw, err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("ParseResponse(%q) = %v, want %v", c.raw, got, c.want)
			}
		})
	}
}

func TestParseResponseRejects(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`[]`,
		`{"pages": []}`,
		`{"starts": [1, 2]}`,
		`[1, "2"]`,
		`[1.5]`,
		`"1,2,3"`,
	} {
		_, err := ParseResponse(raw)
		if !apperr.IsExternal(err) {
			t.Fatalf("ParseResponse(%q) = %v, want external service error", raw, err)
		}
	}
}

func TestDetectBoundariesUsesURI(t *testing.T) {
	m := &fakeModel{text: `{"pages":[1,3]}`}
	d := NewDetector(m, nil)
	got, err := d.DetectBoundaries(context.Background(), Source{URI: "gs://uploads/p1/a.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("got %v", got)
	}
	fd, ok := m.parts[0].(genai.FileData)
	if !ok || fd.FileURI != "gs://uploads/p1/a.pdf" || fd.MIMEType != "application/pdf" {
		t.Fatalf("first part = %#v", m.parts[0])
	}
}

func TestDetectBoundariesInlineBytes(t *testing.T) {
	m := &fakeModel{text: `[1]`}
	d := NewDetector(m, nil)
	if _, err := d.DetectBoundaries(context.Background(), Source{Data: []byte("%PDF-1.4")}); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.parts[0].(genai.Blob); !ok {
		t.Fatalf("expected inline blob, got %#v", m.parts[0])
	}
}

func TestDetectBoundariesSingleAttemptOnFailure(t *testing.T) {
	m := &fakeModel{err: errors.New("unavailable")}
	d := NewDetector(m, nil)
	_, err := d.DetectBoundaries(context.Background(), Source{URI: "gs://b/o.pdf"})
	if !apperr.IsExternal(err) {
		t.Fatalf("want external error, got %v", err)
	}
	if m.calls != 1 {
		t.Fatalf("detector made %d calls, want exactly 1", m.calls)
	}
}

func TestDetectBoundariesRequiresSource(t *testing.T) {
	d := NewDetector(&fakeModel{}, nil)
	if _, err := d.DetectBoundaries(context.Background(), Source{}); !apperr.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}
