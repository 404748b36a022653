package boundary

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// responseSchema accepts either a bare integer array or an object carrying
// the array under "pages".
const responseSchema = `{
  "oneOf": [
    {"type": "array", "items": {"type": "integer"}},
    {
      "type": "object",
      "required": ["pages"],
      "properties": {"pages": {"type": "array", "items": {"type": "integer"}}}
    }
  ]
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("boundaries.json", strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("boundaries.json")
})

// ParseResponse turns the detector's raw text answer into a sorted,
// de-duplicated, non-empty list of first-page indices. Every malformed
// answer is an external service error.
func ParseResponse(raw string) ([]int, error) {
	const op = "boundary.ParseResponse"

	text := stripFences(raw)
	if text == "" {
		return nil, apperr.External(op, nil, "boundary service returned an empty response")
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, apperr.External(op, err, "boundary service returned non-JSON content")
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile boundary schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, apperr.External(op, err, "boundary response has an unexpected shape")
	}

	var values []any
	switch v := doc.(type) {
	case []any:
		values = v
	case map[string]any:
		values, _ = v["pages"].([]any)
	}

	indices := make([]int, 0, len(values))
	for _, v := range values {
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, apperr.External(op, nil, "boundary response contains non-integer value %v", v)
		}
		indices = append(indices, int(f))
	}

	slices.Sort(indices)
	indices = slices.Compact(indices)
	if len(indices) == 0 {
		return nil, apperr.External(op, nil, "boundary service detected no sub-documents")
	}
	return indices, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
