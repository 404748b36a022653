package confidence

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Lllllllleong/documentintake/internal/models"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"2.1.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
}

// Normalize converts a raw extracted value to the canonical form of the
// entry's declared type. Values that cannot be parsed normalize to "".
func Normalize(entry models.FieldCatalogEntry, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	switch entry.Type {
	case models.FieldNumeric:
		return normalizeNumber(raw)
	case models.FieldBoolean:
		return normalizeBool(raw)
	case models.FieldDate:
		return normalizeDate(raw)
	default:
		return strings.Join(strings.Fields(raw), " ")
	}
}

func normalizeNumber(raw string) string {
	negative := strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")")
	var b strings.Builder
	for _, r := range raw {
		switch {
		case unicode.IsDigit(r), r == '.', r == ',':
			b.WriteRune(r)
		case r == '-':
			negative = true
		}
	}
	s := b.String()
	if s == "" {
		return ""
	}

	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ""
	}
	if negative {
		f = -f
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func normalizeBool(raw string) string {
	switch strings.ToLower(raw) {
	case "yes", "y", "true", "1", "on", "checked", "x":
		return "true"
	case "no", "n", "false", "0", "off", "unchecked":
		return "false"
	}
	return ""
}

func normalizeDate(raw string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

// Sanitize keeps only catalog fields of an extraction result and fills in
// missing normalized values. It returns the keys that were dropped.
func Sanitize(result map[string]models.FieldValue, catalog models.FieldCatalog) (map[string]models.FieldValue, []string) {
	clean := make(map[string]models.FieldValue, len(result))
	var dropped []string
	for key, f := range result {
		entry, ok := catalog.Lookup(key)
		if !ok {
			dropped = append(dropped, key)
			continue
		}
		if f.NormalizedValue == "" {
			f.NormalizedValue = Normalize(entry, f.RawValue)
		}
		f.ConfidenceScore = min(max(f.ConfidenceScore, 0), 1)
		clean[key] = f
	}
	return clean, dropped
}
