package models

// FieldType is the declared value type of a catalog field.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumeric FieldType = "numeric"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
)

// FieldCatalogEntry configures one extractable field. It is maintained by
// administrators and only read by the pipeline.
type FieldCatalogEntry struct {
	Key      string    `firestore:"key" json:"key"`
	Order    int       `firestore:"order" json:"order"`
	Required bool      `firestore:"required" json:"required"`
	Type     FieldType `firestore:"type" json:"type"`
}

// FieldCatalog is the ordered catalog of a project together with the
// confidence threshold (0-100) applied to it.
type FieldCatalog struct {
	Entries   []FieldCatalogEntry
	Threshold int
}

// Lookup returns the entry for key.
func (c FieldCatalog) Lookup(key string) (FieldCatalogEntry, bool) {
	for _, e := range c.Entries {
		if e.Key == key {
			return e, true
		}
	}
	return FieldCatalogEntry{}, false
}
