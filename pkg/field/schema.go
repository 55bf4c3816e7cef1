package field

import "fmt"

// FieldDefinition describes one column of a Schema: its name, Kind,
// nullability, and (for Decimal columns) the scale every value in the
// column shares.
type FieldDefinition struct {
	Name     string
	Kind     Kind
	Nullable bool
	Scale    int32 // meaningful only when Kind == KindDecimal
}

// IndexKind names the secondary index strategies a Schema's index
// definitions can request; pkg/secondaryindex owns building and querying
// the structures themselves.
type IndexKind uint8

const (
	IndexSortedInverted IndexKind = iota
	IndexFullText
)

// IndexDefinition names the fields (in order) that make up one secondary
// index. A multi-field SortedInverted index supports range queries only on
// a prefix of its fields followed by at most one ranged field, matching the
// planner's "single open range, rest equality" restriction.
type IndexDefinition struct {
	Kind   IndexKind
	Fields []int // indexes into Schema.Fields
}

// Schema is the fixed column layout and set of secondary indexes a record
// source conforms to. PrimaryKey names the fields (in declaration order)
// whose concatenation uniquely identifies a record; an empty PrimaryKey
// marks the schema append-only (spec: inserts never produce a conflict and
// deletes/updates against the id are rejected).
type Schema struct {
	Name       string
	Fields     []FieldDefinition
	PrimaryKey []int // indexes into Fields
	Indexes    []IndexDefinition
	Identifier SchemaIdentifier
}

// SchemaIdentifier is a small stable identity for a Schema, persisted
// alongside records so a cache opened against an evolved schema can detect
// and reject mismatched history.
type SchemaIdentifier struct {
	ID      uint32
	Version uint32
}

// IsAppendOnly reports whether the schema has no primary key, meaning every
// insert is accepted unconditionally and updates/deletes by key are
// rejected with dozererr.KindAppendOnlyViolation.
func (s Schema) IsAppendOnly() bool { return len(s.PrimaryKey) == 0 }

// FieldByName returns the index of the named field, or -1 if none matches.
func (s Schema) FieldByName(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks internal consistency: field indexes referenced by
// PrimaryKey and Indexes must be in range, and index definitions must name
// at least one field.
func (s Schema) Validate() error {
	for _, idx := range s.PrimaryKey {
		if idx < 0 || idx >= len(s.Fields) {
			return fmt.Errorf("field: schema %q: primary key field index %d out of range", s.Name, idx)
		}
	}
	for i, def := range s.Indexes {
		if len(def.Fields) == 0 {
			return fmt.Errorf("field: schema %q: index %d names no fields", s.Name, i)
		}
		for _, idx := range def.Fields {
			if idx < 0 || idx >= len(s.Fields) {
				return fmt.Errorf("field: schema %q: index %d field index %d out of range", s.Name, i, idx)
			}
		}
	}
	return nil
}
