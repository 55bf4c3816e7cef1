package field

import (
	"encoding/binary"
	"fmt"
)

// Record is an ordered tuple of Fields conforming to a Schema's Fields
// layout. It carries no schema reference itself; callers that need to
// interpret Values against column names go through the owning Schema.
type Record struct {
	Values []Field
}

// NewRecord builds a Record, checking its arity against schema.
func NewRecord(schema Schema, values []Field) (Record, error) {
	if len(values) != len(schema.Fields) {
		return Record{}, fmt.Errorf("field: record arity %d does not match schema %q arity %d",
			len(values), schema.Name, len(schema.Fields))
	}
	return Record{Values: values}, nil
}

// PrimaryKeyValues extracts, in PrimaryKey order, the fields of r that make
// up its primary key under schema.
func (r Record) PrimaryKeyValues(schema Schema) []Field {
	out := make([]Field, len(schema.PrimaryKey))
	for i, idx := range schema.PrimaryKey {
		out[i] = r.Values[idx]
	}
	return out
}

// EncodePrimaryKey returns the order-preserving composite encoding of r's
// primary key under schema. Schemas with no primary key (append-only)
// cannot be encoded this way; callers must check Schema.IsAppendOnly first.
func (r Record) EncodePrimaryKey(schema Schema) ([]byte, error) {
	if schema.IsAppendOnly() {
		return nil, fmt.Errorf("field: schema %q is append-only, has no primary key", schema.Name)
	}
	return EncodeComposite(r.PrimaryKeyValues(schema)...)
}

// IndexValues extracts, in field order, the values an IndexDefinition's
// fields hold in r.
func (r Record) IndexValues(def IndexDefinition) []Field {
	out := make([]Field, len(def.Fields))
	for i, idx := range def.Fields {
		out[i] = r.Values[idx]
	}
	return out
}

// Clone returns a Record holding a fresh copy of the Values slice. Field
// values themselves are immutable so they do not need deep copying.
func (r Record) Clone() Record {
	out := make([]Field, len(r.Values))
	copy(out, r.Values)
	return Record{Values: out}
}

// EncodeRow serializes r for storage in the operation log / DAG node state,
// using schema to know each column's Kind. Unlike EncodeComposite (built for
// order-preserving index keys), EncodeRow carries an explicit per-value null
// flag, since Encode's empty byte string for Null is indistinguishable from
// an empty String or Binary value.
func (r Record) EncodeRow(schema Schema) ([]byte, error) {
	if len(r.Values) != len(schema.Fields) {
		return nil, fmt.Errorf("field: encode row: arity %d does not match schema %q arity %d",
			len(r.Values), schema.Name, len(schema.Fields))
	}
	var out []byte
	for i, v := range r.Values {
		if v.IsNull() {
			out = append(out, 0)
			continue
		}
		enc, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("field: encode row: column %q: %w", schema.Fields[i].Name, err)
		}
		out = append(out, 1)
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(enc)))
		out = append(out, lenBuf[:]...)
		out = append(out, enc...)
	}
	return out, nil
}

// DecodeRow reconstructs a Record from bytes produced by EncodeRow.
func DecodeRow(schema Schema, b []byte) (Record, error) {
	values := make([]Field, len(schema.Fields))
	for i, def := range schema.Fields {
		if len(b) < 1 {
			return Record{}, fmt.Errorf("field: decode row: truncated null flag for column %q", def.Name)
		}
		present := b[0]
		b = b[1:]
		if present == 0 {
			values[i] = Null()
			continue
		}
		if len(b) < 8 {
			return Record{}, fmt.Errorf("field: decode row: truncated length for column %q", def.Name)
		}
		n := binary.BigEndian.Uint64(b[:8])
		b = b[8:]
		if uint64(len(b)) < n {
			return Record{}, fmt.Errorf("field: decode row: truncated value for column %q", def.Name)
		}
		v, err := Decode(def.Kind, def.Scale, b[:n])
		if err != nil {
			return Record{}, fmt.Errorf("field: decode row: column %q: %w", def.Name, err)
		}
		values[i] = v
		b = b[n:]
	}
	return Record{Values: values}, nil
}
