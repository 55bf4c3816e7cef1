package oplog

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/dozer/pkg/field"
)

// encodeSchema serializes a field.Schema to bytes so the schema sub-database
// can detect, on reopen, whether a log's caller is still presenting the
// same schema it was created against. The format favors simplicity over
// compactness: it only round-trips through this package, never over the
// wire (logreplication sends field.Schema itself in DescribeStorageResponse,
// through the JSON gRPC codec in pkg/rpcwire).
func encodeSchema(s field.Schema) ([]byte, error) {
	var out []byte

	putString := func(v string) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(v)))
		out = append(out, lenBuf[:]...)
		out = append(out, v...)
	}
	putUint64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		out = append(out, b[:]...)
	}

	putString(s.Name)
	putUint64(uint64(len(s.Fields)))
	for _, fd := range s.Fields {
		putString(fd.Name)
		out = append(out, byte(fd.Kind))
		if fd.Nullable {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		putUint64(uint64(int64(fd.Scale)))
	}

	putUint64(uint64(len(s.PrimaryKey)))
	for _, idx := range s.PrimaryKey {
		putUint64(uint64(idx))
	}

	putUint64(uint64(len(s.Indexes)))
	for _, def := range s.Indexes {
		out = append(out, byte(def.Kind))
		putUint64(uint64(len(def.Fields)))
		for _, idx := range def.Fields {
			putUint64(uint64(idx))
		}
	}

	putUint64(uint64(s.Identifier.ID))
	putUint64(uint64(s.Identifier.Version))

	return out, nil
}

type byteReader struct {
	b []byte
}

func (r *byteReader) string() (string, error) {
	n, err := r.uint64()
	if err != nil {
		return "", err
	}
	if uint64(len(r.b)) < n {
		return "", fmt.Errorf("oplog: decode schema: truncated string")
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s, nil
}

func (r *byteReader) uint64() (uint64, error) {
	if len(r.b) < 8 {
		return 0, fmt.Errorf("oplog: decode schema: truncated uint64")
	}
	v := binary.BigEndian.Uint64(r.b[:8])
	r.b = r.b[8:]
	return v, nil
}

func (r *byteReader) byte() (byte, error) {
	if len(r.b) < 1 {
		return 0, fmt.Errorf("oplog: decode schema: truncated byte")
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v, nil
}

func decodeSchema(b []byte) (field.Schema, error) {
	r := &byteReader{b: b}
	var s field.Schema

	name, err := r.string()
	if err != nil {
		return field.Schema{}, err
	}
	s.Name = name

	nFields, err := r.uint64()
	if err != nil {
		return field.Schema{}, err
	}
	s.Fields = make([]field.FieldDefinition, nFields)
	for i := range s.Fields {
		fname, err := r.string()
		if err != nil {
			return field.Schema{}, err
		}
		kind, err := r.byte()
		if err != nil {
			return field.Schema{}, err
		}
		nullable, err := r.byte()
		if err != nil {
			return field.Schema{}, err
		}
		scale, err := r.uint64()
		if err != nil {
			return field.Schema{}, err
		}
		s.Fields[i] = field.FieldDefinition{
			Name:     fname,
			Kind:     field.Kind(kind),
			Nullable: nullable != 0,
			Scale:    int32(int64(scale)),
		}
	}

	nPK, err := r.uint64()
	if err != nil {
		return field.Schema{}, err
	}
	s.PrimaryKey = make([]int, nPK)
	for i := range s.PrimaryKey {
		v, err := r.uint64()
		if err != nil {
			return field.Schema{}, err
		}
		s.PrimaryKey[i] = int(v)
	}

	nIdx, err := r.uint64()
	if err != nil {
		return field.Schema{}, err
	}
	s.Indexes = make([]field.IndexDefinition, nIdx)
	for i := range s.Indexes {
		kind, err := r.byte()
		if err != nil {
			return field.Schema{}, err
		}
		nIdxFields, err := r.uint64()
		if err != nil {
			return field.Schema{}, err
		}
		fields := make([]int, nIdxFields)
		for j := range fields {
			v, err := r.uint64()
			if err != nil {
				return field.Schema{}, err
			}
			fields[j] = int(v)
		}
		s.Indexes[i] = field.IndexDefinition{Kind: field.IndexKind(kind), Fields: fields}
	}

	id, err := r.uint64()
	if err != nil {
		return field.Schema{}, err
	}
	version, err := r.uint64()
	if err != nil {
		return field.Schema{}, err
	}
	s.Identifier = field.SchemaIdentifier{ID: uint32(id), Version: uint32(version)}

	return s, nil
}
