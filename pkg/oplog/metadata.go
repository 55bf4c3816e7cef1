package oplog

import (
	"encoding/binary"
	"fmt"
)

// metadataEncodedLen is the fixed width of an encoded RecordMetadata: 8
// bytes id, 4 bytes version, 1 byte presence, 8 bytes insert operation id.
// The layout is a direct port of the source cache layer's RecordMetadata
// wire format, which fixes the width so metadata rows never need a length
// prefix in their own sub-database.
const metadataEncodedLen = 8 + 4 + 1 + 8

// RecordMetadata is the per-primary-key bookkeeping record the engine keeps
// alongside the operation log: a stable small integer id (used by
// secondary indexes instead of a variable-length primary key), a version
// counter that increments on every insert/update/delete, whether the
// record currently exists, and which operation last (re)inserted it.
type RecordMetadata struct {
	ID                uint64
	Version           uint32
	Present           bool
	InsertOperationID uint64
}

// Encode produces the fixed 21-byte wire representation of m.
func (m RecordMetadata) Encode() []byte {
	out := make([]byte, metadataEncodedLen)
	binary.BigEndian.PutUint64(out[0:8], m.ID)
	binary.BigEndian.PutUint32(out[8:12], m.Version)
	if m.Present {
		out[12] = 1
	}
	binary.BigEndian.PutUint64(out[13:21], m.InsertOperationID)
	return out
}

// DecodeRecordMetadata parses bytes produced by Encode.
func DecodeRecordMetadata(b []byte) (RecordMetadata, error) {
	if len(b) != metadataEncodedLen {
		return RecordMetadata{}, fmt.Errorf("oplog: decode record metadata: want %d bytes, got %d", metadataEncodedLen, len(b))
	}
	return RecordMetadata{
		ID:                binary.BigEndian.Uint64(b[0:8]),
		Version:           binary.BigEndian.Uint32(b[8:12]),
		Present:           b[12] != 0,
		InsertOperationID: binary.BigEndian.Uint64(b[13:21]),
	}, nil
}
