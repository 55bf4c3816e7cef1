package oplog

import (
	"encoding/binary"
	"fmt"
)

// CommitState is the durable marker a Log persists so it can resume
// assigning operation ids after a restart without rescanning the whole
// operation_log sub-database to find the current tail.
type CommitState struct {
	NextOperationID uint64
}

var commitStateKey = []byte("state")

func (c CommitState) encode() []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], c.NextOperationID)
	return out[:]
}

func decodeCommitState(b []byte) (CommitState, error) {
	if len(b) != 8 {
		return CommitState{}, fmt.Errorf("oplog: decode commit state: want 8 bytes, got %d", len(b))
	}
	return CommitState{NextOperationID: binary.BigEndian.Uint64(b)}, nil
}
