package dag

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/dozer/pkg/kv"
)

const checkpointDB = "checkpoint"

var latestKey = []byte("latest")

// Checkpoint is one node's commit-state slot: a named sub-db of the node's
// own kv.Env (spec.md §4.9's "a named sub-db of the node's KV environment"
// and the Open Question resolution in SPEC_FULL.md §4.9 to keep every
// node's state in a separate environment).
type Checkpoint struct {
	env *kv.Env
	db  kv.Database
}

// OpenCheckpoint opens (creating if necessary) the checkpoint sub-db in env.
func OpenCheckpoint(env *kv.Env) (*Checkpoint, error) {
	db, err := env.CreateDatabaseIfNotExists(checkpointDB, 0)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{env: env, db: db}, nil
}

// Persist durably records boundary as the node's latest completed epoch.
func (c *Checkpoint) Persist(boundary EpochBoundary) error {
	enc := encodeBoundary(boundary)
	return c.env.Update(func(tx *kv.RwTx) error {
		if err := tx.Put(c.db, epochKey(boundary.Epoch), enc); err != nil {
			return err
		}
		return tx.Put(c.db, latestKey, epochKey(boundary.Epoch))
	})
}

// Load returns the most recently persisted epoch boundary, or ok=false if
// the node has never completed one (a fresh pipeline).
func (c *Checkpoint) Load() (EpochBoundary, bool, error) {
	var boundary EpochBoundary
	var ok bool
	err := c.env.View(func(tx *kv.RoTx) error {
		latest, err := tx.Get(c.db, latestKey)
		if err != nil {
			return err
		}
		if latest == nil {
			return nil
		}
		enc, err := tx.Get(c.db, latest)
		if err != nil {
			return err
		}
		if enc == nil {
			return fmt.Errorf("dag: checkpoint: latest epoch key missing its entry")
		}
		boundary, err = decodeBoundary(enc)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return boundary, ok, err
}

func epochKey(e EpochID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(e))
	return b[:]
}

func encodeBoundary(b EpochBoundary) []byte {
	out := epochKey(b.Epoch)
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(b.SourceStates)))
	out = append(out, countBuf[:]...)
	for handle, state := range b.SourceStates {
		out = append(out, lengthPrefixed([]byte(handle))...)
		out = append(out, lengthPrefixed(state)...)
	}
	return out
}

func decodeBoundary(b []byte) (EpochBoundary, error) {
	if len(b) < 16 {
		return EpochBoundary{}, fmt.Errorf("dag: decode checkpoint: truncated header")
	}
	epoch := EpochID(binary.BigEndian.Uint64(b[:8]))
	count := binary.BigEndian.Uint64(b[8:16])
	b = b[16:]

	states := make(map[NodeHandle][]byte, count)
	for i := uint64(0); i < count; i++ {
		handle, rest, err := readLengthPrefixed(b)
		if err != nil {
			return EpochBoundary{}, err
		}
		state, rest2, err := readLengthPrefixed(rest)
		if err != nil {
			return EpochBoundary{}, err
		}
		states[NodeHandle(handle)] = state
		b = rest2
	}
	return EpochBoundary{Epoch: epoch, SourceStates: states}, nil
}

func lengthPrefixed(b []byte) []byte {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	return append(lenBuf[:], b...)
}

func readLengthPrefixed(b []byte) (value, rest []byte, err error) {
	if len(b) < 8 {
		return nil, nil, fmt.Errorf("dag: decode checkpoint: truncated length")
	}
	n := binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	if uint64(len(b)) < n {
		return nil, nil, fmt.Errorf("dag: decode checkpoint: truncated value")
	}
	return b[:n], b[n:], nil
}
