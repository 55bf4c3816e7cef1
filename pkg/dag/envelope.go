package dag

import "github.com/cuemby/dozer/pkg/oplog"

// EpochID identifies one checkpoint epoch. Epoch ids increase monotonically
// within a single source, but different sources advance independently.
type EpochID uint64

// EpochBoundary is the periodic marker a source emits (spec.md §4.9 step
// 1) that every processor and sink propagates once it has seen the same
// epoch id on every input edge. SourceStates carries, per source, the
// position that source had reached when it cut the boundary — this is
// what recovery intersects across sinks to find a safe restart point.
type EpochBoundary struct {
	Epoch        EpochID
	SourceStates map[NodeHandle][]byte
}

// merge combines two boundaries carrying the same Epoch, taking the union
// of their SourceStates (a processor with two input edges from different
// sources sees each source's state only once, but a Graph where two edges
// trace back to the same source would see it twice; the second sighting of
// the same source is expected to repeat the same bytes).
func (b EpochBoundary) merge(other EpochBoundary) EpochBoundary {
	out := EpochBoundary{Epoch: b.Epoch, SourceStates: make(map[NodeHandle][]byte, len(b.SourceStates)+len(other.SourceStates))}
	for k, v := range b.SourceStates {
		out.SourceStates[k] = v
	}
	for k, v := range other.SourceStates {
		out.SourceStates[k] = v
	}
	return out
}

// Envelope is the unit of data carried on an Edge's channel: either a data
// operation or an epoch boundary marker, never both. Port carries the
// receiving edge's ToPort for a data Envelope, so a multi-input node (a
// join's left/right sides) can tell which input produced it; it is
// meaningless on a boundary Envelope, which by definition has already been
// synchronized across every input port.
type Envelope struct {
	Op       *oplog.Operation
	Boundary *EpochBoundary
	Port     int
}

// IsBoundary reports whether e carries an epoch boundary rather than data.
func (e Envelope) IsBoundary() bool { return e.Boundary != nil }
