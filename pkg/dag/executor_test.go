package dag

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/dozer/pkg/oplog"
)

// countingSource emits n Insert operations then a single boundary carrying
// its own handle's position, then blocks until ctx is cancelled.
type countingSource struct {
	handle NodeHandle
	n      int
}

func (s *countingSource) Run(ctx context.Context, out chan<- Envelope) error {
	for i := 0; i < s.n; i++ {
		op := &oplog.Operation{ID: uint64(i), Kind: oplog.Insert, RecordID: uint64(i)}
		select {
		case out <- Envelope{Op: op}:
		case <-ctx.Done():
			return nil
		}
	}
	select {
	case out <- Envelope{Boundary: &EpochBoundary{Epoch: 1, SourceStates: map[NodeHandle][]byte{s.handle: []byte("pos")}}}:
	case <-ctx.Done():
		return nil
	}
	<-ctx.Done()
	return nil
}

// passthroughProcessor relays every data Envelope and every boundary
// Envelope straight to out, reporting each boundary on boundariesSeen (if set).
type passthroughProcessor struct {
	boundariesSeen chan EpochBoundary
}

func (p *passthroughProcessor) Process(ctx context.Context, in <-chan Envelope, out chan<- Envelope) error {
	for {
		select {
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if env.IsBoundary() && p.boundariesSeen != nil {
				select {
				case p.boundariesSeen <- *env.Boundary:
				default:
				}
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// recordingSink reports every data operation on ops and every boundary on
// boundary, dropping either when its channel is full.
type recordingSink struct {
	ops      chan *oplog.Operation
	boundary chan EpochBoundary
}

func (s *recordingSink) Consume(ctx context.Context, in <-chan Envelope) error {
	for {
		select {
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if env.IsBoundary() {
				select {
				case s.boundary <- *env.Boundary:
				default:
				}
				continue
			}
			select {
			case s.ops <- env.Op:
			default:
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func TestExecutorLinearPipelineDeliversOperationsAndBoundary(t *testing.T) {
	const src, proc, sink NodeHandle = "src", "proc", "sink"
	graph := Graph{
		Nodes: []NodeType{
			{Handle: src, Kind: Source, Impl: &countingSource{handle: src, n: 5}},
			{Handle: proc, Kind: Processor, Impl: &passthroughProcessor{}},
			{Handle: sink, Kind: Sink, Impl: &recordingSink{ops: make(chan *oplog.Operation, 16), boundary: make(chan EpochBoundary, 4)}},
		},
		Edges: []Edge{
			{From: src, To: proc},
			{From: proc, To: sink},
		},
	}

	exec, err := NewExecutor(graph, Config{WorkDir: t.TempDir(), ChannelCapacity: 4})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sinkImpl := graph.Nodes[2].Impl.(*recordingSink)

	for i := 0; i < 5; i++ {
		select {
		case <-sinkImpl.ops:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for operation %d", i)
		}
	}

	var boundary EpochBoundary
	select {
	case boundary = <-sinkImpl.boundary:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for boundary at sink")
	}
	if boundary.Epoch != 1 {
		t.Fatalf("boundary epoch = %d, want 1", boundary.Epoch)
	}
	if string(boundary.SourceStates[src]) != "pos" {
		t.Fatalf("boundary source state = %q, want %q", boundary.SourceStates[src], "pos")
	}

	if err := exec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	cp, ok := exec.Checkpoint(sink)
	if !ok {
		t.Fatal("sink checkpoint not found")
	}
	persisted, ok, err := cp.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected sink checkpoint to have been persisted")
	}
	if persisted.Epoch != 1 {
		t.Fatalf("persisted epoch = %d, want 1", persisted.Epoch)
	}
}

func TestExecutorFanInWaitsForEveryInputEdge(t *testing.T) {
	const srcA, srcB, join NodeHandle = "srcA", "srcB", "join"
	boundariesSeen := make(chan EpochBoundary, 4)
	graph := Graph{
		Nodes: []NodeType{
			{Handle: srcA, Kind: Source, Impl: &countingSource{handle: srcA, n: 2}},
			{Handle: srcB, Kind: Source, Impl: &countingSource{handle: srcB, n: 2}},
			{Handle: join, Kind: Sink, Impl: &recordingSink{ops: make(chan *oplog.Operation, 16), boundary: boundariesSeen}},
		},
		Edges: []Edge{
			{From: srcA, To: join, ToPort: 0},
			{From: srcB, To: join, ToPort: 1},
		},
	}

	exec, err := NewExecutor(graph, Config{WorkDir: t.TempDir(), ChannelCapacity: 4})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var boundary EpochBoundary
	select {
	case boundary = <-boundariesSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synchronized boundary")
	}

	if len(boundary.SourceStates) != 2 {
		t.Fatalf("synchronized boundary has %d source states, want 2", len(boundary.SourceStates))
	}
	if string(boundary.SourceStates[srcA]) != "pos" || string(boundary.SourceStates[srcB]) != "pos" {
		t.Fatalf("synchronized boundary missing source state: %+v", boundary.SourceStates)
	}

	if err := exec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestGraphValidateRejectsCycle(t *testing.T) {
	graph := Graph{
		Nodes: []NodeType{
			{Handle: "a", Kind: Processor},
			{Handle: "b", Kind: Processor},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	}
	if err := graph.Validate(); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestCheckpointPersistLoadRoundTrip(t *testing.T) {
	graph := Graph{Nodes: []NodeType{{Handle: "n", Kind: Source, Impl: &countingSource{handle: "n", n: 0}}}}
	exec, err := NewExecutor(graph, Config{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	cp, ok := exec.Checkpoint("n")
	if !ok {
		t.Fatal("missing checkpoint")
	}
	want := EpochBoundary{Epoch: 42, SourceStates: map[NodeHandle][]byte{"n": []byte("abc")}}
	if err := cp.Persist(want); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	got, ok, err := cp.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected a persisted checkpoint")
	}
	if got.Epoch != want.Epoch || string(got.SourceStates["n"]) != "abc" {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}
}

func TestRecoverIntersectsAcrossSinks(t *testing.T) {
	graph := Graph{
		Nodes: []NodeType{
			{Handle: "s1", Kind: Sink},
			{Handle: "s2", Kind: Sink},
		},
	}
	exec, err := NewExecutor(graph, Config{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	cp1, _ := exec.Checkpoint("s1")
	cp2, _ := exec.Checkpoint("s2")

	full := EpochBoundary{Epoch: 3, SourceStates: map[NodeHandle][]byte{"src": []byte("far")}}
	behind := EpochBoundary{Epoch: 2, SourceStates: map[NodeHandle][]byte{"src": []byte("near")}}
	if err := cp1.Persist(full); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := cp2.Persist(behind); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	checkpoints := map[NodeHandle]*Checkpoint{"s1": cp1, "s2": cp2}
	plan, err := Recover(graph, checkpoints)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if string(plan.SourceStates["src"]) != "near" {
		t.Fatalf("recovery plan source state = %q, want %q (the less-advanced sink's)", plan.SourceStates["src"], "near")
	}
}
