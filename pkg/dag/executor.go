package dag

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/dozer/pkg/kv"
	dozerlog "github.com/cuemby/dozer/pkg/log"
	"github.com/cuemby/dozer/pkg/metrics"
)

// Config configures an Executor.
type Config struct {
	// WorkDir is the root directory under which every node gets its own
	// checkpoint environment, at WorkDir/nodes/<handle>/state.db.
	WorkDir string
	// ChannelCapacity bounds every edge's channel. Zero means 64.
	ChannelCapacity int
}

func (c Config) capacity() int {
	if c.ChannelCapacity <= 0 {
		return 64
	}
	return c.ChannelCapacity
}

// Executor runs a Graph: one goroutine per node (cuemby-warren/pkg/worker's
// one-goroutine-per-unit-of-work idiom), wired together by bounded Go
// channels standing in for the edges, with a generic epoch-commit protocol
// layered on top so node implementations only ever see pure data on Process
// and Consume except for the already-synchronized boundary Envelope.
type Executor struct {
	graph Graph
	cfg   Config
	log   zerolog.Logger

	channels    map[Edge]chan Envelope
	checkpoints map[NodeHandle]*Checkpoint
	envs        map[NodeHandle]*kv.Env

	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu    sync.Mutex
	firstErr error
}

// Option configures NewExecutor beyond Config's defaults.
type Option func(*executorOptions)

type executorOptions struct {
	nodeEnvs map[NodeHandle]*kv.Env
}

// WithNodeEnv pins a node's checkpoint environment to an already-open Env
// instead of letting NewExecutor create one under Config.WorkDir. Sinks use
// this to share their endpoint's oplog environment (see sink_checkpoint.go)
// so a sink's checkpoint lives in the same bbolt file as the data it
// committed, rather than a separate nodes/<handle>/state.db.
func WithNodeEnv(handle NodeHandle, env *kv.Env) Option {
	return func(o *executorOptions) {
		if o.nodeEnvs == nil {
			o.nodeEnvs = make(map[NodeHandle]*kv.Env)
		}
		o.nodeEnvs[handle] = env
	}
}

// NewExecutor validates graph and opens every node's checkpoint environment
// and inter-node channels, but does not start any goroutines.
func NewExecutor(graph Graph, cfg Config, opts ...Option) (*Executor, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	var eo executorOptions
	for _, opt := range opts {
		opt(&eo)
	}

	e := &Executor{
		graph:       graph,
		cfg:         cfg,
		log:         dozerlog.WithComponent("dag"),
		channels:    make(map[Edge]chan Envelope, len(graph.Edges)),
		checkpoints: make(map[NodeHandle]*Checkpoint, len(graph.Nodes)),
		envs:        make(map[NodeHandle]*kv.Env, len(graph.Nodes)),
	}

	for _, edge := range graph.Edges {
		e.channels[edge] = make(chan Envelope, cfg.capacity())
	}

	ownedEnvs := make(map[NodeHandle]*kv.Env)
	for _, n := range graph.Nodes {
		env := eo.nodeEnvs[n.Handle]
		if env == nil {
			path := filepath.Join(cfg.WorkDir, "nodes", string(n.Handle), "state.db")
			opened, err := kv.Open(path, kv.Options{})
			if err != nil {
				e.closeEnvs(ownedEnvs)
				return nil, fmt.Errorf("dag: open checkpoint environment for %q: %w", n.Handle, err)
			}
			env = opened
			ownedEnvs[n.Handle] = env
		}
		cp, err := OpenCheckpoint(env)
		if err != nil {
			e.closeEnvs(ownedEnvs)
			return nil, fmt.Errorf("dag: open checkpoint for %q: %w", n.Handle, err)
		}
		e.checkpoints[n.Handle] = cp
	}
	e.envs = ownedEnvs

	return e, nil
}

func (e *Executor) closeEnvs(envs map[NodeHandle]*kv.Env) {
	for _, env := range envs {
		_ = env.Close()
	}
}

// Checkpoint returns the node's commit-state slot, for use by recovery.
func (e *Executor) Checkpoint(h NodeHandle) (*Checkpoint, bool) {
	cp, ok := e.checkpoints[h]
	return cp, ok
}

// Start spawns one goroutine per node and returns immediately; node errors
// surface from Stop.
func (e *Executor) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	order, err := e.graph.TopologicalOrder()
	if err != nil {
		cancel()
		return err
	}

	for _, h := range order {
		n, _ := e.graph.node(h)
		e.wg.Add(1)
		go e.runNode(ctx, n)
	}
	return nil
}

// Stop cancels every node's context and waits for all of them to exit,
// returning the first error any node reported (context.Canceled doesn't
// count as an error).
func (e *Executor) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.closeEnvs(e.envs)

	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.firstErr
}

func (e *Executor) recordErr(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.firstErr == nil {
		e.firstErr = err
	}
}

func (e *Executor) runNode(ctx context.Context, n NodeType) {
	defer e.wg.Done()

	var err error
	switch n.Kind {
	case Source:
		src, ok := n.Impl.(SourceNode)
		if !ok {
			err = fmt.Errorf("dag: node %q declared as source but does not implement SourceNode", n.Handle)
			break
		}
		out := e.fanOut(ctx, n.Handle, true)
		err = src.Run(ctx, out)
		close(out)
	case Processor:
		proc, ok := n.Impl.(ProcessorNode)
		if !ok {
			err = fmt.Errorf("dag: node %q declared as processor but does not implement ProcessorNode", n.Handle)
			break
		}
		in := e.fanIn(ctx, n.Handle, false)
		out := e.fanOut(ctx, n.Handle, false)
		err = proc.Process(ctx, in, out)
		close(out)
	case Sink:
		sink, ok := n.Impl.(SinkNode)
		if !ok {
			err = fmt.Errorf("dag: node %q declared as sink but does not implement SinkNode", n.Handle)
			break
		}
		in := e.fanIn(ctx, n.Handle, true)
		err = sink.Consume(ctx, in)
	}

	if err != nil && ctx.Err() == nil {
		e.log.Error().Err(err).Str("node", string(n.Handle)).Str("kind", n.Kind.String()).Msg("dag node exited with error")
		e.recordErr(err)
		e.cancel()
	}
}

// fanOut returns a channel the node writes Envelopes to; a background
// goroutine relays each one to every outbound edge. Sources persist their
// own checkpoint the moment they cut a boundary, since a source's single
// producer needs no cross-edge synchronization; processors and sinks have
// already had their boundary persisted by fanIn before it reaches out, so
// persistSource is false for them to avoid double-persisting.
func (e *Executor) fanOut(ctx context.Context, h NodeHandle, persistSource bool) chan Envelope {
	outEdges := e.graph.OutEdges(h)
	local := make(chan Envelope, e.cfg.capacity())

	go func() {
		defer func() {
			for _, oe := range outEdges {
				close(e.channels[oe])
			}
		}()
		for env := range local {
			metrics.DagNodeQueueDepth.WithLabelValues(string(h)).Set(float64(len(local)))
			if !env.IsBoundary() {
				metrics.DagNodeProcessedTotal.WithLabelValues(string(h)).Inc()
			}
			if persistSource && env.IsBoundary() {
				if cp, ok := e.checkpoints[h]; ok {
					if err := cp.Persist(*env.Boundary); err != nil {
						e.log.Error().Err(err).Str("node", string(h)).Msg("persist source checkpoint")
						e.recordErr(err)
						e.cancel()
						return
					}
				}
			}
			for _, oe := range outEdges {
				sendEnv := env
				sendEnv.Port = oe.ToPort
				select {
				case e.channels[oe] <- sendEnv:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return local
}

// fanIn merges every inbound edge into one channel, passing data Envelopes
// through immediately and holding boundary Envelopes back until the same
// epoch has arrived on every inbound edge, at which point it persists the
// merged boundary as the node's checkpoint and emits a single merged
// boundary Envelope downstream into the merged stream (spec.md §4.9 step 2:
// "flushes pending state, persists it ... forwards the boundary").
func (e *Executor) fanIn(ctx context.Context, h NodeHandle, isSink bool) chan Envelope {
	inEdges := e.graph.InEdges(h)
	merged := make(chan Envelope, e.cfg.capacity())

	if len(inEdges) == 0 {
		close(merged)
		return merged
	}

	var mu sync.Mutex
	pending := make(map[EpochID]map[Edge]EpochBoundary)
	started := make(map[EpochID]time.Time)

	var wg sync.WaitGroup
	for _, edge := range inEdges {
		wg.Add(1)
		go func(edge Edge) {
			defer wg.Done()
			ch := e.channels[edge]
			for {
				select {
				case env, ok := <-ch:
					if !ok {
						return
					}
					if !env.IsBoundary() {
						select {
						case merged <- env:
						case <-ctx.Done():
							return
						}
						continue
					}

					mu.Lock()
					set, exists := pending[env.Boundary.Epoch]
					if !exists {
						set = make(map[Edge]EpochBoundary)
						pending[env.Boundary.Epoch] = set
						started[env.Boundary.Epoch] = time.Now()
					}
					set[edge] = *env.Boundary
					complete := len(set) == len(inEdges)
					var mergedBoundary EpochBoundary
					var epochStart time.Time
					if complete {
						delete(pending, env.Boundary.Epoch)
						epochStart = started[env.Boundary.Epoch]
						delete(started, env.Boundary.Epoch)
						mergedBoundary = mergeAll(set)
					}
					mu.Unlock()

					if !complete {
						continue
					}

					if cp, ok := e.checkpoints[h]; ok {
						if err := cp.Persist(mergedBoundary); err != nil {
							e.log.Error().Err(err).Str("node", string(h)).Msg("persist checkpoint")
							e.recordErr(err)
							e.cancel()
							return
						}
					}
					if isSink {
						metrics.DagEpochDuration.Observe(time.Since(epochStart).Seconds())
						metrics.DagEpochsCompletedTotal.Inc()
					}
					select {
					case merged <- Envelope{Boundary: &mergedBoundary}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(edge)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	return merged
}

func mergeAll(set map[Edge]EpochBoundary) EpochBoundary {
	var out EpochBoundary
	first := true
	for _, b := range set {
		if first {
			out = b
			first = false
			continue
		}
		out = out.merge(b)
	}
	return out
}
