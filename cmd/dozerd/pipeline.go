package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/dozer/pkg/config"
	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/indexer"
	"github.com/cuemby/dozer/pkg/kv"
	"github.com/cuemby/dozer/pkg/log"
	"github.com/cuemby/dozer/pkg/logreplication"
	"github.com/cuemby/dozer/pkg/materializer"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/secondaryindex"
	"github.com/cuemby/dozer/pkg/sql"
)

// pipeline is one dozerd process's assembled graph: every config.Source's
// tail + raw mirror, every config.Endpoint's SQL fragment + materialized
// sink, the query frontends serving the result, and the housekeeping
// workers (index catch-up, checkpoint-driven recovery) that keep it all
// consistent across restarts.
type pipeline struct {
	cfg *config.Config

	graph    dag.Graph
	executor *dag.Executor
	mat      *materializer.Materializer
	repl     *logreplication.Server
	rest     *materializer.REST
	grpcSrv  *materializer.Server

	pools   []*indexer.Pool
	clients []*logreplication.Client
	envs    []*kv.Env // opened directly by buildPipeline, closed on Stop alongside the executor's own

	tailStarts map[dag.NodeHandle]uint64
}

// buildPipeline wires a config.Config into a runnable pipeline, opening
// every on-disk environment the graph needs but not yet starting any
// goroutine.
func buildPipeline(cfg *config.Config) (*pipeline, error) {
	p := &pipeline{
		cfg:        cfg,
		mat:        materializer.New(),
		tailStarts: map[dag.NodeHandle]uint64{},
	}

	sqlSources := sql.Sources{}
	replSources := map[string]logreplication.Source{}
	var opts []dag.Option

	for _, s := range cfg.Sources {
		schema, err := s.Schema.ToSchema(s.Name)
		if err != nil {
			return nil, fmt.Errorf("dozerd: source %q: %w", s.Name, err)
		}

		logEnv, err := kv.Open(filepath.Join(cfg.WorkDir, "tables", s.Name, "log.db"), kv.Options{})
		if err != nil {
			return nil, fmt.Errorf("dozerd: source %q: open log env: %w", s.Name, err)
		}
		p.envs = append(p.envs, logEnv)

		l, err := oplog.Open(logEnv, schema)
		if err != nil {
			return nil, fmt.Errorf("dozerd: source %q: open oplog: %w", s.Name, err)
		}

		ep := materializer.NewEndpoint(s.Name, l, nil)
		p.mat.Register(ep)
		replSources[s.Name] = l

		client, err := logreplication.Dial(s.Remote.Address)
		if err != nil {
			return nil, fmt.Errorf("dozerd: source %q: dial %s: %w", s.Name, s.Remote.Address, err)
		}
		p.clients = append(p.clients, client)

		timeout := time.Duration(s.Remote.PollTimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = time.Second
		}

		sourceHandle := dag.NodeHandle(s.Name + "_tail")
		sinkHandle := dag.NodeHandle(s.Name + "_raw")
		ts := &logreplication.TailSource{
			Client:      client,
			Endpoint:    s.Remote.Endpoint,
			Schema:      schema,
			Handle:      sourceHandle,
			PollTimeout: timeout,
		}

		p.graph.Nodes = append(p.graph.Nodes,
			dag.NodeType{Handle: sourceHandle, Kind: dag.Source, Impl: ts},
			dag.NodeType{Handle: sinkHandle, Kind: dag.Sink, Impl: ep},
		)
		p.graph.Edges = append(p.graph.Edges, dag.Edge{From: sourceHandle, To: sinkHandle})
		opts = append(opts, dag.WithNodeEnv(sinkHandle, l.Env()))

		sqlSources[s.Name] = sql.SourceBinding{Schema: schema, Handle: sourceHandle, Port: 0}
	}

	// Endpoints may reference only declared Sources, not other Endpoints:
	// wiring one derived endpoint's materialized output back into another
	// endpoint's query would need a second fragment-reading source node
	// this repo doesn't have, so the dependency graph between endpoints
	// stays flat.
	for _, e := range cfg.Endpoints {
		stmt, err := sql.Parse(e.SQL)
		if err != nil {
			return nil, fmt.Errorf("dozerd: endpoint %q: parse sql: %w", e.Name, err)
		}
		frag, err := sql.Plan(stmt, sqlSources)
		if err != nil {
			return nil, fmt.Errorf("dozerd: endpoint %q: plan: %w", e.Name, err)
		}
		p.graph.Nodes = append(p.graph.Nodes, frag.Nodes...)
		p.graph.Edges = append(p.graph.Edges, frag.Edges...)

		defs := make([]field.IndexDefinition, len(e.Indexes))
		for i, ic := range e.Indexes {
			def, err := ic.ResolveIndex(frag.Schema)
			if err != nil {
				return nil, fmt.Errorf("dozerd: endpoint %q: index %d: %w", e.Name, i, err)
			}
			defs[i] = def
		}
		schema := frag.Schema
		schema.Name = e.Name
		schema.Indexes = defs

		logEnv, err := kv.Open(filepath.Join(cfg.WorkDir, "endpoints", e.Name, "log.db"), kv.Options{})
		if err != nil {
			return nil, fmt.Errorf("dozerd: endpoint %q: open log env: %w", e.Name, err)
		}
		p.envs = append(p.envs, logEnv)
		l, err := oplog.Open(logEnv, schema)
		if err != nil {
			return nil, fmt.Errorf("dozerd: endpoint %q: open oplog: %w", e.Name, err)
		}

		indexes := make(map[int]*secondaryindex.Index, len(defs))
		var targets []indexer.Target
		for i, def := range defs {
			idxEnv, err := kv.Open(filepath.Join(cfg.WorkDir, "endpoints", e.Name, fmt.Sprintf("index_%d.db", i)), kv.Options{})
			if err != nil {
				return nil, fmt.Errorf("dozerd: endpoint %q: open index %d env: %w", e.Name, i, err)
			}
			p.envs = append(p.envs, idxEnv)
			idx, err := secondaryindex.Open(idxEnv, def)
			if err != nil {
				return nil, fmt.Errorf("dozerd: endpoint %q: open index %d: %w", e.Name, i, err)
			}
			indexes[i] = idx
			targets = append(targets, indexer.Target{Index: idx, Schema: schema})
		}

		ep := materializer.NewEndpoint(e.Name, l, indexes)
		p.mat.Register(ep)
		replSources[e.Name] = l

		if len(targets) > 0 {
			p.pools = append(p.pools, indexer.NewPool(e.Name, l, targets, indexer.Options{}))
		}

		sinkHandle := dag.NodeHandle(e.Name + "_sink")
		p.graph.Nodes = append(p.graph.Nodes, dag.NodeType{Handle: sinkHandle, Kind: dag.Sink, Impl: ep})
		p.graph.Edges = append(p.graph.Edges, dag.Edge{From: frag.Output, To: sinkHandle})
		opts = append(opts, dag.WithNodeEnv(sinkHandle, l.Env()))
	}

	executor, err := dag.NewExecutor(p.graph, dag.Config{WorkDir: cfg.WorkDir}, opts...)
	if err != nil {
		return nil, fmt.Errorf("dozerd: build executor: %w", err)
	}
	p.executor = executor

	plan, err := dag.Recover(p.graph, checkpointsOf(p.executor, p.graph))
	if err != nil {
		return nil, fmt.Errorf("dozerd: recover: %w", err)
	}
	for h, state := range plan.SourceStates {
		pos, err := logreplication.DecodeResumePosition(state)
		if err != nil {
			return nil, fmt.Errorf("dozerd: recover: decode resume position for %q: %w", h, err)
		}
		p.tailStarts[h] = pos
	}
	for _, n := range p.graph.Nodes {
		if ts, ok := n.Impl.(*logreplication.TailSource); ok {
			ts.Start = p.tailStarts[n.Handle]
		}
	}

	p.repl = logreplication.NewServer(replSources)
	p.rest = materializer.NewREST(p.mat)
	p.grpcSrv = materializer.NewServer(p.mat)

	return p, nil
}

func checkpointsOf(e *dag.Executor, g dag.Graph) map[dag.NodeHandle]*dag.Checkpoint {
	out := make(map[dag.NodeHandle]*dag.Checkpoint, len(g.Nodes))
	for _, n := range g.Nodes {
		if cp, ok := e.Checkpoint(n.Handle); ok {
			out[n.Handle] = cp
		}
	}
	return out
}

// Start launches every goroutine in the pipeline: the dag executor, each
// endpoint's index catch-up pool, and the three server frontends.
func (p *pipeline) Start() error {
	if err := p.executor.Start(); err != nil {
		return fmt.Errorf("dozerd: start executor: %w", err)
	}
	for _, pool := range p.pools {
		pool.Start()
	}

	go func() {
		if err := p.repl.Start(p.cfg.Replication.Listen); err != nil {
			log.WithComponent("dozerd").Errorf("replication server exited: %v", err)
		}
	}()
	go func() {
		if err := p.rest.Start(p.cfg.API.RESTListen); err != nil {
			log.WithComponent("dozerd").Errorf("rest server exited: %v", err)
		}
	}()
	go func() {
		if err := p.grpcSrv.Serve(p.cfg.API.GRPCListen); err != nil {
			log.WithComponent("dozerd").Errorf("grpc server exited: %v", err)
		}
	}()

	return nil
}

// Stop tears the pipeline down in reverse dependency order: the
// replication and gRPC frontends, index pools, the executor (which persists
// every node's final checkpoint), then the directly opened environments,
// then replication client connections. The REST frontend has no stop method
// and is not shut down here.
func (p *pipeline) Stop() error {
	p.repl.Stop()
	p.grpcSrv.Stop()

	for _, pool := range p.pools {
		pool.Stop()
	}

	err := p.executor.Stop()

	for _, env := range p.envs {
		_ = env.Close()
	}
	for _, c := range p.clients {
		_ = c.Close()
	}
	return err
}
