package main

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/dozer/pkg/config"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/sql"
)

// resolved is everything dozer-migrate needs to dump or restore one named
// table: its on-disk directory (relative to the config's work_dir), its
// record schema, and its declared secondary index definitions in order.
type resolved struct {
	dir     string
	schema  field.Schema
	indexes []field.IndexDefinition
}

// resolveTable finds name among cfg's Sources and Endpoints and derives the
// same schema dozerd's pipeline assembly would have opened its log with.
// An Endpoint's schema comes from planning its SQL the same way
// buildPipeline does, since migrate never starts the live dag.Executor and
// so has no other way to learn a derived endpoint's row shape.
func resolveTable(cfg *config.Config, name string) (*resolved, error) {
	for _, s := range cfg.Sources {
		if s.Name != name {
			continue
		}
		schema, err := s.Schema.ToSchema(s.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve source %q: %w", name, err)
		}
		return &resolved{dir: filepath.Join("tables", name), schema: schema}, nil
	}

	sqlSources := sql.Sources{}
	for _, s := range cfg.Sources {
		schema, err := s.Schema.ToSchema(s.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve source %q: %w", s.Name, err)
		}
		sqlSources[s.Name] = sql.SourceBinding{Schema: schema}
	}

	for _, e := range cfg.Endpoints {
		if e.Name != name {
			continue
		}
		stmt, err := sql.Parse(e.SQL)
		if err != nil {
			return nil, fmt.Errorf("resolve endpoint %q: parse sql: %w", name, err)
		}
		frag, err := sql.Plan(stmt, sqlSources)
		if err != nil {
			return nil, fmt.Errorf("resolve endpoint %q: plan: %w", name, err)
		}
		defs := make([]field.IndexDefinition, len(e.Indexes))
		for i, ic := range e.Indexes {
			def, err := ic.ResolveIndex(frag.Schema)
			if err != nil {
				return nil, fmt.Errorf("resolve endpoint %q: index %d: %w", name, i, err)
			}
			defs[i] = def
		}
		schema := frag.Schema
		schema.Name = name
		schema.Indexes = defs
		return &resolved{dir: filepath.Join("endpoints", name), schema: schema, indexes: defs}, nil
	}

	return nil, fmt.Errorf("no source or endpoint named %q in config", name)
}
