package cachedump

import (
	"fmt"
	"io"

	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/kv"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/secondaryindex"
)

// DumpEndpoint writes one endpoint's full dump: its operation log's
// sub-databases, then each of its secondary indexes' sub-databases, in
// schema-declaration order — the section order of spec.md §6.
func DumpEndpoint(w io.Writer, log *oplog.Log, indexes []*secondaryindex.Index) error {
	if err := DumpAll(w, log.Env(), log.DumpDatabases()); err != nil {
		return fmt.Errorf("cachedump: dump endpoint %q: log: %w", log.Schema().Name, err)
	}
	for i, idx := range indexes {
		if err := DumpAll(w, idx.Env(), idx.DumpDatabases()); err != nil {
			return fmt.Errorf("cachedump: dump endpoint %q: index %d: %w", log.Schema().Name, i, err)
		}
	}
	return nil
}

// RestoreEndpoint reads a dump produced by DumpEndpoint into freshly
// provided (and expected to be empty) environments, and opens the
// resulting log and indexes the normal way — Open simply finds its
// sub-databases already populated. schema is required up front because the
// log's own dump section validates against it (oplog.Open rejects a
// mismatched previously-stored schema), and defs must list the same
// secondary indexes, in the same order, that were dumped.
func RestoreEndpoint(r io.Reader, logEnv *kv.Env, schema field.Schema, indexEnvs []*kv.Env, defs []field.IndexDefinition) (*oplog.Log, []*secondaryindex.Index, error) {
	if len(indexEnvs) != len(defs) {
		return nil, nil, fmt.Errorf("cachedump: restore endpoint %q: %d index environments for %d index definitions",
			schema.Name, len(indexEnvs), len(defs))
	}

	logDBs, err := namedDatabases(logEnv, logDatabaseSpecs)
	if err != nil {
		return nil, nil, fmt.Errorf("cachedump: restore endpoint %q: log: %w", schema.Name, err)
	}
	if err := RestoreAll(r, logEnv, logDBs); err != nil {
		return nil, nil, fmt.Errorf("cachedump: restore endpoint %q: log: %w", schema.Name, err)
	}
	log, err := oplog.Open(logEnv, schema)
	if err != nil {
		return nil, nil, fmt.Errorf("cachedump: restore endpoint %q: reopen log: %w", schema.Name, err)
	}

	indexes := make([]*secondaryindex.Index, len(defs))
	for i, def := range defs {
		idxDBs, err := namedDatabases(indexEnvs[i], indexDatabaseSpecs)
		if err != nil {
			return nil, nil, fmt.Errorf("cachedump: restore endpoint %q: index %d: %w", schema.Name, i, err)
		}
		if err := RestoreAll(r, indexEnvs[i], idxDBs); err != nil {
			return nil, nil, fmt.Errorf("cachedump: restore endpoint %q: index %d: %w", schema.Name, i, err)
		}
		idx, err := secondaryindex.Open(indexEnvs[i], def)
		if err != nil {
			return nil, nil, fmt.Errorf("cachedump: restore endpoint %q: reopen index %d: %w", schema.Name, i, err)
		}
		indexes[i] = idx
	}

	return log, indexes, nil
}

type databaseSpec struct {
	name  string
	flags kv.DatabaseFlags
}

// logDatabaseSpecs and indexDatabaseSpecs mirror oplog's and
// secondaryindex's own internal sub-database name/flag choices. Restoring
// needs to create each database before any data can be replayed into it,
// which is circular with asking a live *oplog.Log or *secondaryindex.Index
// for its databases (Open requires the data to already be there) — so
// RestoreEndpoint names them directly instead.
var logDatabaseSpecs = []databaseSpec{
	{"schema", 0},
	{"commit_state", 0},
	{"connection_snapshotting_done", 0},
	{"operation_log", kv.IntegerKey},
	{"record_metadata", 0},
	{"current_records", kv.IntegerKey},
}

var indexDatabaseSpecs = []databaseSpec{
	{"entries", kv.DupSort},
	{"cursor", 0},
}

func namedDatabases(env *kv.Env, specs []databaseSpec) ([]kv.Database, error) {
	dbs := make([]kv.Database, len(specs))
	for i, spec := range specs {
		db, err := env.CreateDatabaseIfNotExists(spec.name, spec.flags)
		if err != nil {
			return nil, err
		}
		dbs[i] = db
	}
	return dbs, nil
}
