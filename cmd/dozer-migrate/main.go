// Command dozer-migrate dumps or restores a single Dozer table (a
// declared source's raw mirror, or a materialized endpoint) to or from a
// length-framed snapshot file, for moving a table between nodes or taking
// an offline backup.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cuemby/dozer/pkg/cachedump"
	"github.com/cuemby/dozer/pkg/config"
	"github.com/cuemby/dozer/pkg/kv"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/secondaryindex"
)

var (
	configPath = flag.String("config", "dozer.yaml", "Path to the pipeline YAML config")
	dataDir    = flag.String("data-dir", "", "Override the config's work_dir")
	table      = flag.String("table", "", "Name of the source or endpoint to dump or restore")
	dumpOut    = flag.String("dump", "", "Write a snapshot of -table to this file")
	restoreIn  = flag.String("restore", "", "Restore -table from this snapshot file")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *table == "" {
		log.Fatal("-table is required")
	}
	if (*dumpOut == "") == (*restoreIn == "") {
		log.Fatal("specify exactly one of -dump or -restore")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dataDir != "" {
		cfg.WorkDir = *dataDir
	}

	rt, err := resolveTable(cfg, *table)
	if err != nil {
		log.Fatalf("resolve table: %v", err)
	}
	root := filepath.Join(cfg.WorkDir, rt.dir)

	if *dumpOut != "" {
		if err := runDump(root, rt, *dumpOut); err != nil {
			log.Fatalf("dump failed: %v", err)
		}
		log.Printf("✓ dumped %q to %s", *table, *dumpOut)
		return
	}

	if err := runRestore(root, rt, *restoreIn); err != nil {
		log.Fatalf("restore failed: %v", err)
	}
	log.Printf("✓ restored %q from %s", *table, *restoreIn)
}

func runDump(root string, rt *resolved, outPath string) error {
	logEnv, err := kv.Open(filepath.Join(root, "log.db"), kv.Options{})
	if err != nil {
		return fmt.Errorf("open log env: %w", err)
	}
	defer logEnv.Close()

	l, err := oplog.Open(logEnv, rt.schema)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	indexes := make([]*secondaryindex.Index, len(rt.indexes))
	for i, def := range rt.indexes {
		idxEnv, err := kv.Open(filepath.Join(root, fmt.Sprintf("index_%d.db", i)), kv.Options{})
		if err != nil {
			return fmt.Errorf("open index %d env: %w", i, err)
		}
		defer idxEnv.Close()
		idx, err := secondaryindex.Open(idxEnv, def)
		if err != nil {
			return fmt.Errorf("open index %d: %w", i, err)
		}
		indexes[i] = idx
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer f.Close()

	return cachedump.DumpEndpoint(f, l, indexes)
}

func runRestore(root string, rt *resolved, inPath string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", root, err)
	}

	f, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", inPath, err)
	}
	defer f.Close()

	logEnv, err := kv.Open(filepath.Join(root, "log.db"), kv.Options{})
	if err != nil {
		return fmt.Errorf("open log env: %w", err)
	}
	defer logEnv.Close()

	indexEnvs := make([]*kv.Env, len(rt.indexes))
	for i := range rt.indexes {
		idxEnv, err := kv.Open(filepath.Join(root, fmt.Sprintf("index_%d.db", i)), kv.Options{})
		if err != nil {
			return fmt.Errorf("open index %d env: %w", i, err)
		}
		defer idxEnv.Close()
		indexEnvs[i] = idxEnv
	}

	_, _, err = cachedump.RestoreEndpoint(f, logEnv, rt.schema, indexEnvs, rt.indexes)
	return err
}
