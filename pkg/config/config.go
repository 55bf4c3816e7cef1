// Package config loads a Dozer pipeline's YAML definition: the node's
// working directory and listen addresses, the upstream tables it tails
// over C11, and the SQL-derived endpoints it materializes and serves.
//
// Grounded on the teacher's own YAML usage (cmd/warren/apply.go's
// gopkg.in/yaml.v3 WarrenResource decoding) — a flat struct tree decoded
// with yaml struct tags, no schema-validation library, errors wrapped with
// fmt.Errorf.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/log"
)

// Config is one dozerd process's full pipeline definition.
type Config struct {
	NodeID  string        `yaml:"node_id"`
	WorkDir string        `yaml:"work_dir"`
	Log     LogConfig     `yaml:"log"`
	Metrics ListenConfig  `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`
	Replication ListenConfig `yaml:"replication"`
	Sources     []Source     `yaml:"sources"`
	Endpoints   []Endpoint   `yaml:"endpoints"`
}

// LogConfig configures pkg/log.Init.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ListenConfig is a bare listen address, used for the metrics and
// replication frontends.
type ListenConfig struct {
	Listen string `yaml:"listen"`
}

// APIConfig configures the materializer's two query frontends.
type APIConfig struct {
	RESTListen string `yaml:"rest_listen"`
	GRPCListen string `yaml:"grpc_listen"`
}

// Source names one upstream table this pipeline mirrors over C11, plus the
// schema its records conform to (there is no schema-inference connector in
// this repo — every source is another Dozer endpoint reached over
// logreplication, so its schema must be declared the way the remote
// endpoint's own pkg/oplog.Log already holds it).
type Source struct {
	Name   string       `yaml:"name"`
	Schema SchemaConfig `yaml:"schema"`
	Remote RemoteConfig `yaml:"remote"`
}

// RemoteConfig is the logreplication endpoint a Source tails.
type RemoteConfig struct {
	Address       string `yaml:"address"`
	Endpoint      string `yaml:"endpoint"`
	PollTimeoutMs int    `yaml:"poll_timeout_ms"`
}

// SchemaConfig is the YAML projection of field.Schema.
type SchemaConfig struct {
	Fields     []FieldConfig `yaml:"fields"`
	PrimaryKey []string      `yaml:"primary_key"`
}

// FieldConfig is the YAML projection of field.FieldDefinition; Kind is a
// lowercase name matching field.Kind.String() (e.g. "int", "string",
// "timestamp").
type FieldConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Nullable bool   `yaml:"nullable"`
	Scale    int32  `yaml:"scale"`
}

// Endpoint is one materialized, query-served cache: a SQL transform over
// the declared Sources (not over other Endpoints), plus the secondary
// indexes it should maintain.
type Endpoint struct {
	Name    string        `yaml:"name"`
	SQL     string        `yaml:"sql"`
	Indexes []IndexConfig `yaml:"indexes"`
}

// IndexConfig names the fields (by name, in order) one secondary index
// covers. Kind "full_text" requests field.IndexFullText; anything else (including
// the empty string) requests field.IndexSortedInverted.
type IndexConfig struct {
	Fields []string `yaml:"fields"`
	Kind   string   `yaml:"kind"`
}

// Load reads and parses the pipeline YAML at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the config's internal consistency: unique source/endpoint
// names, resolvable field kinds, and a non-empty work directory.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	seen := make(map[string]bool, len(c.Sources)+len(c.Endpoints))
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate table name %q", s.Name)
		}
		seen[s.Name] = true
		if _, err := s.Schema.toSchema(s.Name); err != nil {
			return fmt.Errorf("source %q: %w", s.Name, err)
		}
		if s.Remote.Endpoint == "" {
			return fmt.Errorf("source %q: remote.endpoint is required", s.Name)
		}
	}
	for _, e := range c.Endpoints {
		if e.Name == "" {
			return fmt.Errorf("endpoint with empty name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate table name %q", e.Name)
		}
		seen[e.Name] = true
		if e.SQL == "" {
			return fmt.Errorf("endpoint %q: sql is required", e.Name)
		}
	}
	return nil
}

// InitLogging applies LogConfig to the global logger, following the
// teacher's cobra.OnInitialize(initLogging) pattern in cmd/warren/main.go.
func (c *Config) InitLogging() {
	log.Init(log.Config{Level: log.Level(c.Log.Level), JSONOutput: c.Log.JSON})
}

var kindNames = map[string]field.Kind{
	"uint": field.KindUInt, "uint128": field.KindUInt128,
	"int": field.KindInt, "int128": field.KindInt128,
	"float": field.KindFloat, "decimal": field.KindDecimal,
	"boolean": field.KindBoolean, "string": field.KindString,
	"text": field.KindText, "binary": field.KindBinary,
	"json": field.KindJSON, "timestamp": field.KindTimestamp,
	"date": field.KindDate, "duration": field.KindDuration,
	"point": field.KindPoint,
}

// toSchema resolves a SchemaConfig against its declared field kinds,
// naming the schema after the owning table.
func (s SchemaConfig) toSchema(name string) (field.Schema, error) {
	defs := make([]field.FieldDefinition, len(s.Fields))
	byName := make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		kind, ok := kindNames[f.Kind]
		if !ok {
			return field.Schema{}, fmt.Errorf("field %q: unknown kind %q", f.Name, f.Kind)
		}
		defs[i] = field.FieldDefinition{Name: f.Name, Kind: kind, Nullable: f.Nullable, Scale: f.Scale}
		byName[f.Name] = i
	}
	pk := make([]int, len(s.PrimaryKey))
	for i, n := range s.PrimaryKey {
		pos, ok := byName[n]
		if !ok {
			return field.Schema{}, fmt.Errorf("primary_key field %q not declared", n)
		}
		pk[i] = pos
	}
	return field.Schema{Name: name, Fields: defs, PrimaryKey: pk}, nil
}

// ToSchema is the exported form of toSchema, used by pipeline assembly.
func (s SchemaConfig) ToSchema(name string) (field.Schema, error) { return s.toSchema(name) }

// ResolveIndex turns an IndexConfig into a field.IndexDefinition against
// schema, by field name.
func (ic IndexConfig) ResolveIndex(schema field.Schema) (field.IndexDefinition, error) {
	kind := field.IndexSortedInverted
	if ic.Kind == "full_text" {
		kind = field.IndexFullText
	}
	positions := make([]int, len(ic.Fields))
	for i, name := range ic.Fields {
		pos := schema.FieldByName(name)
		if pos < 0 {
			return field.IndexDefinition{}, fmt.Errorf("index field %q not found in schema %q", name, schema.Name)
		}
		positions[i] = pos
	}
	return field.IndexDefinition{Kind: kind, Fields: positions}, nil
}
