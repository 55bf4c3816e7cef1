package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dozer/pkg/config"
	"github.com/cuemby/dozer/pkg/field"
)

const sampleYAML = `
node_id: dozer-1
work_dir: ./data
log:
  level: info
  json: false
metrics:
  listen: ":9090"
api:
  rest_listen: ":8080"
  grpc_listen: ":8081"
replication:
  listen: ":8082"
sources:
  - name: orders
    schema:
      fields:
        - {name: id, kind: int}
        - {name: region, kind: string}
        - {name: amount, kind: float}
      primary_key: [id]
    remote:
      address: "upstream:8082"
      endpoint: orders
      poll_timeout_ms: 500
endpoints:
  - name: orders_by_region
    sql: "SELECT region, SUM(amount) AS total FROM orders GROUP BY region"
    indexes:
      - fields: [region]
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesFullPipeline(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "dozer-1", cfg.NodeID)
	require.Len(t, cfg.Sources, 1)
	require.Equal(t, "orders", cfg.Sources[0].Name)
	require.Equal(t, "upstream:8082", cfg.Sources[0].Remote.Address)

	schema, err := cfg.Sources[0].Schema.ToSchema("orders")
	require.NoError(t, err)
	require.Equal(t, field.KindInt, schema.Fields[0].Kind)
	require.Equal(t, []int{0}, schema.PrimaryKey)

	require.Len(t, cfg.Endpoints, 1)
	require.Equal(t, "orders_by_region", cfg.Endpoints[0].Name)
	require.Len(t, cfg.Endpoints[0].Indexes, 1)

	idx, err := cfg.Endpoints[0].Indexes[0].ResolveIndex(schema)
	require.NoError(t, err)
	require.Equal(t, []int{1}, idx.Fields)
}

func TestLoadRejectsDuplicateTableNames(t *testing.T) {
	body := `
work_dir: ./data
sources:
  - name: orders
    schema:
      fields:
        - {name: id, kind: int}
      primary_key: [id]
    remote:
      endpoint: orders
endpoints:
  - name: orders
    sql: "SELECT 1"
`
	path := writeTempConfig(t, body)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownFieldKind(t *testing.T) {
	body := `
work_dir: ./data
sources:
  - name: bad
    schema:
      fields:
        - {name: x, kind: nonsense}
    remote:
      endpoint: bad
`
	path := writeTempConfig(t, body)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRequiresWorkDir(t *testing.T) {
	path := writeTempConfig(t, "node_id: x\n")
	_, err := config.Load(path)
	require.Error(t, err)
}
