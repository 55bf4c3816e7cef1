package materializer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/materializer"
	"github.com/cuemby/dozer/pkg/oplog"
)

func seedOrders(t *testing.T, ep *materializer.Endpoint, id int64, region string) {
	t.Helper()
	in := make(chan dag.Envelope, 1)
	rec := &field.Record{Values: []field.Field{field.Int(id), field.String(region)}}
	in <- dag.Envelope{Op: &oplog.Operation{Kind: oplog.Insert, New: rec}}
	close(in)
	require.NoError(t, ep.Consume(context.Background(), in))
}

func TestRESTQueryListAndCountAndPhase(t *testing.T) {
	ep := openTestEndpoint(t)
	seedOrders(t, ep, 1, "eu")
	seedOrders(t, ep, 2, "us")

	mat := materializer.New()
	mat.Register(ep)
	srv := httptest.NewServer(materializer.NewREST(mat).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Dozer-Server"))

	var recs []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 2)

	countResp, err := http.Post(srv.URL+"/orders/count", "application/json", bytes.NewReader([]byte(`{"$filter":{"region":"us"}}`)))
	require.NoError(t, err)
	defer countResp.Body.Close()
	var n int
	require.NoError(t, json.NewDecoder(countResp.Body).Decode(&n))
	require.Equal(t, 1, n)

	phaseResp, err := http.Post(srv.URL+"/orders/phase", "application/json", nil)
	require.NoError(t, err)
	defer phaseResp.Body.Close()
	var phase string
	require.NoError(t, json.NewDecoder(phaseResp.Body).Decode(&phase))
	require.Equal(t, "Snapshotting", phase)
}

func TestRESTGetByPrimaryKeyNotFoundReturns404WithErrorEnvelope(t *testing.T) {
	ep := openTestEndpoint(t)
	mat := materializer.New()
	mat.Register(ep)
	srv := httptest.NewServer(materializer.NewREST(mat).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/orders/999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["error"])
	require.NotEmpty(t, body["code"])
}

func TestRESTUnknownEndpointReturns404(t *testing.T) {
	mat := materializer.New()
	srv := httptest.NewServer(materializer.NewREST(mat).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
