package materializer

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/dozer/pkg/dozererr"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/log"
	"github.com/cuemby/dozer/pkg/metrics"
)

// errorEnvelope is the fixed shape spec.md §6 requires for every REST error
// response.
type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// REST wires the materializer's endpoints behind a stdlib http.ServeMux,
// grounded on the teacher's pkg/api/health.go (plain net/http, manual
// mux.HandleFunc registration, JSON encode/decode by hand — no router
// dependency, matching the only HTTP server role the corpus shows).
type REST struct {
	mat      *Materializer
	mux      *http.ServeMux
	serverID string
}

// NewREST builds the REST frontend over mat. serverID is stamped onto every
// response's X-Dozer-Server header (spec.md §4.12 stickiness), one
// uuid.New() per process, following the teacher's use of uuid for
// per-instance identity throughout pkg/types.
func NewREST(mat *Materializer) *REST {
	r := &REST{mat: mat, mux: http.NewServeMux(), serverID: uuid.New().String()}
	r.mux.HandleFunc("/", r.route)
	return r
}

// Handler returns the http.Handler to mount, with the stickiness header
// applied to every response and every request counted and timed.
func (r *REST) Handler() http.Handler {
	return r.instrument(r.stickiness(r.mux))
}

func (r *REST) stickiness(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("X-Dozer-Server", r.serverID)
		next.ServeHTTP(w, req)
	})
}

// instrument wraps next with APIRequestsTotal/APIRequestDuration, labeled by
// method (and, for the counter, the response status written).
func (r *REST) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		timer.ObserveDurationVec(metrics.APIRequestDuration, req.Method)
		metrics.APIRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(sw.status)).Inc()
	})
}

// statusWriter captures the status code written through a ResponseWriter so
// it can be reported after the handler returns.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

// route dispatches /{endpoint}[/{pk}|/count|/query|/phase] by hand, the way
// the teacher's health server registers a handful of fixed paths rather
// than reaching for a router package.
func (r *REST) route(w http.ResponseWriter, req *http.Request) {
	path := strings.Trim(req.URL.Path, "/")
	if path == "" {
		writeError(w, http.StatusNotFound, dozererr.KindSchemaNotFound, "missing endpoint path")
		return
	}
	parts := strings.SplitN(path, "/", 2)
	endpointName := parts[0]
	ep, ok := r.mat.Endpoint(endpointName)
	if !ok {
		writeError(w, http.StatusNotFound, dozererr.KindSchemaNotFound, "unknown endpoint \""+endpointName+"\"")
		return
	}

	var sub string
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && req.Method == http.MethodGet:
		r.query(w, req, ep, nil)
	case sub == "count" && req.Method == http.MethodPost:
		r.count(w, req, ep)
	case sub == "query" && req.Method == http.MethodPost:
		r.queryBody(w, req, ep)
	case sub == "phase" && req.Method == http.MethodPost:
		r.phase(w, ep)
	case sub != "" && req.Method == http.MethodGet:
		r.getByPK(w, ep, sub)
	default:
		writeError(w, http.StatusMethodNotAllowed, dozererr.KindQueryParse, "unsupported method/path")
	}
}

func (r *REST) query(w http.ResponseWriter, req *http.Request, ep *Endpoint, body []byte) {
	q, err := ParseQueryExpression(ep.Schema(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, dozererr.KindQueryParse, err.Error())
		return
	}
	recs, err := ep.Query(q)
	if err != nil {
		writeQueryErr(w, err)
		return
	}
	writeRecords(w, ep.Schema(), recs)
}

func (r *REST) queryBody(w http.ResponseWriter, req *http.Request, ep *Endpoint) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, dozererr.KindQueryParse, err.Error())
		return
	}
	r.query(w, req, ep, body)
}

func (r *REST) count(w http.ResponseWriter, req *http.Request, ep *Endpoint) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, dozererr.KindQueryParse, err.Error())
		return
	}
	q, err := ParseQueryExpression(ep.Schema(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, dozererr.KindQueryParse, err.Error())
		return
	}
	n, err := ep.Count(q)
	if err != nil {
		writeQueryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (r *REST) getByPK(w http.ResponseWriter, ep *Endpoint, pkPart string) {
	pk, err := parsePathPK(ep.Schema(), pkPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, dozererr.KindQueryParse, err.Error())
		return
	}
	rec, found, err := ep.GetByPrimaryKey(pk)
	if err != nil {
		writeQueryErr(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, dozererr.KindPrimaryKeyNotFound, "record not found")
		return
	}
	out, err := recordToJSON(ep.Schema(), rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, dozererr.KindSchemaMismatch, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *REST) phase(w http.ResponseWriter, ep *Endpoint) {
	phase, err := ep.Phase()
	if err != nil {
		writeError(w, http.StatusInternalServerError, dozererr.KindIO, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, phase)
}

func parsePathPK(schema field.Schema, pkPart string) ([]field.Field, error) {
	parts := strings.Split(pkPart, ",")
	if len(parts) != len(schema.PrimaryKey) {
		return nil, errors.New("primary key arity mismatch")
	}
	out := make([]field.Field, len(parts))
	for i, idx := range schema.PrimaryKey {
		def := schema.Fields[idx]
		switch def.Kind {
		case field.KindInt:
			v, err := strconv.ParseInt(parts[i], 10, 64)
			if err != nil {
				return nil, err
			}
			out[i] = field.Int(v)
		case field.KindUInt:
			v, err := strconv.ParseUint(parts[i], 10, 64)
			if err != nil {
				return nil, err
			}
			out[i] = field.UInt(v)
		case field.KindString, field.KindText:
			out[i] = field.String(parts[i])
		default:
			return nil, errors.New("unsupported primary key field kind")
		}
	}
	return out, nil
}

func writeRecords(w http.ResponseWriter, schema field.Schema, recs []field.Record) {
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		m, err := recordToJSON(schema, rec)
		if err != nil {
			writeError(w, http.StatusInternalServerError, dozererr.KindSchemaMismatch, err.Error())
			return
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeQueryErr(w http.ResponseWriter, err error) {
	kind := dozererr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case dozererr.KindQueryParse, dozererr.KindSchemaNotFound:
		status = http.StatusBadRequest
	case dozererr.KindLogReadTimeout:
		status = http.StatusGatewayTimeout
	case dozererr.KindMapFull:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, kind, err.Error())
}

func writeError(w http.ResponseWriter, status int, kind dozererr.Kind, msg string) {
	log.WithComponent("materializer").Warn().Int("status", status).Str("kind", string(kind)).Msg(msg)
	writeJSON(w, status, errorEnvelope{Error: msg, Code: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start runs the REST frontend, matching the teacher's health server's
// http.Server-with-timeouts pattern.
func (r *REST) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      r.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}
