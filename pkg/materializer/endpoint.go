// Package materializer implements C12: one task per endpoint tails an
// operation log (local, wired directly off a pkg/dag sink, or remote via
// pkg/logreplication) and replays it into a local pkg/oplog cache, then
// serves it over REST and gRPC query frontends.
package materializer

import (
	"context"
	"fmt"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/log"
	"github.com/cuemby/dozer/pkg/metrics"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/queryplan"
	"github.com/cuemby/dozer/pkg/secondaryindex"
)

// Endpoint materializes one named cache: its operation log, the secondary
// indexes built over it, a query executor, and the broadcast channel its
// OnEvent subscribers read from.
type Endpoint struct {
	Name    string
	Log     *oplog.Log
	Indexes map[int]*secondaryindex.Index // schema.Indexes position -> opened index
	Broker  *Broker

	executor *queryplan.Executor
}

// NewEndpoint wires an Endpoint over an already-open log and its opened
// secondary indexes.
func NewEndpoint(name string, l *oplog.Log, indexes map[int]*secondaryindex.Index) *Endpoint {
	idxSources := make(map[int]queryplan.IndexSource, len(indexes))
	for pos, idx := range indexes {
		idxSources[pos] = idx
	}
	broker := NewBroker(name)
	broker.Start()
	return &Endpoint{
		Name:     name,
		Log:      l,
		Indexes:  indexes,
		Broker:   broker,
		executor: queryplan.NewExecutor(l.Schema(), l, idxSources),
	}
}

// Schema returns the endpoint's record schema.
func (e *Endpoint) Schema() field.Schema { return e.Log.Schema() }

// Phase reports whether the endpoint is still replaying its initial
// connection snapshot or has caught up to live streaming, per spec.md
// §4.12's POST /{endpoint}/phase.
func (e *Endpoint) Phase() (string, error) {
	done, err := e.Log.IsSnapshottingDone()
	if err != nil {
		return "", err
	}
	if done {
		metrics.EndpointPhase.WithLabelValues(e.Name).Set(1)
		return "Streaming", nil
	}
	metrics.EndpointPhase.WithLabelValues(e.Name).Set(0)
	return "Snapshotting", nil
}

// Query runs q against the endpoint's executor and collects every matching
// record.
func (e *Endpoint) Query(q queryplan.QueryExpression) ([]field.Record, error) {
	plan, err := queryplan.Build(e.Schema(), q)
	if err != nil {
		return nil, err
	}
	planKind := "seq_scan"
	if plan.Kind == queryplan.KindIndexScan {
		planKind = "index_scan"
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CacheQueryDuration, e.Name, planKind)
	metrics.CacheQueriesTotal.WithLabelValues(e.Name, planKind).Inc()

	var out []field.Record
	for res := range e.executor.Run(plan) {
		if res.Err != nil {
			return nil, res.Err
		}
		out = append(out, res.Record)
	}
	return out, nil
}

// Count runs q and returns only the number of matching records.
func (e *Endpoint) Count(q queryplan.QueryExpression) (int, error) {
	recs, err := e.Query(q)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// GetByPrimaryKey looks up one record by its primary key value(s), given in
// schema.PrimaryKey order.
func (e *Endpoint) GetByPrimaryKey(pk []field.Field) (field.Record, bool, error) {
	schema := e.Schema()
	if schema.IsAppendOnly() {
		return field.Record{}, false, fmt.Errorf("materializer: endpoint %q is append-only, has no primary key", e.Name)
	}
	rec, err := field.NewRecord(schema, make([]field.Field, len(schema.Fields)))
	if err != nil {
		return field.Record{}, false, err
	}
	for i, idx := range schema.PrimaryKey {
		rec.Values[idx] = pk[i]
	}
	key, err := rec.EncodePrimaryKey(schema)
	if err != nil {
		return field.Record{}, false, err
	}
	for _, r := range e.Log.ScanRecords(true) {
		candidateKey, err := r.EncodePrimaryKey(schema)
		if err != nil {
			return field.Record{}, false, err
		}
		if string(candidateKey) == string(key) {
			return r, true, nil
		}
	}
	return field.Record{}, false, nil
}

// Consume implements dag.SinkNode: it applies every operation arriving on
// in directly into the endpoint's local log and publishes a materializer
// Event for OnEvent subscribers. Epoch boundaries are acknowledged by
// simply continuing to drain; durable commit-on-boundary is pkg/oplog's own
// per-write persistence, there is no separate flush step here.
func (e *Endpoint) Consume(ctx context.Context, in <-chan dag.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if env.IsBoundary() {
				continue
			}
			if err := e.apply(env.Op); err != nil {
				log.WithComponent("materializer").Error().Err(err).Str("endpoint", e.Name).Msg("apply failed")
				return err
			}
			e.Broker.Publish(&Event{Endpoint: e.Name, Op: env.Op})
		}
	}
}

func (e *Endpoint) apply(op *oplog.Operation) error {
	switch op.Kind {
	case oplog.Insert:
		_, err := e.Log.Insert(*op.New)
		return err
	case oplog.Delete:
		_, err := e.Log.Delete(op.Old.PrimaryKeyValues(e.Schema()))
		return err
	case oplog.Update:
		_, err := e.Log.Update(*op.New)
		return err
	default:
		return fmt.Errorf("materializer: endpoint %q: unknown operation kind %v", e.Name, op.Kind)
	}
}
