package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

// WindowProcessor appends window_start/window_end columns to every row
// under a TUMBLE or HOP assignment. TUMBLE assigns each row to exactly one
// fixed-size, non-overlapping window; HOP assigns it to every overlapping
// sliding window of Size stepped by Hop, so one input row can fan out into
// several output rows. An Update is processed as Delete(old)+Insert(new),
// matching the rest of the pipeline's update-composition convention, since
// the two sides can legitimately land in different windows.
type WindowProcessor struct {
	Input  TableBinding
	Spec   WindowSpec
	Output field.Schema
}

func NewWindowProcessor(alias string, input field.Schema, spec WindowSpec) *WindowProcessor {
	out := field.Schema{Name: input.Name}
	out.Fields = append(out.Fields, input.Fields...)
	out.Fields = append(out.Fields,
		field.FieldDefinition{Name: "window_start", Kind: field.KindTimestamp},
		field.FieldDefinition{Name: "window_end", Kind: field.KindTimestamp},
	)
	return &WindowProcessor{Input: TableBinding{Alias: alias, Schema: input}, Spec: spec, Output: out}
}

type windowSpan struct{ start, end time.Time }

// spansFor returns every window t falls into under p.Spec.
func (p *WindowProcessor) spansFor(t time.Time) []windowSpan {
	sizeN := int64(p.Spec.Size)
	if sizeN <= 0 {
		return nil
	}
	tn := t.UnixNano()
	if p.Spec.Kind == WindowTumble {
		start := (tn / sizeN) * sizeN
		return []windowSpan{{start: time.Unix(0, start).UTC(), end: time.Unix(0, start+sizeN).UTC()}}
	}

	hopN := int64(p.Spec.Hop)
	if hopN <= 0 {
		return nil
	}
	var spans []windowSpan
	for k := tn / hopN; ; k-- {
		wStart := k * hopN
		if wStart+sizeN <= tn {
			break
		}
		spans = append(spans, windowSpan{start: time.Unix(0, wStart).UTC(), end: time.Unix(0, wStart+sizeN).UTC()})
	}
	return spans
}

func (p *WindowProcessor) timeValue(rec *field.Record) (time.Time, error) {
	idx := p.Input.Schema.FieldByName(p.Spec.TimeColumn)
	if idx < 0 {
		return time.Time{}, fmt.Errorf("sql: window: unknown time column %q", p.Spec.TimeColumn)
	}
	v := rec.Values[idx]
	if v.Kind() != field.KindTimestamp && v.Kind() != field.KindDate {
		return time.Time{}, fmt.Errorf("sql: window: column %q is not a timestamp", p.Spec.TimeColumn)
	}
	return v.AsTimestamp(), nil
}

func withWindow(rec *field.Record, span windowSpan) *field.Record {
	values := make([]field.Field, 0, len(rec.Values)+2)
	values = append(values, rec.Values...)
	values = append(values, field.Timestamp(span.start), field.Timestamp(span.end))
	return &field.Record{Values: values}
}

func (p *WindowProcessor) expand(rec *field.Record) ([]*field.Record, error) {
	t, err := p.timeValue(rec)
	if err != nil {
		return nil, err
	}
	spans := p.spansFor(t)
	out := make([]*field.Record, len(spans))
	for i, s := range spans {
		out[i] = withWindow(rec, s)
	}
	return out, nil
}

func (p *WindowProcessor) Process(ctx context.Context, in <-chan dag.Envelope, out chan<- dag.Envelope) error {
	var nextID uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if env.IsBoundary() {
				if !sendEnvelope(ctx, out, env) {
					return ctx.Err()
				}
				continue
			}
			changes, err := splitChanges(env.Op)
			if err != nil {
				return fmt.Errorf("sql: window: %w", err)
			}
			for _, ch := range changes {
				expanded, err := p.expand(ch.rec)
				if err != nil {
					return fmt.Errorf("sql: window: %w", err)
				}
				for _, rec := range expanded {
					nextID++
					op := &oplog.Operation{ID: nextID}
					if ch.kind == chgInsert {
						op.Kind, op.New = oplog.Insert, rec
					} else {
						op.Kind, op.Old = oplog.Delete, rec
					}
					if !sendEnvelope(ctx, out, dag.Envelope{Op: op, Port: env.Port}) {
						return ctx.Err()
					}
				}
			}
		}
	}
}
