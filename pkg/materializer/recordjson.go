package materializer

import (
	"fmt"
	"time"

	"github.com/cuemby/dozer/pkg/field"
)

// recordToJSON renders a record as a plain map keyed by column name, the
// shape REST/gRPC Query/GetByPrimaryKey responses serialize. field.Field
// has no exported representation of its own (pkg/field.Field's scalar
// slots are unexported, see pkg/rpcwire), so this is the one place that
// widens each Kind out to a JSON-friendly Go value via its Kind()/As*
// accessors.
func recordToJSON(schema field.Schema, rec field.Record) (map[string]any, error) {
	out := make(map[string]any, len(schema.Fields))
	for i, def := range schema.Fields {
		v, err := fieldToJSON(rec.Values[i])
		if err != nil {
			return nil, fmt.Errorf("materializer: field %q: %w", def.Name, err)
		}
		out[def.Name] = v
	}
	return out, nil
}

func fieldToJSON(f field.Field) (any, error) {
	if f.IsNull() {
		return nil, nil
	}
	switch f.Kind() {
	case field.KindUInt:
		return f.AsUInt(), nil
	case field.KindInt:
		return f.AsInt(), nil
	case field.KindUInt128, field.KindInt128, field.KindDecimal:
		return f.AsBigInt().String(), nil
	case field.KindFloat:
		return f.AsFloat(), nil
	case field.KindBoolean:
		return f.AsBoolean(), nil
	case field.KindString, field.KindText:
		return f.AsString(), nil
	case field.KindBinary, field.KindJSON:
		return f.AsBinary(), nil
	case field.KindTimestamp, field.KindDate:
		return f.AsTimestamp().Format(time.RFC3339Nano), nil
	case field.KindDuration:
		d, _ := f.AsDuration()
		return d.String(), nil
	case field.KindPoint:
		p := f.AsPoint()
		return map[string]float64{"x": p.X, "y": p.Y}, nil
	default:
		return nil, fmt.Errorf("unsupported field kind %v", f.Kind())
	}
}
