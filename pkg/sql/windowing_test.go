package sql

import (
	"testing"
	"time"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

func eventsSchema() field.Schema {
	return field.Schema{
		Name: "events",
		Fields: []field.FieldDefinition{
			{Name: "id", Kind: field.KindInt},
			{Name: "ts", Kind: field.KindTimestamp},
		},
	}
}

func eventRecord(id int64, ts time.Time) *field.Record {
	return &field.Record{Values: []field.Field{field.Int(id), field.Timestamp(ts)}}
}

func TestTumbleWindowAssignsSingleWindow(t *testing.T) {
	w := NewWindowProcessor("e", eventsSchema(), WindowSpec{Kind: WindowTumble, TimeColumn: "ts", Size: time.Minute})
	ts := time.Unix(0, 0).Add(90 * time.Second).UTC()
	out := runProcessor(t, w, []dag.Envelope{
		{Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: eventRecord(1, ts)}},
	})
	if len(out) != 1 {
		t.Fatalf("tumble window should assign exactly one window per row, got %d", len(out))
	}
	rec := out[0].Op.New
	start := rec.Values[2].AsTimestamp()
	end := rec.Values[3].AsTimestamp()
	if !start.Equal(time.Unix(60, 0).UTC()) || !end.Equal(time.Unix(120, 0).UTC()) {
		t.Fatalf("unexpected window bounds [%v, %v)", start, end)
	}
}

func TestHopWindowFansOutOverlaps(t *testing.T) {
	w := NewWindowProcessor("e", eventsSchema(), WindowSpec{
		Kind: WindowHop, TimeColumn: "ts", Size: 2 * time.Minute, Hop: time.Minute,
	})
	ts := time.Unix(90, 0).UTC()
	out := runProcessor(t, w, []dag.Envelope{
		{Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: eventRecord(1, ts)}},
	})
	if len(out) != 2 {
		t.Fatalf("a size=2m/hop=1m window should fan a row into 2 overlapping windows, got %d", len(out))
	}
}

func TestWindowUpdateSplitsIntoDeleteInsert(t *testing.T) {
	w := NewWindowProcessor("e", eventsSchema(), WindowSpec{Kind: WindowTumble, TimeColumn: "ts", Size: time.Minute})
	oldTs := time.Unix(10, 0).UTC()
	newTs := time.Unix(70, 0).UTC()
	out := runProcessor(t, w, []dag.Envelope{
		{Op: &oplog.Operation{ID: 1, Kind: oplog.Update, Old: eventRecord(1, oldTs), New: eventRecord(1, newTs)}},
	})
	if len(out) != 2 {
		t.Fatalf("an update moving between windows should split into delete+insert, got %d", len(out))
	}
	if out[0].Op.Kind != oplog.Delete || out[1].Op.Kind != oplog.Insert {
		t.Fatalf("expected delete then insert, got %v then %v", out[0].Op.Kind, out[1].Op.Kind)
	}
}
