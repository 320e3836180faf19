package runtime

import (
	"fmt"

	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/queue"
)

// dispatch executes one non-procedure request synchronously against
// the catalog/engine and returns the Response to deliver on
// req.Reply. CallProcedure requests never reach here; the Procedure
// phase handles those (see loop.go).
func (l *Loop) dispatch(req *queue.Request) queue.Response {
	switch req.Kind {
	case queue.KindCreateTable:
		fields := toFieldInputs(req.Fields)
		table, err := l.cat.CreateTable(req.Table, fields)
		if err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: map[string]any{"table": req.Table, "record_size": table.Layout.RecordSize}}

	case queue.KindDeleteTable:
		return queue.Response{Err: l.cat.DeleteTable(req.Table)}

	case queue.KindAddField:
		offset, recordSize, err := l.cat.AddField(req.Table, toFieldInput(req.FieldSpec))
		if err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: map[string]int{"offset": offset, "record_size": recordSize}}

	case queue.KindRemoveField:
		return queue.Response{Err: l.cat.RemoveField(req.Table, req.Field)}

	case queue.KindCreateRecord:
		id, err := l.engine.Create(req.Table, req.Values)
		if err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: id}

	case queue.KindReadRecord:
		row, err := l.engine.Read(req.Table, req.RecordID)
		if err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: row}

	case queue.KindQueryRecords:
		rows, err := l.engine.QueryAll(req.Table)
		if err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: filterRows(rows, req.Filter)}

	case queue.KindUpdateRecord:
		return queue.Response{Err: l.engine.Update(req.Table, req.RecordID, req.Values)}

	case queue.KindPatchRecord:
		return queue.Response{Err: l.engine.Patch(req.Table, req.RecordID, req.Values)}

	case queue.KindDeleteRecord:
		return queue.Response{Err: l.engine.Delete(req.Table, req.RecordID)}

	case queue.KindCreateRelation:
		rel := req.Relation
		id, err := l.cat.CreateRelation(rel.FromTable, rel.FromField, rel.ToTable, rel.ToField)
		if err != nil {
			return queue.Response{Err: err}
		}
		return queue.Response{Value: id}

	case queue.KindDeleteRelation:
		return queue.Response{Err: l.cat.DeleteRelation(req.Relation.ID)}

	default:
		return queue.Response{Err: errs.BadRequestf("unsupported request kind for synchronous dispatch")}
	}
}

// filterRows applies the SPEC_FULL.md QueryRecords equality filter: a
// row survives only if every filter key equals the row's string-ified
// field value. nil/empty filter passes everything through.
func filterRows(rows []map[string]any, filter map[string]string) []map[string]any {
	if len(filter) == 0 {
		return rows
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if rowMatches(row, filter) {
			out = append(out, row)
		}
	}
	return out
}

func rowMatches(row map[string]any, filter map[string]string) bool {
	for key, want := range filter {
		val, ok := row[key]
		if !ok {
			return false
		}
		if stringify(val) != want {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func toFieldInput(f queue.FieldParams) catalog.FieldInput {
	return catalog.FieldInput{Name: f.Name, Type: f.Type, Truncate: f.Truncate}
}

func toFieldInputs(fs []queue.FieldParams) []catalog.FieldInput {
	out := make([]catalog.FieldInput, len(fs))
	for i, f := range fs {
		out[i] = toFieldInput(f)
	}
	return out
}
