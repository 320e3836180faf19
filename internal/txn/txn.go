// Package txn implements the TransactionEngine: implicit (single-op)
// CRUD and explicit (multi-op, including procedure) transactions, per
// spec.md §4.4.
//
// The engine is the sole committer (spec.md §5): Publish calls on a
// given table's buffer are only ever made from here, serialized by the
// RuntimeLoop's single tick goroutine. Conflict policy is
// last-writer-wins, enforced structurally by that serialization rather
// than by any locking on the reader path.
package txn

import (
	"sort"

	"github.com/packedrow/kernel/internal/buffer"
	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/errs"
)

// Engine applies CRUD operations against a Catalog.
type Engine struct {
	cat *catalog.Catalog
}

// New creates a TransactionEngine bound to a catalog.
func New(cat *catalog.Catalog) *Engine {
	return &Engine{cat: cat}
}

// Create appends a new record, assigning it the table's next id.
// Returns NotFound if the table doesn't exist, SchemaError for unknown
// fields, TypeMismatch if a value can't be encoded.
func (e *Engine) Create(tableName string, values map[string]any) (uint64, error) {
	table, err := e.cat.Table(tableName)
	if err != nil {
		return 0, err
	}

	snap := table.Buffer.Snapshot()
	state := snap.State

	id := table.Buffer.NextID()
	recSize := table.Layout.RecordSize
	rec := make([]byte, recSize)

	idField, _ := table.Layout.FieldByName(catalog.IDFieldName)
	if err := idField.Type.Encode(rec, idField.Offset, id); err != nil {
		return 0, errs.Wrap(errs.KindIoError, "failed to encode id field", err)
	}

	for name, val := range values {
		f, ok := table.Layout.FieldByName(name)
		if !ok {
			return 0, errs.SchemaErrorf("unknown field %q on table %q", name, tableName)
		}
		if f.Name == catalog.IDFieldName {
			continue // id is assigned by the engine, not the caller
		}
		if err := f.Type.Encode(rec, f.Offset, val); err != nil {
			return 0, errs.TypeMismatchf("field %q: %v", name, err)
		}
	}

	slot := len(state.Bytes) / recSize
	newBytes := growAndCopy(state.Bytes, recSize, slot+1)
	copy(newBytes[slot*recSize:(slot+1)*recSize], rec)

	newIndex := cloneIndex(state.Index)
	newIndex[id] = uint32(slot)

	table.Buffer.Publish(newBytes, newIndex)
	return id, nil
}

// Read decodes a live record into a field -> value map.
func (e *Engine) Read(tableName string, id uint64) (map[string]any, error) {
	table, err := e.cat.Table(tableName)
	if err != nil {
		return nil, err
	}
	snap := table.Buffer.Snapshot()
	rec, err := snap.State.Get(id)
	if err != nil {
		return nil, err
	}
	return decodeRecord(table, rec)
}

// Update overwrites the fields named in values on a live record; fields
// absent from values keep their current bytes. The HTTP PUT handler
// always supplies every non-id field, which gives PUT its full-row
// semantics.
func (e *Engine) Update(tableName string, id uint64, values map[string]any) error {
	table, err := e.cat.Table(tableName)
	if err != nil {
		return err
	}
	snap := table.Buffer.Snapshot()
	state := snap.State

	slot, ok := state.Index[id]
	if !ok {
		return errs.NotFoundf("record %d not found in table %q", id, tableName)
	}

	recSize := table.Layout.RecordSize
	newBytes := append([]byte(nil), state.Bytes...)
	rec := newBytes[int(slot)*recSize : (int(slot)+1)*recSize]

	for name, val := range values {
		f, ok := table.Layout.FieldByName(name)
		if !ok {
			return errs.SchemaErrorf("unknown field %q on table %q", name, tableName)
		}
		if f.Name == catalog.IDFieldName {
			continue
		}
		if err := f.Type.Encode(rec, f.Offset, val); err != nil {
			return errs.TypeMismatchf("field %q: %v", name, err)
		}
	}

	newIndex := cloneIndex(state.Index)
	table.Buffer.Publish(newBytes, newIndex)
	return nil
}

// Patch replaces only the named fields, leaving all others unchanged.
func (e *Engine) Patch(tableName string, id uint64, updates map[string]any) error {
	return e.Update(tableName, id, updates)
}

// Delete tombstones a record: removed from the index, slot bytes left
// in place (soft delete, spec.md §3).
func (e *Engine) Delete(tableName string, id uint64) error {
	table, err := e.cat.Table(tableName)
	if err != nil {
		return err
	}
	snap := table.Buffer.Snapshot()
	state := snap.State

	if _, ok := state.Index[id]; !ok {
		return errs.NotFoundf("record %d not found in table %q", id, tableName)
	}

	newIndex := cloneIndex(state.Index)
	delete(newIndex, id)
	// Bytes are shared structurally with the prior version; a soft
	// delete only needs a new index, not a new byte vector.
	table.Buffer.Publish(state.Bytes, newIndex)
	return nil
}

// QueryAll decodes every live record in a table.
func (e *Engine) QueryAll(tableName string) ([]map[string]any, error) {
	table, err := e.cat.Table(tableName)
	if err != nil {
		return nil, err
	}
	snap := table.Buffer.Snapshot()
	state := snap.State

	ids := make([]uint64, 0, len(state.Index))
	for id := range state.Index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rec, err := state.Get(id)
		if err != nil {
			return nil, err
		}
		row, err := decodeRecord(table, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func decodeRecord(table *catalog.Table, rec []byte) (map[string]any, error) {
	row := make(map[string]any, len(table.Layout.Fields))
	for _, f := range table.Layout.Fields {
		v, err := f.Type.Decode(rec, f.Offset)
		if err != nil {
			return nil, errs.Wrap(errs.KindIoError, "failed to decode field "+f.Name, err)
		}
		row[f.Name] = v
	}
	return row, nil
}

func cloneIndex(in map[uint64]uint32) map[uint64]uint32 {
	out := make(map[uint64]uint32, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// growAndCopy returns a byte slice capable of holding slotCount slots
// of recSize bytes (the buffer's total slot count, tombstones
// included — never the live record count), with the previous contents
// copied in verbatim, per spec.md §4.3's growth policy (capacity
// doubling rather than exact reallocation every insert).
func growAndCopy(prev []byte, recSize, slotCount int) []byte {
	needed := slotCount * recSize
	capBytes := buffer.GrowCapacity(len(prev), needed)
	out := make([]byte, needed, capBytes)
	copy(out, prev)
	return out
}
