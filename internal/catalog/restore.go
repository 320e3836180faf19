package catalog

import (
	"fmt"

	"github.com/packedrow/kernel/internal/buffer"
	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/layout"
	"github.com/packedrow/kernel/internal/types"
)

// RestoreTable rebuilds a Table from a parsed schema.json table entry
// and the raw bytes of its data file, per spec.md §4.8's startup
// contract: fileBytes length must be a multiple of recordSize or
// startup refuses to proceed; the live-index is rebuilt by scanning
// the id field of every slot, and the id counter is set to
// max(id)+1.
func RestoreTable(reg *types.Registry, name string, recordSize int, fields []FieldEntry, fileBytes []byte) (*Table, error) {
	if recordSize <= 0 {
		return nil, errs.Wrap(errs.KindIoError, fmt.Sprintf("table %q: invalid record_size %d", name, recordSize), nil)
	}
	if len(fileBytes)%recordSize != 0 {
		return nil, errs.Wrap(errs.KindIoError,
			fmt.Sprintf("table %q: data file length %d is not a multiple of record_size %d", name, len(fileBytes), recordSize), nil)
	}

	fieldSpecs := make([]layout.FieldSpec, len(fields))
	for i, f := range fields {
		d, err := ResolveTypeID(reg, f.Type, false)
		if err != nil {
			return nil, errs.Wrap(errs.KindIoError, fmt.Sprintf("table %q: field %q", name, f.Name), err)
		}
		fieldSpecs[i] = layout.FieldSpec{Name: f.Name, Type: d}
	}
	l, err := layout.Compute(fieldSpecs)
	if err != nil {
		return nil, err
	}
	if l.RecordSize != recordSize {
		return nil, errs.Wrap(errs.KindIoError,
			fmt.Sprintf("table %q: computed record_size %d does not match schema file %d", name, l.RecordSize, recordSize), nil)
	}

	idField, ok := l.FieldByName(IDFieldName)
	if !ok {
		return nil, errs.Wrap(errs.KindIoError, fmt.Sprintf("table %q: missing id field", name), nil)
	}

	liveCount := len(fileBytes) / recordSize
	index := make(map[uint64]uint32, liveCount)
	var maxID uint64
	for slot := 0; slot < liveCount; slot++ {
		rec := fileBytes[slot*recordSize : (slot+1)*recordSize]
		idVal, err := idField.Type.Decode(rec, idField.Offset)
		if err != nil {
			return nil, errs.Wrap(errs.KindIoError, fmt.Sprintf("table %q: slot %d id decode failed", name, slot), err)
		}
		id, ok := idVal.(uint64)
		if !ok {
			return nil, errs.Wrap(errs.KindIoError, fmt.Sprintf("table %q: slot %d id field is not u64", name, slot), nil)
		}
		index[id] = uint32(slot)
		if id > maxID {
			maxID = id
		}
	}

	return &Table{
		Name:   name,
		Layout: l,
		Buffer: buffer.Restore(recordSize, fileBytes, index, maxID),
	}, nil
}

// InstallTable adds an already-built table (e.g. produced by
// RestoreTable) directly into the catalog, bypassing DDL validation.
// Used only during startup load, before the catalog is serving
// traffic.
func (c *Catalog) InstallTable(t *Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[t.Name] = t
}

// InstallRelation adds an already-validated relation directly,
// bypassing endpoint-existence checks (the caller — startup load — has
// already loaded all tables from the same schema file).
func (c *Catalog) InstallRelation(r Relation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relations[r.ID] = r
}
