package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/packedrow/kernel/internal/buffer"
	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/layout"
	"github.com/packedrow/kernel/internal/types"
)

// Catalog owns the name -> Table mapping and the relation list. All DDL
// goes through it and every successful DDL rewrites schema.json
// synchronously (spec.md §4.5).
type Catalog struct {
	mu        sync.RWMutex
	tables    map[string]*Table
	relations map[string]Relation
	registry  *types.Registry
	dataDir   string
	logger    *slog.Logger
}

// New creates an empty catalog rooted at dataDir.
func New(dataDir string, registry *types.Registry, logger *slog.Logger) *Catalog {
	return &Catalog{
		tables:    make(map[string]*Table),
		relations: make(map[string]Relation),
		registry:  registry,
		dataDir:   dataDir,
		logger:    logger,
	}
}

// Registry exposes the type registry for field resolution.
func (c *Catalog) Registry() *types.Registry { return c.registry }

// Table looks up a table by name.
func (c *Catalog) Table(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, errs.NotFoundf("table %q not found", name)
	}
	return t, nil
}

// TableNames returns all table names, sorted ascending (the order
// required by spec.md §4.4 for multi-table commits).
func (c *Catalog) TableNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CreateTable runs the CreateTable DDL: compute layout, allocate an
// empty buffer, install it, and persist schema.json. On any failure no
// partial catalog mutation is visible (spec.md §7 SchemaError).
func (c *Catalog) CreateTable(name string, fields []FieldInput) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[name]; exists {
		return nil, errs.SchemaErrorf("table %q already exists", name)
	}

	fieldSpecs, err := BuildFields(c.registry, fields)
	if err != nil {
		return nil, err
	}

	table, err := NewTable(name, fieldSpecs)
	if err != nil {
		return nil, err
	}

	c.tables[name] = table
	if err := c.persistLocked(); err != nil {
		delete(c.tables, name)
		return nil, errs.Wrap(errs.KindIoError, "failed to persist schema after create table", err)
	}

	c.logger.Info("table created", slog.String("table", name), slog.Int("record_size", table.Layout.RecordSize))
	return table, nil
}

// DeleteTable runs the DeleteTable DDL.
func (c *Catalog) DeleteTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	table, exists := c.tables[name]
	if !exists {
		return errs.NotFoundf("table %q not found", name)
	}

	for _, rel := range c.relations {
		if rel.FromTable == name || rel.ToTable == name {
			return errs.SchemaErrorf("table %q is referenced by relation %q", name, rel.ID)
		}
	}

	delete(c.tables, name)
	if err := c.persistLocked(); err != nil {
		c.tables[name] = table
		return errs.Wrap(errs.KindIoError, "failed to persist schema after delete table", err)
	}

	c.logger.Info("table deleted", slog.String("table", name))
	return nil
}

// AddField runs the blocking buffer-rewrite DDL from spec.md §4.5: a
// new layout is computed, a buffer sized for the live record count is
// allocated, each live record is copied field-by-field (new fields
// zero-filled), and a single publish installs layout+buffer+index
// atomically.
func (c *Catalog) AddField(tableName string, field FieldInput) (newOffset int, recordSize int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	table, exists := c.tables[tableName]
	if !exists {
		return 0, 0, errs.NotFoundf("table %q not found", tableName)
	}

	table.mu.Lock()
	defer table.mu.Unlock()

	if _, dup := table.Layout.FieldByName(field.Name); dup {
		return 0, 0, errs.SchemaErrorf("field %q already exists on table %q", field.Name, tableName)
	}

	newDescriptor, err := resolveFieldInput(c.registry, field)
	if err != nil {
		return 0, 0, err
	}

	oldFields := make([]layout.FieldSpec, len(table.Layout.Fields))
	for i, f := range table.Layout.Fields {
		oldFields[i] = layout.FieldSpec{Name: f.Name, Type: f.Type}
	}
	newFields := append(oldFields, layout.FieldSpec{Name: field.Name, Type: newDescriptor})

	newLayout, err := layout.Compute(newFields)
	if err != nil {
		return 0, 0, err
	}

	if err := rewriteBuffer(table, newLayout); err != nil {
		return 0, 0, err
	}

	if err := c.persistLocked(); err != nil {
		return 0, 0, errs.Wrap(errs.KindIoError, "failed to persist schema after add field", err)
	}

	added, _ := newLayout.FieldByName(field.Name)
	c.logger.Info("field added", slog.String("table", tableName), slog.String("field", field.Name), slog.Int("offset", added.Offset))
	return added.Offset, newLayout.RecordSize, nil
}

// RemoveField runs the symmetric buffer-rewrite DDL for field removal.
func (c *Catalog) RemoveField(tableName, fieldName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	table, exists := c.tables[tableName]
	if !exists {
		return errs.NotFoundf("table %q not found", tableName)
	}
	if fieldName == IDFieldName {
		return errs.SchemaErrorf("cannot remove the reserved id field")
	}

	table.mu.Lock()
	defer table.mu.Unlock()

	if _, ok := table.Layout.FieldByName(fieldName); !ok {
		return errs.NotFoundf("field %q not found on table %q", fieldName, tableName)
	}

	newFields := make([]layout.FieldSpec, 0, len(table.Layout.Fields)-1)
	for _, f := range table.Layout.Fields {
		if f.Name == fieldName {
			continue
		}
		newFields = append(newFields, layout.FieldSpec{Name: f.Name, Type: f.Type})
	}

	newLayout, err := layout.Compute(newFields)
	if err != nil {
		return err
	}

	if err := rewriteBuffer(table, newLayout); err != nil {
		return err
	}

	if err := c.persistLocked(); err != nil {
		return errs.Wrap(errs.KindIoError, "failed to persist schema after remove field", err)
	}

	c.logger.Info("field removed", slog.String("table", tableName), slog.String("field", fieldName))
	return nil
}

// rewriteBuffer allocates a buffer sized for the current live count
// under newLayout, copies each live record field-by-field (new fields
// zero-filled, removed fields skipped by virtue of not being in
// newLayout), and publishes the result, then swaps the table's layout.
// Caller must hold table.mu.
func rewriteBuffer(table *Table, newLayout layout.Layout) error {
	snap := table.Buffer.Snapshot()
	state := snap.State

	liveIDs := make([]uint64, 0, len(state.Index))
	for id := range state.Index {
		liveIDs = append(liveIDs, id)
	}
	sort.Slice(liveIDs, func(i, j int) bool { return liveIDs[i] < liveIDs[j] })

	newBytes := make([]byte, len(liveIDs)*newLayout.RecordSize)
	newIndex := make(map[uint64]uint32, len(liveIDs))

	for slot, id := range liveIDs {
		oldRec, err := state.Get(id)
		if err != nil {
			return err
		}
		dst := newBytes[slot*newLayout.RecordSize : (slot+1)*newLayout.RecordSize]
		for _, nf := range newLayout.Fields {
			if of, ok := table.Layout.FieldByName(nf.Name); ok {
				val, err := of.Type.Decode(oldRec, of.Offset)
				if err != nil {
					return errs.Wrap(errs.KindIoError, "failed to decode field during rewrite", err)
				}
				if err := nf.Type.Encode(dst, nf.Offset, val); err != nil {
					return errs.Wrap(errs.KindIoError, "failed to re-encode field during rewrite", err)
				}
			}
			// field absent in old layout: left zero-filled (new field default).
		}
		newIndex[id] = uint32(slot)
	}

	newBuf := buffer.Restore(newLayout.RecordSize, newBytes, newIndex, table.Buffer.PeekNextID()-1)
	table.Buffer = newBuf
	table.Layout = newLayout
	return nil
}

func maxID(ids []uint64) uint64 {
	var max uint64
	for _, id := range ids {
		if id > max {
			max = id
		}
	}
	return max
}

// persistLocked writes schema.json. Caller must hold c.mu (read or
// write — writers call it with the write lock already held).
func (c *Catalog) persistLocked() error {
	return writeSchemaFile(c.dataDir, c)
}

// snapshotLocked returns a point-in-time description of the schema for
// serialization or introspection.
func (c *Catalog) snapshotLocked() schemaFile {
	sf := schemaFile{
		Version: 1,
		Tables:  make(map[string]tableFile, len(c.tables)),
	}
	for name, t := range c.tables {
		fields := make([]FieldEntry, len(t.Layout.Fields))
		for i, f := range t.Layout.Fields {
			fields[i] = FieldEntry{Name: f.Name, Type: f.Type.ID, Offset: f.Offset}
		}
		sf.Tables[name] = tableFile{
			RecordSize: t.Layout.RecordSize,
			Fields:     fields,
		}
	}
	for _, rel := range c.relations {
		sf.Relations = append(sf.Relations, RelationEntry{
			FromTable: rel.FromTable, FromField: rel.FromField,
			ToTable: rel.ToTable, ToField: rel.ToField,
		})
	}
	return sf
}

// CreateRelation validates both endpoints exist with compatible scalar
// types and records the declarative pointer (spec.md §3).
func (c *Catalog) CreateRelation(fromTable, fromField, toTable, toField string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ft, ok := c.tables[fromTable]
	if !ok {
		return "", errs.NotFoundf("table %q not found", fromTable)
	}
	tt, ok := c.tables[toTable]
	if !ok {
		return "", errs.NotFoundf("table %q not found", toTable)
	}

	ff, ok := ft.Layout.FieldByName(fromField)
	if !ok {
		return "", errs.NotFoundf("field %q not found on table %q", fromField, fromTable)
	}
	tf, ok := tt.Layout.FieldByName(toField)
	if !ok {
		return "", errs.NotFoundf("field %q not found on table %q", toField, toTable)
	}
	if ff.Type.ID != tf.Type.ID {
		return "", errs.SchemaErrorf("relation endpoints have incompatible types %q vs %q", ff.Type.ID, tf.Type.ID)
	}

	id := fmt.Sprintf("%s.%s->%s.%s", fromTable, fromField, toTable, toField)
	if _, exists := c.relations[id]; exists {
		return "", errs.SchemaErrorf("relation %q already exists", id)
	}

	c.relations[id] = Relation{ID: id, FromTable: fromTable, FromField: fromField, ToTable: toTable, ToField: toField}
	if err := c.persistLocked(); err != nil {
		delete(c.relations, id)
		return "", errs.Wrap(errs.KindIoError, "failed to persist schema after create relation", err)
	}
	return id, nil
}

// DeleteRelation removes a previously-declared relation by id.
func (c *Catalog) DeleteRelation(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rel, exists := c.relations[id]
	if !exists {
		return errs.NotFoundf("relation %q not found", id)
	}
	delete(c.relations, id)
	if err := c.persistLocked(); err != nil {
		c.relations[id] = rel
		return errs.Wrap(errs.KindIoError, "failed to persist schema after delete relation", err)
	}
	return nil
}

// Relations returns all declared relations.
func (c *Catalog) Relations() []Relation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Relation, 0, len(c.relations))
	for _, r := range c.relations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resolveFieldInput resolves one user field to a type descriptor,
// reusing BuildFields (which always prepends the implicit id field, so
// the resolved descriptor is the last entry).
func resolveFieldInput(reg *types.Registry, field FieldInput) (types.Descriptor, error) {
	d, err := BuildFields(reg, []FieldInput{field})
	if err != nil {
		return types.Descriptor{}, err
	}
	return d[len(d)-1].Type, nil
}
