package txn

import (
	"sort"

	"github.com/google/uuid"

	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/errs"
)

// OpKind distinguishes the staged mutation kinds.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpPatch
	OpDelete
)

// Op is one staged mutation against one table.
type Op struct {
	Kind   OpKind
	ID     uint64 // ignored for OpCreate
	Values map[string]any
}

// Handle is an explicit (multi-op) transaction: it accumulates staged
// mutations per table and applies them atomically at Commit, per
// spec.md §4.4. A Handle backs both RPC-driven explicit transactions
// and procedure transactions (spec.md §4.6) — the only difference is
// who populates the staging.
type Handle struct {
	ID     string
	engine *Engine
	staged map[string][]Op
	done   bool
}

// Begin opens a new explicit transaction handle.
func (e *Engine) Begin() *Handle {
	return &Handle{
		ID:     uuid.NewString(),
		engine: e,
		staged: make(map[string][]Op),
	}
}

// Stage records an ordered mutation against a table; it is not applied
// or validated until Commit.
func (h *Handle) Stage(table string, op Op) {
	h.staged[table] = append(h.staged[table], op)
}

// CreateResult captures the id assigned to a staged Create once
// Commit succeeds, keyed by (table, staging index), so callers can
// discover generated ids after commit.
type CreateResult struct {
	Table string
	Index int
	ID    uint64
}

// Commit validates every staged mutation against a cloned copy of each
// touched table, and — only if every table validates — publishes each
// table's successor buffer in ascending table-name order (spec.md
// §4.4 point 4). On any validation failure the whole transaction
// aborts with TransactionAborted and no table is published.
func (h *Handle) Commit() ([]CreateResult, error) {
	if h.done {
		return nil, errs.New(errs.KindTransactionAborted, "transaction already closed")
	}
	h.done = true

	names := make([]string, 0, len(h.staged))
	for name := range h.staged {
		names = append(names, name)
	}
	sort.Strings(names)

	type prepared struct {
		table   *catalog.Table
		bytes   []byte
		index   map[uint64]uint32
		created []CreateResult
	}
	plans := make([]prepared, 0, len(names))

	for _, name := range names {
		table, err := h.engine.cat.Table(name)
		if err != nil {
			return nil, errs.New(errs.KindTransactionAborted, "table "+name+" not found")
		}

		snap := table.Buffer.Snapshot()
		state := snap.State
		bytes := append([]byte(nil), state.Bytes...)
		index := cloneIndex(state.Index)
		recSize := table.Layout.RecordSize

		var created []CreateResult
		for opIdx, op := range h.staged[name] {
			switch op.Kind {
			case OpCreate:
				id := table.Buffer.NextID()
				liveCount := len(bytes) / recSize
				bytes = growAndCopy(bytes, recSize, liveCount+1)
				rec := bytes[liveCount*recSize : (liveCount+1)*recSize]

				idField, _ := table.Layout.FieldByName(catalog.IDFieldName)
				if err := idField.Type.Encode(rec, idField.Offset, id); err != nil {
					return nil, errs.Wrap(errs.KindTransactionAborted, "encode id failed", err)
				}
				if err := encodeFields(table, rec, op.Values); err != nil {
					return nil, errs.Wrap(errs.KindTransactionAborted, "create validation failed", err)
				}
				index[id] = uint32(liveCount)
				created = append(created, CreateResult{Table: name, Index: opIdx, ID: id})

			case OpUpdate, OpPatch:
				slot, ok := index[op.ID]
				if !ok {
					return nil, errs.New(errs.KindTransactionAborted, "record not found during staged update")
				}
				rec := bytes[int(slot)*recSize : (int(slot)+1)*recSize]
				if err := encodeFields(table, rec, op.Values); err != nil {
					return nil, errs.Wrap(errs.KindTransactionAborted, "update validation failed", err)
				}

			case OpDelete:
				if _, ok := index[op.ID]; !ok {
					return nil, errs.New(errs.KindTransactionAborted, "record not found during staged delete")
				}
				delete(index, op.ID)
			}
		}

		plans = append(plans, prepared{table: table, bytes: bytes, index: index, created: created})
	}

	// All tables validated; publish in ascending table-name order.
	var results []CreateResult
	for _, p := range plans {
		p.table.Buffer.Publish(p.bytes, p.index)
		results = append(results, p.created...)
	}
	return results, nil
}

// Abort discards all staging. No table is touched.
func (h *Handle) Abort() {
	h.done = true
	h.staged = nil
}

func encodeFields(table *catalog.Table, rec []byte, values map[string]any) error {
	for name, val := range values {
		f, ok := table.Layout.FieldByName(name)
		if !ok {
			return errs.SchemaErrorf("unknown field %q on table %q", name, table.Name)
		}
		if f.Name == catalog.IDFieldName {
			continue
		}
		if err := f.Type.Encode(rec, f.Offset, val); err != nil {
			return errs.TypeMismatchf("field %q: %v", name, err)
		}
	}
	return nil
}
