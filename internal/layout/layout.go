// Package layout implements FieldLayout: deterministic offset and
// record-size computation for an ordered list of (name, type) fields.
package layout

import (
	"fmt"

	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/types"
)

// FieldSpec is one input column before offsets are computed.
type FieldSpec struct {
	Name string
	Type types.Descriptor
}

// Field is a resolved field with its computed offset.
type Field struct {
	Name   string
	Type   types.Descriptor
	Offset int
}

// Layout is the computed shape of a record.
type Layout struct {
	Fields     []Field
	RecordSize int
	Alignment  int
}

// Compute walks fields in order, rounding the running offset up to each
// field's alignment before advancing by its size, per spec.md §4.2.
// Record alignment is the maximum field alignment; RecordSize is the
// running offset rounded up to that alignment. No inter-record padding
// is added; callers lay records end to end.
func Compute(fields []FieldSpec) (Layout, error) {
	if len(fields) == 0 {
		return Layout{}, errs.SchemaErrorf("a table must have at least one field")
	}

	seen := make(map[string]struct{}, len(fields))
	resolved := make([]Field, 0, len(fields))
	offset := 0
	recordAlign := 1

	for _, f := range fields {
		if _, dup := seen[f.Name]; dup {
			return Layout{}, errs.SchemaErrorf("duplicate field name %q", f.Name)
		}
		seen[f.Name] = struct{}{}

		align := f.Type.Alignment
		if align <= 0 {
			return Layout{}, errs.SchemaErrorf("field %q has invalid alignment %d", f.Name, align)
		}
		offset = roundUp(offset, align)
		resolved = append(resolved, Field{Name: f.Name, Type: f.Type, Offset: offset})
		offset += f.Type.Size

		if align > recordAlign {
			recordAlign = align
		}
	}

	recordSize := roundUp(offset, recordAlign)
	return Layout{Fields: resolved, RecordSize: recordSize, Alignment: recordAlign}, nil
}

// FieldByName finds a resolved field by name.
func (l Layout) FieldByName(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func roundUp(offset, align int) int {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

// Describe returns a human-readable summary for diagnostics; schema.json
// serialization does not use it.
func (l Layout) Describe() string {
	return fmt.Sprintf("record_size=%d alignment=%d fields=%d", l.RecordSize, l.Alignment, len(l.Fields))
}
