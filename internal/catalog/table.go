// Package catalog implements SchemaCatalog: the name -> Table mapping,
// relation declarations, and schema.json persistence, per spec.md §4.5.
package catalog

import (
	"sync"

	"github.com/packedrow/kernel/internal/buffer"
	"github.com/packedrow/kernel/internal/layout"
	"github.com/packedrow/kernel/internal/types"
)

// Table bundles a fixed record layout with its atomically-published
// buffer. mu guards DDL rewrites (add/remove field); the CRUD hot path
// never takes it, matching spec.md §5's "no locks on the CRUD hot
// path" rule — mu only serializes the rare schema-changing operations
// against each other and against a concurrent buffer-rewrite publish.
type Table struct {
	mu     sync.Mutex
	Name   string
	Layout layout.Layout
	Buffer *buffer.Buffer

	StringOverflow OverflowPolicy
}

// OverflowPolicy names the string-encode behaviors on overflow (see
// spec.md §4.1). Table.StringOverflow is not consulted by any encode
// path: each string field's own FieldInput.Truncate flag, fixed when
// its codec is built, decides whether an over-long value errors
// (the default) or is truncated.
type OverflowPolicy int

const (
	OverflowError OverflowPolicy = iota
	OverflowTruncate
)

// Relation is a declarative pointer between two table fields; it
// carries no storage (spec.md §3).
type Relation struct {
	ID         string
	FromTable  string
	FromField  string
	ToTable    string
	ToField    string
}

// IDFieldName is the reserved name of every table's first field, the
// unique u64 record id (spec.md §3).
const IDFieldName = "id"

// IDType is the registry id used for the id field.
const IDType = "u64"

// NewTable computes the field layout and allocates an empty buffer.
// The caller must prepend the id field to fields before calling this,
// or use BuildFields below.
func NewTable(name string, fields []layout.FieldSpec) (*Table, error) {
	l, err := layout.Compute(fields)
	if err != nil {
		return nil, err
	}
	return &Table{
		Name:   name,
		Layout: l,
		Buffer: buffer.New(l.RecordSize),
	}, nil
}

// BuildFields prepends the mandatory id field to a user-supplied field
// list, resolving each type name through the registry.
func BuildFields(reg *types.Registry, userFields []FieldInput) ([]layout.FieldSpec, error) {
	idType, err := reg.Lookup(IDType)
	if err != nil {
		return nil, err
	}
	out := make([]layout.FieldSpec, 0, len(userFields)+1)
	out = append(out, layout.FieldSpec{Name: IDFieldName, Type: idType})

	for _, f := range userFields {
		if f.Name == IDFieldName {
			continue // id is implicit; silently skip a redundant client-supplied one
		}
		d, err := ResolveTypeID(reg, f.Type, f.Truncate)
		if err != nil {
			return nil, err
		}
		out = append(out, layout.FieldSpec{Name: f.Name, Type: d})
	}
	return out, nil
}

// ResolveTypeID maps a wire-level type string to a descriptor.
//
// Two spellings are understood: a bare scalar/composite id registered
// in the TypeRegistry ("u64", "f32", "3xf32", ...), or "string:<width>"
// selecting the fixed-width inline string codec from spec.md §3/§4.1.
// This is the one place that spelling is interpreted, so schema.json
// reload (package persistence) and live DDL agree on it.
func ResolveTypeID(reg *types.Registry, typeID string, truncateOnOverflow bool) (types.Descriptor, error) {
	if width, ok := parseStringType(typeID); ok {
		return types.NewStringType(width, truncateOnOverflow), nil
	}
	return reg.Lookup(typeID)
}

func parseStringType(typeID string) (width int, ok bool) {
	const prefix = "string:"
	if len(typeID) <= len(prefix) || typeID[:len(prefix)] != prefix {
		return 0, false
	}
	n := 0
	for _, c := range typeID[len(prefix):] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n <= 2 {
		return 0, false
	}
	return n, true
}

// FieldInput is the wire-level description of a user field before type
// resolution (POST /tables/{n} and POST /tables/{n}/fields bodies).
type FieldInput struct {
	Name     string
	Type     string // e.g. "u64", "f32", or "string:32"
	Truncate bool   // overflow policy for string fields; default false (error)
}
