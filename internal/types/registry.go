// Package types implements the TypeRegistry: resolution of named scalar
// and composite POD type ids to their size, alignment, and codec.
package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/packedrow/kernel/internal/errs"
)

// Encoder writes a Go value into dst at the given offset.
type Encoder func(dst []byte, offset int, value any) error

// Decoder reads a value out of src at the given offset.
type Decoder func(src []byte, offset int) (any, error)

// Descriptor is the resolved shape of a type id.
type Descriptor struct {
	ID        string
	Size      int
	Alignment int
	POD       bool
	Encode    Encoder
	Decode    Decoder
}

// Registry resolves type ids to descriptors and allows runtime
// registration of composite POD types. Safe for concurrent use; writes
// only occur during DDL (schema catalog) operations.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Descriptor
}

// NewRegistry builds a registry pre-populated with the built-in scalar
// types from spec.md §3.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]Descriptor)}
	for _, d := range builtinScalars() {
		r.types[d.ID] = d
	}
	return r
}

// Register adds a new type id to the registry.
//
// BadAlignment fires when size%alignment != 0 or alignment is not a
// power of two <= 8, matching spec.md §4.1.
func (r *Registry) Register(id string, size, alignment int, pod bool, enc Encoder, dec Decoder) error {
	if !isPow2LE8(alignment) {
		return errs.SchemaErrorf("type %q: alignment %d must be a power of two <= 8", id, alignment)
	}
	if size%alignment != 0 {
		return errs.SchemaErrorf("type %q: size %d must be a multiple of alignment %d", id, size, alignment)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[id]; exists {
		return errs.New(errs.KindSchemaError, fmt.Sprintf("type %q already registered (DuplicateId)", id))
	}
	r.types[id] = Descriptor{ID: id, Size: size, Alignment: alignment, POD: pod, Encode: enc, Decode: dec}
	return nil
}

// RegisterComposite registers a fixed-size, fixed-alignment POD type
// with no built-in codec (callers decode/encode it as opaque bytes).
func (r *Registry) RegisterComposite(id string, size, alignment int) error {
	return r.Register(id, size, alignment, true, opaqueEncode(size), opaqueDecode(size))
}

// Lookup resolves an id to its descriptor.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[id]
	if !ok {
		return Descriptor{}, errs.New(errs.KindBadRequest, fmt.Sprintf("unknown type %q", id))
	}
	return d, nil
}

func isPow2LE8(n int) bool {
	if n <= 0 || n > 8 {
		return false
	}
	return n&(n-1) == 0
}

func opaqueEncode(size int) Encoder {
	return func(dst []byte, offset int, value any) error {
		b, ok := value.([]byte)
		if !ok || len(b) != size {
			return errs.TypeMismatchf("composite value must be exactly %d bytes", size)
		}
		copy(dst[offset:offset+size], b)
		return nil
	}
}

func opaqueDecode(size int) Decoder {
	return func(src []byte, offset int) (any, error) {
		out := make([]byte, size)
		copy(out, src[offset:offset+size])
		return out, nil
	}
}

// NewStringType builds the per-field string codec for a fixed slot
// width. The slot is length-prefixed (2-byte little-endian count) and
// zero-padded, as required by spec.md §3/§4.1.
//
// overflow controls whether Encode truncates or errors when the value
// exceeds width-2 bytes; default behavior (per spec.md §4.1) is to
// error.
func NewStringType(width int, truncateOnOverflow bool) Descriptor {
	return Descriptor{
		ID:        fmt.Sprintf("string:%d", width),
		Size:      width,
		Alignment: 2,
		POD:       false,
		Encode: func(dst []byte, offset int, value any) error {
			s, ok := value.(string)
			if !ok {
				return errs.TypeMismatchf("expected string, got %T", value)
			}
			payload := []byte(s)
			maxLen := width - 2
			if len(payload) > maxLen {
				if !truncateOnOverflow {
					return errs.TypeMismatchf("string %d bytes exceeds slot width %d", len(payload), maxLen)
				}
				payload = payload[:maxLen]
			}
			region := dst[offset : offset+width]
			for i := range region {
				region[i] = 0
			}
			binary.LittleEndian.PutUint16(region[0:2], uint16(len(payload)))
			copy(region[2:2+len(payload)], payload)
			return nil
		},
		Decode: func(src []byte, offset int) (any, error) {
			region := src[offset : offset+width]
			n := int(binary.LittleEndian.Uint16(region[0:2]))
			if n > width-2 {
				return nil, errs.TypeMismatchf("corrupt string slot: length %d exceeds width %d", n, width)
			}
			return string(region[2 : 2+n]), nil
		},
	}
}

func builtinScalars() []Descriptor {
	return []Descriptor{
		scalar[int8]("i8", 1, 1, encI8, decI8),
		scalar[int16]("i16", 2, 2, encI16, decI16),
		scalar[int32]("i32", 4, 4, encI32, decI32),
		scalar[int64]("i64", 8, 8, encI64, decI64),
		scalar[uint8]("u8", 1, 1, encU8, decU8),
		scalar[uint16]("u16", 2, 2, encU16, decU16),
		scalar[uint32]("u32", 4, 4, encU32, decU32),
		scalar[uint64]("u64", 8, 8, encU64, decU64),
		scalar[float32]("f32", 4, 4, encF32, decF32),
		scalar[float64]("f64", 8, 8, encF64, decF64),
		scalar[bool]("bool", 1, 1, encBool, decBool),
	}
}

// scalar exists only for the readable construction of Descriptor
// literals above; T is unused beyond naming intent.
func scalar[T any](id string, size, alignment int, enc Encoder, dec Decoder) Descriptor {
	return Descriptor{ID: id, Size: size, Alignment: alignment, POD: true, Encode: enc, Decode: dec}
}

func encI8(dst []byte, offset int, value any) error {
	v, err := toInt64(value)
	if err != nil {
		return err
	}
	dst[offset] = byte(int8(v))
	return nil
}
func decI8(src []byte, offset int) (any, error) { return int8(src[offset]), nil }

func encI16(dst []byte, offset int, value any) error {
	v, err := toInt64(value)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(dst[offset:offset+2], uint16(int16(v)))
	return nil
}
func decI16(src []byte, offset int) (any, error) {
	return int16(binary.LittleEndian.Uint16(src[offset : offset+2])), nil
}

func encI32(dst []byte, offset int, value any) error {
	v, err := toInt64(value)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst[offset:offset+4], uint32(int32(v)))
	return nil
}
func decI32(src []byte, offset int) (any, error) {
	return int32(binary.LittleEndian.Uint32(src[offset : offset+4])), nil
}

func encI64(dst []byte, offset int, value any) error {
	v, err := toInt64(value)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(dst[offset:offset+8], uint64(v))
	return nil
}
func decI64(src []byte, offset int) (any, error) {
	return int64(binary.LittleEndian.Uint64(src[offset : offset+8])), nil
}

func encU8(dst []byte, offset int, value any) error {
	v, err := toUint64(value)
	if err != nil {
		return err
	}
	dst[offset] = byte(v)
	return nil
}
func decU8(src []byte, offset int) (any, error) { return uint8(src[offset]), nil }

func encU16(dst []byte, offset int, value any) error {
	v, err := toUint64(value)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(dst[offset:offset+2], uint16(v))
	return nil
}
func decU16(src []byte, offset int) (any, error) {
	return binary.LittleEndian.Uint16(src[offset : offset+2]), nil
}

func encU32(dst []byte, offset int, value any) error {
	v, err := toUint64(value)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst[offset:offset+4], uint32(v))
	return nil
}
func decU32(src []byte, offset int) (any, error) {
	return binary.LittleEndian.Uint32(src[offset : offset+4]), nil
}

func encU64(dst []byte, offset int, value any) error {
	v, err := toUint64(value)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(dst[offset:offset+8], v)
	return nil
}
func decU64(src []byte, offset int) (any, error) {
	return binary.LittleEndian.Uint64(src[offset : offset+8]), nil
}

func encF32(dst []byte, offset int, value any) error {
	v, err := toFloat64(value)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst[offset:offset+4], math.Float32bits(float32(v)))
	return nil
}
func decF32(src []byte, offset int) (any, error) {
	return math.Float32frombits(binary.LittleEndian.Uint32(src[offset : offset+4])), nil
}

func encF64(dst []byte, offset int, value any) error {
	v, err := toFloat64(value)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(dst[offset:offset+8], math.Float64bits(v))
	return nil
}
func decF64(src []byte, offset int) (any, error) {
	return math.Float64frombits(binary.LittleEndian.Uint64(src[offset : offset+8])), nil
}

func encBool(dst []byte, offset int, value any) error {
	b, ok := value.(bool)
	if !ok {
		return errs.TypeMismatchf("expected bool, got %T", value)
	}
	if b {
		dst[offset] = 1
	} else {
		dst[offset] = 0
	}
	return nil
}
func decBool(src []byte, offset int) (any, error) { return src[offset] != 0, nil }

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	default:
		return 0, errs.TypeMismatchf("expected integer, got %T", value)
	}
}

func toUint64(value any) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, errs.TypeMismatchf("negative value %d for unsigned field", v)
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, errs.TypeMismatchf("negative value %d for unsigned field", v)
		}
		return uint64(v), nil
	case float64:
		if v < 0 {
			return 0, errs.TypeMismatchf("negative value %v for unsigned field", v)
		}
		return uint64(v), nil
	default:
		return 0, errs.TypeMismatchf("expected unsigned integer, got %T", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, errs.TypeMismatchf("expected float, got %T", value)
	}
}
