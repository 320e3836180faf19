package catalog

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	return New(dir, types.NewRegistry(), testLogger())
}

func TestCreateTablePrependsIDField(t *testing.T) {
	cat := newTestCatalog(t)

	table, err := cat.CreateTable("users", []FieldInput{
		{Name: "name", Type: "string:32"},
		{Name: "age", Type: "u32"},
	})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	idField, ok := table.Layout.FieldByName(IDFieldName)
	if !ok || idField.Offset != 0 {
		t.Fatalf("expected id field at offset 0, got %+v ok=%v", idField, ok)
	}

	if _, err := os.Stat(filepath.Join(cat.dataDir, "schema.json")); err != nil {
		t.Fatalf("expected schema.json to be written: %v", err)
	}
}

func TestCreateTableDuplicateNameFails(t *testing.T) {
	cat := newTestCatalog(t)
	if _, err := cat.CreateTable("t", []FieldInput{{Name: "x", Type: "u8"}}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := cat.CreateTable("t", []FieldInput{{Name: "x", Type: "u8"}}); err == nil {
		t.Fatal("expected duplicate table creation to fail")
	}
}

func TestDeleteTableBlockedByRelation(t *testing.T) {
	cat := newTestCatalog(t)
	if _, err := cat.CreateTable("users", []FieldInput{{Name: "group_id", Type: "u64"}}); err != nil {
		t.Fatalf("CreateTable users: %v", err)
	}
	if _, err := cat.CreateTable("groups", []FieldInput{{Name: "id2", Type: "u64"}}); err != nil {
		t.Fatalf("CreateTable groups: %v", err)
	}
	if _, err := cat.CreateRelation("users", "group_id", "groups", "id"); err != nil {
		t.Fatalf("CreateRelation: %v", err)
	}

	if err := cat.DeleteTable("users"); err == nil {
		t.Fatal("expected DeleteTable to fail while referenced by a relation")
	}
	if kind, _ := errs.As(cat.DeleteTable("users")); kind != errs.KindSchemaError {
		t.Fatalf("expected SchemaError, got %v", kind)
	}
}

func TestAddFieldRewritesLiveRecords(t *testing.T) {
	cat := newTestCatalog(t)
	table, err := cat.CreateTable("items", []FieldInput{{Name: "a", Type: "u32"}})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	// Manually publish one live record: id=1, a=42.
	recSize := table.Layout.RecordSize
	bytes := make([]byte, recSize)
	idField, _ := table.Layout.FieldByName(IDFieldName)
	aField, _ := table.Layout.FieldByName("a")
	if err := idField.Type.Encode(bytes, idField.Offset, uint64(1)); err != nil {
		t.Fatalf("encode id: %v", err)
	}
	if err := aField.Type.Encode(bytes, aField.Offset, uint32(42)); err != nil {
		t.Fatalf("encode a: %v", err)
	}
	table.Buffer.Publish(bytes, map[uint64]uint32{1: 0})

	offset, newRecordSize, err := cat.AddField("items", FieldInput{Name: "b", Type: "u16"})
	if err != nil {
		t.Fatalf("AddField: %v", err)
	}
	if offset <= 0 {
		t.Fatalf("expected new field offset > 0, got %d", offset)
	}

	reloaded, err := cat.Table("items")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if reloaded.Layout.RecordSize != newRecordSize {
		t.Fatalf("record size mismatch: %d vs %d", reloaded.Layout.RecordSize, newRecordSize)
	}

	snap := reloaded.Buffer.Snapshot()
	rec, err := snap.State.Get(1)
	if err != nil {
		t.Fatalf("Get(1) after rewrite: %v", err)
	}
	aAfter, _ := reloaded.Layout.FieldByName("a")
	val, err := aAfter.Type.Decode(rec, aAfter.Offset)
	if err != nil {
		t.Fatalf("decode a after rewrite: %v", err)
	}
	if val.(uint32) != 42 {
		t.Fatalf("field 'a' value corrupted by rewrite: got %v, want 42", val)
	}
	bAfter, ok := reloaded.Layout.FieldByName("b")
	if !ok {
		t.Fatal("expected new field 'b' to exist")
	}
	bVal, err := bAfter.Type.Decode(rec, bAfter.Offset)
	if err != nil {
		t.Fatalf("decode b: %v", err)
	}
	if bVal.(uint16) != 0 {
		t.Fatalf("new field should be zero-filled, got %v", bVal)
	}
}

func TestRemoveFieldRejectsReservedID(t *testing.T) {
	cat := newTestCatalog(t)
	if _, err := cat.CreateTable("t", []FieldInput{{Name: "x", Type: "u8"}}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := cat.RemoveField("t", IDFieldName); err == nil {
		t.Fatal("expected removing the id field to fail")
	}
}

func TestCreateRelationRequiresMatchingTypes(t *testing.T) {
	cat := newTestCatalog(t)
	if _, err := cat.CreateTable("a", []FieldInput{{Name: "f", Type: "u32"}}); err != nil {
		t.Fatalf("CreateTable a: %v", err)
	}
	if _, err := cat.CreateTable("b", []FieldInput{{Name: "g", Type: "u64"}}); err != nil {
		t.Fatalf("CreateTable b: %v", err)
	}
	if _, err := cat.CreateRelation("a", "f", "b", "g"); err == nil {
		t.Fatal("expected relation with mismatched field types to fail")
	}
}

func TestResolveTypeIDAcceptsBareAndStringSpellings(t *testing.T) {
	reg := types.NewRegistry()
	d, err := ResolveTypeID(reg, "u32", false)
	if err != nil || d.ID != "u32" {
		t.Fatalf("ResolveTypeID(u32): %v, %+v", err, d)
	}
	d, err = ResolveTypeID(reg, "string:16", false)
	if err != nil || d.ID != "string:16" || d.Size != 16 {
		t.Fatalf("ResolveTypeID(string:16): %v, %+v", err, d)
	}
}
