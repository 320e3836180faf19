package txn

import (
	"testing"

	"github.com/packedrow/kernel/internal/catalog"
)

func TestHandleCommitPublishesAcrossTables(t *testing.T) {
	e, cat := newTestEngine(t)
	if _, err := cat.CreateTable("accounts", []catalog.FieldInput{{Name: "balance", Type: "i64"}}); err != nil {
		t.Fatalf("CreateTable accounts: %v", err)
	}
	if _, err := cat.CreateTable("ledger", []catalog.FieldInput{{Name: "amount", Type: "i64"}}); err != nil {
		t.Fatalf("CreateTable ledger: %v", err)
	}

	h := e.Begin()
	h.Stage("accounts", Op{Kind: OpCreate, Values: map[string]any{"balance": int64(100)}})
	h.Stage("ledger", Op{Kind: OpCreate, Values: map[string]any{"amount": int64(100)}})

	results, err := h.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 create results, got %d", len(results))
	}

	rows, err := e.QueryAll("accounts")
	if err != nil || len(rows) != 1 {
		t.Fatalf("accounts not committed: rows=%v err=%v", rows, err)
	}
	rows, err = e.QueryAll("ledger")
	if err != nil || len(rows) != 1 {
		t.Fatalf("ledger not committed: rows=%v err=%v", rows, err)
	}
}

func TestHandleCommitAbortsEntirelyOnOneTableFailure(t *testing.T) {
	e, cat := newTestEngine(t)
	if _, err := cat.CreateTable("accounts", []catalog.FieldInput{{Name: "balance", Type: "i64"}}); err != nil {
		t.Fatalf("CreateTable accounts: %v", err)
	}
	if _, err := cat.CreateTable("ledger", []catalog.FieldInput{{Name: "amount", Type: "i64"}}); err != nil {
		t.Fatalf("CreateTable ledger: %v", err)
	}

	h := e.Begin()
	h.Stage("accounts", Op{Kind: OpCreate, Values: map[string]any{"balance": int64(100)}})
	// ledger's staged update targets an id that doesn't exist yet.
	h.Stage("ledger", Op{Kind: OpUpdate, ID: 999, Values: map[string]any{"amount": int64(1)}})

	if _, err := h.Commit(); err == nil {
		t.Fatal("expected Commit to fail when one table's staged ops don't validate")
	}

	// Neither table should show any effect: accounts' create must not
	// have been published just because it validated first.
	rows, _ := e.QueryAll("accounts")
	if len(rows) != 0 {
		t.Fatalf("accounts table should be untouched after abort, got %d rows", len(rows))
	}
}

func TestHandleDoubleCommitFails(t *testing.T) {
	e, cat := newTestEngine(t)
	if _, err := cat.CreateTable("t", []catalog.FieldInput{{Name: "v", Type: "u8"}}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	h := e.Begin()
	h.Stage("t", Op{Kind: OpCreate, Values: map[string]any{"v": uint8(1)}})
	if _, err := h.Commit(); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if _, err := h.Commit(); err == nil {
		t.Fatal("expected second Commit on the same handle to fail")
	}
}

func TestHandleAbortDiscardsStaging(t *testing.T) {
	e, cat := newTestEngine(t)
	if _, err := cat.CreateTable("t", []catalog.FieldInput{{Name: "v", Type: "u8"}}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	h := e.Begin()
	h.Stage("t", Op{Kind: OpCreate, Values: map[string]any{"v": uint8(1)}})
	h.Abort()

	rows, _ := e.QueryAll("t")
	if len(rows) != 0 {
		t.Fatalf("expected no rows after Abort, got %d", len(rows))
	}
}
