package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/queue"
	"github.com/packedrow/kernel/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startFakeLoop drains reqs and answers every request according to
// respond, standing in for the RuntimeLoop so handler tests don't need
// a live tick scheduler.
func startFakeLoop(t *testing.T, reqs *queue.Queue, respond func(*queue.Request) queue.Response) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, req := range reqs.DrainUpTo(1) {
				req.Reply <- respond(req)
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestCreateRecordEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.New(dir, types.NewRegistry(), testLogger())
	if _, err := cat.CreateTable("users", []catalog.FieldInput{{Name: "name", Type: "string:16"}}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	reqs := queue.New(10)
	startFakeLoop(t, reqs, func(req *queue.Request) queue.Response {
		if req.Kind == queue.KindCreateRecord {
			return queue.Response{Value: uint64(1)}
		}
		return queue.Response{Err: errs.BadRequestf("unhandled in test")}
	})

	srv := New(reqs, cat, testLogger(), 2*time.Second, 2*time.Second)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"values": []any{"ada"}})
	resp, err := http.Post(ts.URL+"/tables/users/records", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["id"].(float64) != 1 {
		t.Fatalf("unexpected id in response: %v", out["id"])
	}
}

func TestCreateRecordRejectsWrongValueCount(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.New(dir, types.NewRegistry(), testLogger())
	if _, err := cat.CreateTable("users", []catalog.FieldInput{{Name: "name", Type: "string:16"}}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	reqs := queue.New(10)
	srv := New(reqs, cat, testLogger(), 2*time.Second, 2*time.Second)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"values": []any{"ada", "extra"}})
	resp, err := http.Post(ts.URL+"/tables/users/records", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListTablesReturnsBareArray(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.New(dir, types.NewRegistry(), testLogger())
	if _, err := cat.CreateTable("users", []catalog.FieldInput{{Name: "name", Type: "string:16"}}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	reqs := queue.New(10)
	srv := New(reqs, cat, testLogger(), 2*time.Second, 2*time.Second)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tables")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var out []string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("expected a bare JSON array, decode failed: %v", err)
	}
	if len(out) != 1 || out[0] != "users" {
		t.Fatalf("unexpected table list: %v", out)
	}
}

func TestCreateTableResponseShape(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.New(dir, types.NewRegistry(), testLogger())
	reqs := queue.New(10)
	startFakeLoop(t, reqs, func(req *queue.Request) queue.Response {
		return queue.Response{Value: map[string]any{"table": req.Table, "record_size": 16}}
	})

	srv := New(reqs, cat, testLogger(), 2*time.Second, 2*time.Second)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"fields": []map[string]string{{"name": "x", "type": "f32"}}})
	resp, err := http.Post(ts.URL+"/tables/t", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["table"] != "t" || out["record_size"].(float64) != 16 {
		t.Fatalf("unexpected create-table response: %v", out)
	}
}

func TestNotFoundMapsTo404(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.New(dir, types.NewRegistry(), testLogger())
	reqs := queue.New(10)
	startFakeLoop(t, reqs, func(req *queue.Request) queue.Response {
		return queue.Response{Err: errs.NotFoundf("record not found")}
	})

	srv := New(reqs, cat, testLogger(), 2*time.Second, 2*time.Second)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tables/users/records/42")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestResponseTimeoutMapsTo408(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.New(dir, types.NewRegistry(), testLogger())
	reqs := queue.New(10) // no consumer draining it

	srv := New(reqs, cat, testLogger(), 2*time.Second, 20*time.Millisecond)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tables/users/records/1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", resp.StatusCode)
	}
}

func TestHealthzReportsOK(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.New(dir, types.NewRegistry(), testLogger())
	reqs := queue.New(10)
	srv := New(reqs, cat, testLogger(), time.Second, time.Second)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
