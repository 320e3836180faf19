// Package httpapi implements the kernel's external REST surface from
// spec.md §6. Every handler builds a queue.Request, submits it to the
// RuntimeLoop's request queue, and blocks on the request's reply
// channel bounded by responseTimeout — mirroring the teacher's
// network.Start, which also hands each accepted connection's work to a
// shared engine and writes back whatever comes out, just over HTTP
// instead of a raw TCP line protocol.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/queue"
)

// Server exposes the kernel's HTTP surface over a submit-and-wait
// bridge into the RuntimeLoop's request queue.
type Server struct {
	reqs            *queue.Queue
	cat             *catalog.Catalog
	log             *slog.Logger
	requestTimeout  time.Duration
	responseTimeout time.Duration
	startedAt       time.Time
}

// New builds a Server. cat is read directly for the handful of
// read-only introspection endpoints (GET /tables, GET /relations,
// GET /metrics) that spec.md doesn't require to go through the tick
// loop, and for the table layout that maps positional `values` onto
// field names; every mutating or CRUD operation itself goes through
// reqs instead.
func New(reqs *queue.Queue, cat *catalog.Catalog, log *slog.Logger, requestTimeout, responseTimeout time.Duration) *Server {
	return &Server{
		reqs:            reqs,
		cat:             cat,
		log:             log,
		requestTimeout:  requestTimeout,
		responseTimeout: responseTimeout,
		startedAt:       time.Now(),
	}
}

// Handler builds the routed http.Handler (Go's pattern-based ServeMux,
// the teacher's pack carries no HTTP router to reuse instead).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /tables", s.handleListTables)
	mux.HandleFunc("POST /tables/{name}", s.handleCreateTable)
	mux.HandleFunc("DELETE /tables/{name}", s.handleDeleteTable)
	mux.HandleFunc("POST /tables/{name}/fields", s.handleAddField)
	mux.HandleFunc("DELETE /tables/{name}/fields/{field}", s.handleRemoveField)

	mux.HandleFunc("POST /tables/{name}/records", s.handleCreateRecord)
	mux.HandleFunc("GET /tables/{name}/records", s.handleQueryRecords)
	mux.HandleFunc("GET /tables/{name}/records/{id}", s.handleReadRecord)
	mux.HandleFunc("PUT /tables/{name}/records/{id}", s.handleUpdateRecord)
	mux.HandleFunc("PATCH /tables/{name}/records/{id}", s.handlePatchRecord)
	mux.HandleFunc("DELETE /tables/{name}/records/{id}", s.handleDeleteRecord)

	mux.HandleFunc("POST /relations", s.handleCreateRelation)
	mux.HandleFunc("DELETE /relations/{id}", s.handleDeleteRelation)
	mux.HandleFunc("GET /relations", s.handleListRelations)

	mux.HandleFunc("POST /rpc/{name}", s.handleCallProcedure)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return mux
}

// submit builds the request's deadline, submits it, and waits on its
// reply bounded by responseTimeout — a client-side ceiling distinct
// from the request's own server-side Deadline (spec.md §6).
func (s *Server) submit(w http.ResponseWriter, req *queue.Request) (queue.Response, bool) {
	req.Deadline = time.Now().Add(s.requestTimeout)
	if err := s.reqs.Submit(req); err != nil {
		writeError(w, err)
		return queue.Response{}, false
	}

	select {
	case resp := <-req.Reply:
		if resp.Err != nil {
			writeError(w, resp.Err)
			return queue.Response{}, false
		}
		return resp, true
	case <-time.After(s.responseTimeout):
		writeError(w, errs.New(errs.KindTimeout, "timed out waiting for the runtime loop"))
		return queue.Response{}, false
	}
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cat.TableNames())
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fields []queue.FieldParams `json:"fields"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	req := &queue.Request{Kind: queue.KindCreateTable, Table: r.PathValue("name"), Fields: body.Fields, Reply: make(chan queue.Response, 1)}
	if resp, ok := s.submit(w, req); ok {
		writeJSON(w, http.StatusCreated, resp.Value)
	}
}

func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	req := &queue.Request{Kind: queue.KindDeleteTable, Table: r.PathValue("name"), Reply: make(chan queue.Response, 1)}
	if _, ok := s.submit(w, req); ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAddField(w http.ResponseWriter, r *http.Request) {
	var body queue.FieldParams
	if !decodeBody(w, r, &body) {
		return
	}
	req := &queue.Request{Kind: queue.KindAddField, Table: r.PathValue("name"), FieldSpec: body, Reply: make(chan queue.Response, 1)}
	if resp, ok := s.submit(w, req); ok {
		writeJSON(w, http.StatusOK, resp.Value)
	}
}

func (s *Server) handleRemoveField(w http.ResponseWriter, r *http.Request) {
	req := &queue.Request{
		Kind:  queue.KindRemoveField,
		Table: r.PathValue("name"),
		Field: r.PathValue("field"),
		Reply: make(chan queue.Response, 1),
	}
	if _, ok := s.submit(w, req); ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Values []any `json:"values"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	values, ok := s.positionalValues(w, name, body.Values)
	if !ok {
		return
	}
	req := &queue.Request{Kind: queue.KindCreateRecord, Table: name, Values: values, Reply: make(chan queue.Response, 1)}
	if resp, ok := s.submit(w, req); ok {
		writeJSON(w, http.StatusCreated, map[string]any{"id": resp.Value})
	}
}

// positionalValues maps a `{values:[...]}` request body onto the
// table's non-id fields in declared order, per spec.md §6.
func (s *Server) positionalValues(w http.ResponseWriter, tableName string, values []any) (map[string]any, bool) {
	table, err := s.cat.Table(tableName)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	dataFields := make([]string, 0, len(table.Layout.Fields))
	for _, f := range table.Layout.Fields {
		if f.Name == catalog.IDFieldName {
			continue
		}
		dataFields = append(dataFields, f.Name)
	}
	if len(values) != len(dataFields) {
		writeError(w, errs.BadRequestf("table %q expects %d values, got %d", tableName, len(dataFields), len(values)))
		return nil, false
	}
	out := make(map[string]any, len(dataFields))
	for i, name := range dataFields {
		out[name] = values[i]
	}
	return out, true
}

// handleQueryRecords implements SPEC_FULL.md's supplemented linear-scan
// equality filter: every query parameter is treated as a field=value
// constraint a surviving row must satisfy exactly.
func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	filter := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			filter[k] = v[0]
		}
	}
	req := &queue.Request{Kind: queue.KindQueryRecords, Table: r.PathValue("name"), Filter: filter, Reply: make(chan queue.Response, 1)}
	if resp, ok := s.submit(w, req); ok {
		writeJSON(w, http.StatusOK, resp.Value)
	}
}

func (s *Server) handleReadRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	req := &queue.Request{Kind: queue.KindReadRecord, Table: r.PathValue("name"), RecordID: id, Reply: make(chan queue.Response, 1)}
	if resp, ok := s.submit(w, req); ok {
		writeJSON(w, http.StatusOK, resp.Value)
	}
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var body struct {
		Values []any `json:"values"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	values, ok := s.positionalValues(w, name, body.Values)
	if !ok {
		return
	}
	req := &queue.Request{Kind: queue.KindUpdateRecord, Table: name, RecordID: id, Values: values, Reply: make(chan queue.Response, 1)}
	if _, ok := s.submit(w, req); ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handlePatchRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var body struct {
		Updates map[string]any `json:"updates"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	req := &queue.Request{Kind: queue.KindPatchRecord, Table: r.PathValue("name"), RecordID: id, Values: body.Updates, Reply: make(chan queue.Response, 1)}
	if _, ok := s.submit(w, req); ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	req := &queue.Request{Kind: queue.KindDeleteRecord, Table: r.PathValue("name"), RecordID: id, Reply: make(chan queue.Response, 1)}
	if _, ok := s.submit(w, req); ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCreateRelation(w http.ResponseWriter, r *http.Request) {
	var body queue.RelationParams
	if !decodeBody(w, r, &body) {
		return
	}
	req := &queue.Request{Kind: queue.KindCreateRelation, Relation: body, Reply: make(chan queue.Response, 1)}
	if resp, ok := s.submit(w, req); ok {
		writeJSON(w, http.StatusCreated, map[string]any{"id": resp.Value})
	}
}

func (s *Server) handleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	req := &queue.Request{
		Kind:     queue.KindDeleteRelation,
		Relation: queue.RelationParams{ID: r.PathValue("id")},
		Reply:    make(chan queue.Response, 1),
	}
	if _, ok := s.submit(w, req); ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListRelations(w http.ResponseWriter, r *http.Request) {
	rels := s.cat.Relations()
	out := make([]map[string]string, len(rels))
	for i, rel := range rels {
		out[i] = map[string]string{
			"id": rel.ID, "from_table": rel.FromTable, "from_field": rel.FromField,
			"to_table": rel.ToTable, "to_field": rel.ToField,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"relations": out})
}

func (s *Server) handleCallProcedure(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeBody(w, r, &params) {
		return
	}
	req := &queue.Request{Kind: queue.KindCallProcedure, Proc: r.PathValue("name"), Params: params, Reply: make(chan queue.Response, 1)}
	if resp, ok := s.submit(w, req); ok {
		writeJSON(w, http.StatusOK, resp.Value)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// handleMetrics is a minimal Prometheus-less text summary; the
// kernel's real metrics pipeline is the log-backed OpenTelemetry
// exporter in internal/metrics, which this package doesn't duplicate.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tables":         len(s.cat.TableNames()),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, errs.BadRequestf("invalid record id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, errs.BadRequestf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := errs.As(err)
	status := http.StatusInternalServerError
	if ok {
		status = statusForKind(kind)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindBadRequest, errs.KindTypeMismatch, errs.KindSchemaError:
		return http.StatusBadRequest
	case errs.KindTransactionAborted:
		return http.StatusConflict
	case errs.KindQueueFull:
		return http.StatusServiceUnavailable
	case errs.KindTimeout:
		return http.StatusRequestTimeout
	case errs.KindIoError, errs.KindProcedurePanic:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
