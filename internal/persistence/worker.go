// Package persistence implements the PersistenceWorker: a background
// task that flushes each table's byte buffer to disk with an atomic
// rename, and the startup loader that reverses the process, per
// spec.md §4.8. The write path mirrors the teacher's
// storage/writer.SaveTable temp-file + rename sequence; the logger is
// zap rather than slog (see SPEC_FULL.md's DOMAIN STACK) since this is
// the one hot, allocation-sensitive background path in the kernel.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/packedrow/kernel/internal/catalog"
)

// FlushCommand requests that one or more tables be written to disk.
type FlushCommand struct {
	// Tables lists the table names to flush; nil/empty means "all".
	Tables []string
	// Done, if non-nil, is closed once the flush completes (used by
	// tests and by an explicit admin flush request).
	Done chan error
}

// Worker consumes flush commands off a channel and writes each named
// table's live records (tombstoned slots omitted, in slot order) to
// <data_dir>/<name>.bin via temp-file + fsync + rename.
type Worker struct {
	dataDir string
	cat     *catalog.Catalog
	log     *zap.Logger
	queue   chan FlushCommand
	stop    chan struct{}
	done    chan struct{}
}

// NewWorker creates a worker with a bounded command queue. Call Run in
// its own goroutine.
func NewWorker(dataDir string, cat *catalog.Catalog, log *zap.Logger, queueDepth int) *Worker {
	return &Worker{
		dataDir: dataDir,
		cat:     cat,
		log:     log,
		queue:   make(chan FlushCommand, queueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue submits a flush command without blocking the caller; returns
// false if the worker's queue is full (the RuntimeLoop is expected to
// size the queue generously since flush is cheap to request and
// expensive to skip indefinitely).
func (w *Worker) Enqueue(cmd FlushCommand) bool {
	select {
	case w.queue <- cmd:
		return true
	default:
		return false
	}
}

// Run processes commands until Stop is called. Errors are logged and
// retried on the next flush interval (spec.md §7 propagation policy);
// Run itself never returns an error.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case cmd := <-w.queue:
			err := w.flush(cmd.Tables)
			if cmd.Done != nil {
				cmd.Done <- err
				close(cmd.Done)
			}
		case <-w.stop:
			return
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) flush(tables []string) error {
	names := tables
	if len(names) == 0 {
		names = w.cat.TableNames()
	}

	if err := os.MkdirAll(w.dataDir, 0o755); err != nil {
		w.log.Error("failed to create data dir", zap.Error(err))
		return err
	}

	var firstErr error
	for _, name := range names {
		table, err := w.cat.Table(name)
		if err != nil {
			w.log.Warn("flush skipped: table no longer exists", zap.String("table", name))
			continue
		}
		if err := w.flushTable(table); err != nil {
			w.log.Error("failed to flush table", zap.String("table", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.log.Debug("table flushed", zap.String("table", name))
	}
	return firstErr
}

func (w *Worker) flushTable(t *catalog.Table) error {
	snap := t.Buffer.Snapshot()
	state := snap.State

	// Tombstoned slots are left out so the loader, which indexes every
	// slot it reads, sees only live records.
	slots := make([]int, 0, len(state.Index))
	for _, slot := range state.Index {
		slots = append(slots, int(slot))
	}
	sort.Ints(slots)
	data := make([]byte, 0, len(slots)*state.RecordSize)
	for _, slot := range slots {
		data = append(data, state.Record(uint32(slot))...)
	}

	finalPath := filepath.Join(w.dataDir, t.Name+".bin")
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file for %s: %w", t.Name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file for %s: %w", t.Name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file for %s: %w", t.Name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", t.Name, err)
	}
	return os.Rename(tmpPath, finalPath)
}
