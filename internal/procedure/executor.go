package procedure

import (
	"context"
	"fmt"
	"runtime"

	"github.com/packedrow/kernel/internal/buffer"
	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/txn"
)

// Executor runs registered procedures against a transaction engine and
// provides the parallel-chunked iterator primitive.
//
// PoolSize sets the parallelism degree for ParallelScan (spec.md §4.6;
// default is the logical CPU count).
type Executor struct {
	registry *Registry
	engine   *txn.Engine
	cat      *catalog.Catalog
	PoolSize int
}

// NewExecutor builds an executor bound to a registry, engine, and
// catalog, defaulting PoolSize to runtime.GOMAXPROCS(0).
func NewExecutor(registry *Registry, engine *txn.Engine, cat *catalog.Catalog) *Executor {
	return &Executor{
		registry: registry,
		engine:   engine,
		cat:      cat,
		PoolSize: runtime.GOMAXPROCS(0),
	}
}

// Run looks up a procedure, opens a transaction, invokes the body, and
// commits or aborts based on its outcome. A panic inside the body is
// recovered at this boundary (spec.md §4.6 point 4 /
// spec.md §7 ProcedurePanic) and surfaces as a *errs.Error of kind
// KindProcedurePanic with the transaction left unpublished, matching
// the teacher's catch_unwind-equivalent abort-on-panic guarantee.
func (ex *Executor) Run(ctx context.Context, name string, params map[string]any) (result any, err error) {
	fn, err := ex.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	tx := ex.engine.Begin()

	defer func() {
		if r := recover(); r != nil {
			tx.Abort()
			err = errs.New(errs.KindProcedurePanic, fmt.Sprintf("procedure %q panicked: %v", name, r))
			result = nil
		}
	}()

	result, err = fn(ctx, ex.cat, tx, params)
	if err != nil {
		tx.Abort()
		return nil, err
	}

	if _, commitErr := tx.Commit(); commitErr != nil {
		return nil, commitErr
	}
	return result, nil
}

// Chunk is one contiguous partition of a table snapshot handed to a
// ParallelScan worker.
type Chunk struct {
	SlotStart int
	SlotCount int
	Bytes     []byte // SlotCount * recordSize bytes, the chunk's own sub-slice
}

// ParallelScan partitions a table's snapshot into contiguous,
// record-aligned chunks — sized in multiples of recordSize and, where
// the record count allows it, multiples of 64 bytes so that no chunk
// straddles a cache line smaller than one record — and runs worker
// over each chunk concurrently across at most poolSize goroutines (spec.md
// §4.6). worker must not mutate chunk.Bytes; mutations are staged on
// tx by the caller serially, or protected by the caller's own
// synchronization if staged concurrently.
//
// If any worker returns an error, ParallelScan cancels the remaining
// work via ctx and returns the first error encountered.
func ParallelScan(ctx context.Context, snap buffer.Snapshot, recordSize int, poolSize int, worker func(ctx context.Context, c Chunk) error) error {
	state := snap.State
	totalSlots := len(state.Bytes) / recordSize
	if totalSlots == 0 {
		return nil
	}
	if poolSize < 1 {
		poolSize = 1
	}

	chunkSlots := chunkSizeInSlots(recordSize, totalSlots, poolSize)
	chunks := make([]Chunk, 0, (totalSlots+chunkSlots-1)/chunkSlots)
	for start := 0; start < totalSlots; start += chunkSlots {
		count := chunkSlots
		if start+count > totalSlots {
			count = totalSlots - start
		}
		chunks = append(chunks, Chunk{
			SlotStart: start,
			SlotCount: count,
			Bytes:     state.Bytes[start*recordSize : (start+count)*recordSize],
		})
	}

	return runChunks(ctx, chunks, poolSize, worker)
}

// chunkSizeInSlots picks a chunk size (in records) that is a multiple
// of 64 bytes' worth of records when the table has enough records to
// make that meaningful, falling back to an even split otherwise.
func chunkSizeInSlots(recordSize, totalSlots, poolSize int) int {
	perWorker := (totalSlots + poolSize - 1) / poolSize
	if perWorker < 1 {
		perWorker = 1
	}

	// The smallest slot count whose byte length is a multiple of 64 is
	// 64 / gcd(64, recordSize).
	a, b := 64, recordSize
	for b != 0 {
		a, b = b, a%b
	}
	slotsPer64 := 64 / a
	if perWorker >= slotsPer64 {
		rounded := (perWorker / slotsPer64) * slotsPer64
		if rounded > 0 {
			return rounded
		}
	}
	return perWorker
}
