// Package runtime implements the RuntimeLoop from spec.md §4.7: a
// single fixed-rate tick goroutine that is the sole writer for every
// table, dividing each tick into three soft-budgeted phases (API,
// Procedure, Persistence) the way the teacher's server dispatch loop
// dedicates a tick to polling work off a channel rather than blocking
// per-connection.
//
// Go has no stackful coroutines, so spec.md §4.7's "a procedure
// suspended mid-scan resumes on the next tick" is modeled here as: the
// Procedure phase launches a procedure body on its own goroutine the
// first time it's popped, and every subsequent tick's Procedure phase
// just polls that goroutine's result channel for up to its budget
// before giving the tick back. Cooperative cancellation flows through
// the same ctx that procedure.ParallelScan already threads through
// errgroup. Commit only ever happens once, at the end of the body, so
// atomicity doesn't depend on how many ticks the body spanned.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/metrics"
	"github.com/packedrow/kernel/internal/persistence"
	"github.com/packedrow/kernel/internal/procedure"
	"github.com/packedrow/kernel/internal/queue"
	"github.com/packedrow/kernel/internal/txn"
)

// Config holds the RuntimeLoop's tick-rate and per-tick limits (spec.md
// §4.7/§6 CLI flags).
type Config struct {
	TickRate                 int // ticks per second
	MaxRequestsPerTick       int
	PersistenceIntervalTicks int
}

// Phase budget fractions of one tick (spec.md §4.7).
const (
	apiBudgetFraction         = 0.30
	procedureBudgetFraction   = 0.50
	persistenceBudgetFraction = 0.20
)

// activeProcedure tracks a procedure body running on its own goroutine
// across one or more ticks.
type activeProcedure struct {
	req    *queue.Request
	result chan procResult
}

type procResult struct {
	value any
	err   error
}

// Loop is the RuntimeLoop: the sole committer, driven by one ticker.
type Loop struct {
	cfg      Config
	cat      *catalog.Catalog
	engine   *txn.Engine
	executor *procedure.Executor
	persist  *persistence.Worker
	reqs     *queue.Queue
	metrics  *metrics.Runtime
	log      *slog.Logger

	tick    uint64
	pending []*queue.Request // procedure calls popped from reqs, awaiting a Procedure-phase slot
	active  *activeProcedure
}

// New builds a RuntimeLoop wired to its engine, catalog, executor,
// persistence worker, request queue, and metrics.
func New(
	cfg Config,
	cat *catalog.Catalog,
	engine *txn.Engine,
	executor *procedure.Executor,
	persist *persistence.Worker,
	reqs *queue.Queue,
	rtMetrics *metrics.Runtime,
	log *slog.Logger,
) *Loop {
	return &Loop{
		cfg:      cfg,
		cat:      cat,
		engine:   engine,
		executor: executor,
		persist:  persist,
		reqs:     reqs,
		metrics:  rtMetrics,
		log:      log,
	}
}

// Run drives the tick loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	tickDuration := time.Second / time.Duration(l.cfg.TickRate)
	ticker := time.NewTicker(tickDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.runTick(ctx, tickDuration)
		}
	}
}

// runTick executes one tick's three phases in order, each bounded by
// its soft budget measured from tickStart (not from the phase's own
// start), so a slow API phase eats into, rather than extends,
// Procedure's budget.
func (l *Loop) runTick(ctx context.Context, tickDuration time.Duration) {
	tickStart := time.Now()
	apiDeadline := tickStart.Add(time.Duration(float64(tickDuration) * apiBudgetFraction))
	procDeadline := tickStart.Add(time.Duration(float64(tickDuration) * (apiBudgetFraction + procedureBudgetFraction)))

	apiProcessed := l.runAPIPhase(apiDeadline)
	procedureTick := l.active != nil || len(l.pending) > 0
	l.runProcedurePhase(ctx, procDeadline)
	l.runPersistencePhase()

	elapsed := time.Since(tickStart)
	if l.metrics != nil {
		l.metrics.TickDuration.Record(ctx, float64(elapsed.Milliseconds()))
		l.metrics.APIRequestsProcessed.Add(ctx, int64(apiProcessed))
		if procedureTick {
			l.metrics.ProcedureTicksTotal.Add(ctx, 1)
		}
		if elapsed > tickDuration {
			l.metrics.TickOverrunTotal.Add(ctx, 1)
		}
	}
	if elapsed > tickDuration {
		l.log.Warn("tick overrun", slog.Duration("elapsed", elapsed), slog.Duration("budget", tickDuration))
	}

	l.tick++
}

// runAPIPhase drains queued requests up to MaxRequestsPerTick or until
// apiDeadline passes, whichever comes first. CallProcedure requests are
// deferred onto l.pending rather than run inline, since a procedure may
// outlive this tick's budget; everything else is dispatched and
// answered synchronously.
func (l *Loop) runAPIPhase(apiDeadline time.Time) int {
	processed := 0
	for processed < l.cfg.MaxRequestsPerTick {
		if time.Now().After(apiDeadline) {
			break
		}
		batch := l.reqs.DrainUpTo(1)
		if len(batch) == 0 {
			break
		}
		req := batch[0]
		processed++

		if time.Now().After(req.Deadline) {
			replyNonBlocking(req, queue.Response{Err: errs.New(errs.KindTimeout, "request expired before the API phase could process it")})
			continue
		}

		if req.Kind == queue.KindCallProcedure {
			l.pending = append(l.pending, req)
			continue
		}

		replyNonBlocking(req, l.dispatch(req))
	}
	return processed
}

// runProcedurePhase advances at most one in-flight procedure call: if
// none is active and requests are pending, it starts the next one on
// its own goroutine; either way it then polls for completion up to
// procDeadline before giving the tick back, leaving any still-running
// call to be polled again next tick.
func (l *Loop) runProcedurePhase(ctx context.Context, procDeadline time.Time) {
	if l.active == nil {
		if len(l.pending) == 0 {
			return
		}
		req := l.pending[0]
		l.pending = l.pending[1:]
		l.active = l.startProcedure(ctx, req)
	}

	remaining := time.Until(procDeadline)
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case res := <-l.active.result:
		replyNonBlocking(l.active.req, queue.Response{Value: res.value, Err: res.err})
		l.active = nil
	case <-timer.C:
		// Still running; polled again next tick.
	case <-ctx.Done():
		l.active = nil
	}
}

func (l *Loop) startProcedure(ctx context.Context, req *queue.Request) *activeProcedure {
	ap := &activeProcedure{req: req, result: make(chan procResult, 1)}
	go func() {
		value, err := l.executor.Run(ctx, req.Proc, req.Params)
		ap.result <- procResult{value: value, err: err}
	}()
	return ap
}

// runPersistencePhase enqueues a whole-catalog flush every
// PersistenceIntervalTicks ticks (spec.md §4.8). The worker itself runs
// asynchronously; Enqueue never blocks the tick.
func (l *Loop) runPersistencePhase() {
	if l.cfg.PersistenceIntervalTicks <= 0 {
		return
	}
	if l.tick%uint64(l.cfg.PersistenceIntervalTicks) != 0 {
		return
	}
	if ok := l.persist.Enqueue(persistence.FlushCommand{}); !ok {
		l.log.Warn("persistence queue full, flush skipped this interval")
	}
}

// Submit hands a request to the loop's incoming queue (admission
// control lives in queue.Queue.Submit).
func (l *Loop) Submit(req *queue.Request) error {
	return l.reqs.Submit(req)
}

func replyNonBlocking(req *queue.Request, resp queue.Response) {
	select {
	case req.Reply <- resp:
	default:
	}
}
