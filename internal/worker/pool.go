package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"maestro/internal/config"
	"maestro/internal/ident"
	"maestro/internal/logging"
	"maestro/internal/types"
)

// Progress is a point-in-time snapshot of a pool run.
type Progress struct {
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Running   int           `json:"running"`
	Failed    int           `json:"failed"`
	Spent     float64       `json:"spent"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Pool fans subtasks out over a bounded set of workers. Admission reserves
// the worst-case call cost against the budget, so total spend can exceed
// the limit by at most one call's maximum cost. Subtasks refused at
// admission fail with the budget failure kind rather than blocking.
type Pool struct {
	worker *Worker
	cfg    config.PoolConfig
	clock  ident.Clock

	mu        sync.Mutex
	spent     float64
	reserved  float64
	completed int
	running   int
	failed    int

	// pathLocks serializes edits to the same file across workers.
	pathLocks sync.Map // string -> *sync.Mutex

	// ProgressCh receives snapshots every progress interval; sends never
	// block, a slow consumer just misses ticks.
	ProgressCh chan Progress
}

// NewPool creates a pool around a worker.
func NewPool(w *Worker, cfg config.PoolConfig, clock ident.Clock) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if clock == nil {
		clock = ident.RealClock{}
	}
	return &Pool{
		worker:     w,
		cfg:        cfg,
		clock:      clock,
		ProgressCh: make(chan Progress, 8),
	}
}

// Spent returns the accumulated cost.
func (p *Pool) Spent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spent
}

// maxCallCost bounds one subtask's worst-case spend: the model call plus
// the review call, each at the chain's per-call maximum.
func (p *Pool) maxCallCost() float64 {
	c := p.worker.chainFor(types.RoleDeveloper, "")
	return 2 * c.MaxCallCost()
}

// admit reserves budget for one subtask. Returns false when the budget is
// exhausted.
func (p *Pool) admit(reserve float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.BudgetLimit > 0 && p.spent+p.reserved >= p.cfg.BudgetLimit {
		return false
	}
	p.reserved += reserve
	p.running++
	return true
}

// settle converts a reservation into actual spend.
func (p *Pool) settle(reserve, actual float64, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved -= reserve
	p.spent += actual
	p.running--
	p.completed++
	if !success {
		p.failed++
	}
}

// ExecuteAll runs every subtask and returns a record per subtask ID.
// Launch order follows slice order; concurrency is capped at max_workers
// via a counting semaphore. Cancellation marks unstarted subtasks
// cancelled rather than dropping them.
func (p *Pool) ExecuteAll(ctx context.Context, taskType, command string, subtasks []types.Subtask, constraints types.Constraints) map[string]types.ExecutionRecord {
	results := make(map[string]types.ExecutionRecord, len(subtasks))
	var resMu sync.Mutex
	started := p.clock.Now()

	ticker := time.NewTicker(p.cfg.ProgressInterval)
	tickerStop := make(chan struct{})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		for {
			select {
			case <-ticker.C:
				p.publish(len(subtasks), started)
			case <-ctx.Done():
				return
			case <-tickerStop:
				return
			}
		}
	}()
	defer func() {
		ticker.Stop()
		close(tickerStop)
		<-tickerDone
		p.publish(len(subtasks), started)
	}()

	sem := make(chan struct{}, p.cfg.MaxWorkers)
	g, gctx := errgroup.WithContext(ctx)
	reserve := p.maxCallCost()

	for _, st := range subtasks {
		st := st
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				resMu.Lock()
				results[st.ID] = cancelledRecord(st, p.clock.Now())
				resMu.Unlock()
				return nil
			}

			if !p.admit(reserve) {
				logging.Pool("subtask %s refused: budget limit %.2f reached (spent %.4f)",
					st.ID, p.cfg.BudgetLimit, p.Spent())
				resMu.Lock()
				results[st.ID] = budgetRecord(st, p.clock.Now())
				resMu.Unlock()
				return nil
			}

			if st.TargetPath != "" {
				lockAny, _ := p.pathLocks.LoadOrStore(st.TargetPath, &sync.Mutex{})
				lock := lockAny.(*sync.Mutex)
				lock.Lock()
				defer lock.Unlock()
			}

			rec := p.worker.Execute(gctx, taskType, command, st, constraints)
			p.settle(reserve, rec.Cost, rec.Success)

			resMu.Lock()
			results[st.ID] = rec
			resMu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// publish sends a snapshot without blocking.
func (p *Pool) publish(total int, started time.Time) {
	p.mu.Lock()
	prog := Progress{
		Total:     total,
		Completed: p.completed,
		Running:   p.running,
		Failed:    p.failed,
		Spent:     p.spent,
		Elapsed:   p.clock.Now().Sub(started),
	}
	p.mu.Unlock()
	select {
	case p.ProgressCh <- prog:
	default:
	}
}

// Snapshot returns current progress without waiting for a tick.
func (p *Pool) Snapshot(total int, started time.Time) Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Progress{
		Total:     total,
		Completed: p.completed,
		Running:   p.running,
		Failed:    p.failed,
		Spent:     p.spent,
		Elapsed:   p.clock.Now().Sub(started),
	}
}

func cancelledRecord(st types.Subtask, now time.Time) types.ExecutionRecord {
	return types.ExecutionRecord{
		SubtaskID:   st.ID,
		Role:        st.Role,
		Error:       "cancelled before execution",
		FailureKind: types.FailureCancelled,
		StartedAt:   now,
		Timestamp:   now,
	}
}

func budgetRecord(st types.Subtask, now time.Time) types.ExecutionRecord {
	return types.ExecutionRecord{
		SubtaskID:   st.ID,
		Role:        st.Role,
		Error:       "budget limit reached before execution",
		FailureKind: types.FailureBudgetExceeded,
		StartedAt:   now,
		Timestamp:   now,
	}
}
