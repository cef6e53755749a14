package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/promptmesh/api/internal/model"
)

const defaultAdmitInterval = 250 * time.Millisecond

// Task is one unit of stage work, keyed by the owning request.
type Task struct {
	RequestID  string
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

// Handler drives one admitted task to completion inside its slot. It is
// expected to terminalize its own failures into the record store; a
// returned error (or panic) is additionally reported to the pool's failure
// hook as a last line of defense.
type Handler interface {
	ProcessTask(ctx context.Context, t *Task) error
}

// Snapshot is the read-only observability view of one pool.
type Snapshot struct {
	Stage          model.Stage
	Pending        int
	Running        int
	MaxConcurrency int
	Paused         bool
}

// Pool is the bounded worker pool for one pipeline stage. Pending work is
// FIFO and unbounded; the running set is capped by the stage's
// MaxConcurrency, re-read from the config cache before every admission so
// live tuning and pause take effect on the next free slot.
type Pool struct {
	stage   model.Stage
	cache   *ConfigCache
	handler Handler

	// onFailure records a task that escaped the handler (error or panic).
	// The slot is freed regardless, so a broken task cannot pin a slot.
	onFailure func(requestID string, err error)

	admitInterval time.Duration

	mu      sync.Mutex
	pending []*Task
	running map[string]*Task

	wake chan struct{}
	wg   sync.WaitGroup
}

func NewPool(stage model.Stage, cache *ConfigCache, handler Handler, onFailure func(requestID string, err error)) *Pool {
	return &Pool{
		stage:         stage,
		cache:         cache,
		handler:       handler,
		onFailure:     onFailure,
		admitInterval: defaultAdmitInterval,
		running:       make(map[string]*Task),
		wake:          make(chan struct{}, 1),
	}
}

// Run is the admission loop. It blocks until ctx is cancelled, then waits
// for in-flight tasks to drain.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.admitInterval)
	defer ticker.Stop()

	for {
		p.admit(ctx)
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// Enqueue appends a task to the pending list. The in-memory append cannot
// fail; the error return exists so callers treat enqueue as fallible per
// the stage contract (record writes happen before enqueue).
func (p *Pool) Enqueue(t *Task) error {
	if t.RequestID == "" {
		return fmt.Errorf("task has no request id")
	}
	t.EnqueuedAt = time.Now()

	p.mu.Lock()
	p.pending = append(p.pending, t)
	p.mu.Unlock()

	p.signal()
	return nil
}

// Cancel removes a not-yet-admitted task. It returns false when the task is
// already running or absent; running work is cancelled cooperatively by the
// handler, never preempted here.
func (p *Pool) Cancel(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, t := range p.pending {
		if t.RequestID == requestID {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Status returns a point-in-time snapshot for the admin surface.
func (p *Pool) Status(ctx context.Context) Snapshot {
	cfg := p.cache.GetConfig(ctx, p.stage)

	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Stage:          p.stage,
		Pending:        len(p.pending),
		Running:        len(p.running),
		MaxConcurrency: cfg.MaxConcurrency,
		Paused:         cfg.Paused,
	}
}

// admit moves tasks from pending to running while slots are free and the
// stage is not paused. Config is re-read per iteration so a live
// concurrency reduction caps further admissions immediately without
// touching already-running work.
func (p *Pool) admit(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		cfg := p.cache.GetConfig(ctx, p.stage)
		if cfg.Paused {
			return
		}

		p.mu.Lock()
		if len(p.pending) == 0 || len(p.running) >= cfg.MaxConcurrency {
			p.mu.Unlock()
			return
		}
		t := p.pending[0]
		p.pending = p.pending[1:]
		p.running[t.RequestID] = t
		p.mu.Unlock()

		p.wg.Add(1)
		go p.runTask(ctx, t)
	}
}

// runTask occupies one slot for the full submit+poll+finalize duration;
// freeing the slot always re-attempts admission so utilization never waits
// on an external wake-up.
func (p *Pool) runTask(ctx context.Context, t *Task) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.running, t.RequestID)
		p.mu.Unlock()
		p.signal()
	}()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Printf("[%s] task %s panicked: %v", p.stage, t.RequestID, r)
			if p.onFailure != nil {
				p.onFailure(t.RequestID, err)
			}
		}
	}()

	if err := p.handler.ProcessTask(ctx, t); err != nil {
		log.Printf("[%s] task %s failed: %v", p.stage, t.RequestID, err)
		if p.onFailure != nil {
			p.onFailure(t.RequestID, err)
		}
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
