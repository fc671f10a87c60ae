// Package scheduler admits pending tasks for execution under a global
// concurrency ceiling and a per-account ceiling.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/xuecangming/multidrive/internal/common/utils"
	"github.com/xuecangming/multidrive/internal/core/logger"
)

// Defaults for Config
const (
	DefaultGlobalLimit     = 15
	DefaultPerAccountLimit = 3
)

// Runner executes one admitted task and returns when it is finished
type Runner func(ctx context.Context, taskID string)

// Config holds scheduler settings
type Config struct {
	GlobalLimit     int
	PerAccountLimit int
	Logger          logger.Logger
}

// Stats is a snapshot of scheduler occupancy
type Stats struct {
	Running    int            `json:"running"`
	Pending    int            `json:"pending"`
	PerAccount map[string]int `json:"per_account"`
}

type entry struct {
	taskID    string
	accountID string
}

// Scheduler keeps pending tasks in enqueue order and starts each admitted
// task on its own goroutine.
type Scheduler struct {
	run Runner
	log logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	global     int
	perAccount int
	pending    []entry
	running    map[string]string // task id -> account id
	again      map[string]string // running tasks to queue again when they finish
	perAcct    map[string]int
	closed     bool
}

// New creates a scheduler. Zero limits select the defaults.
func New(cfg Config, run Runner) (*Scheduler, error) {
	if cfg.GlobalLimit == 0 {
		cfg.GlobalLimit = DefaultGlobalLimit
	}
	if cfg.PerAccountLimit == 0 {
		cfg.PerAccountLimit = DefaultPerAccountLimit
	}
	if err := utils.ValidateLimits(cfg.GlobalLimit, cfg.PerAccountLimit); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:        run,
		log:        logger.OrGlobal(cfg.Logger),
		ctx:        ctx,
		cancel:     cancel,
		global:     cfg.GlobalLimit,
		perAccount: cfg.PerAccountLimit,
		running:    make(map[string]string),
		again:      make(map[string]string),
		perAcct:    make(map[string]int),
	}, nil
}

// Submit queues a task for the given account. Submitting a running task
// queues it again once the current run returns. It returns false when the
// task is already queued or the scheduler is closed.
func (s *Scheduler) Submit(taskID, accountID string) bool {
	s.mu.Lock()
	if s.closed || s.queued(taskID) {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.running[taskID]; ok {
		s.again[taskID] = accountID
		s.mu.Unlock()
		return true
	}
	s.pending = append(s.pending, entry{taskID: taskID, accountID: accountID})
	admitted := s.admit()
	s.mu.Unlock()

	s.start(admitted)
	return true
}

// Remove withdraws a pending task. Running tasks are not affected.
func (s *Scheduler) Remove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.again[taskID]; ok {
		delete(s.again, taskID)
		return true
	}
	for i, e := range s.pending {
		if e.taskID == taskID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// IsRunning reports whether the task has been admitted and not yet finished
func (s *Scheduler) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// SetLimits changes both ceilings and runs an admission pass. Values outside
// [1, 20] are rejected. Lowering a limit never stops running tasks.
func (s *Scheduler) SetLimits(global, perAccount int) error {
	if err := utils.ValidateLimits(global, perAccount); err != nil {
		return err
	}

	s.mu.Lock()
	s.global = global
	s.perAccount = perAccount
	admitted := s.admit()
	s.mu.Unlock()

	s.log.Info("concurrency limits changed",
		logger.Int("global", global),
		logger.Int("per_account", perAccount))
	s.start(admitted)
	return nil
}

// Limits returns the global and per-account ceilings
func (s *Scheduler) Limits() (global, perAccount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global, s.perAccount
}

// Stats returns the current occupancy
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	per := make(map[string]int, len(s.perAcct))
	for k, v := range s.perAcct {
		per[k] = v
	}
	return Stats{Running: len(s.running), Pending: len(s.pending), PerAccount: per}
}

// Shutdown stops admitting, cancels the context handed to running tasks and
// waits for them to return or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.again = make(map[string]string)
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queued reports whether the task is pending or marked to run again. Caller holds mu.
func (s *Scheduler) queued(taskID string) bool {
	if _, ok := s.again[taskID]; ok {
		return true
	}
	for _, e := range s.pending {
		if e.taskID == taskID {
			return true
		}
	}
	return false
}

// admit runs one admission pass in enqueue order and marks the admitted
// entries as running. Caller holds mu.
func (s *Scheduler) admit() []entry {
	if s.closed {
		return nil
	}
	var admitted []entry
	kept := s.pending[:0]
	for _, e := range s.pending {
		if len(s.running) < s.global && s.perAcct[e.accountID] < s.perAccount {
			s.running[e.taskID] = e.accountID
			s.perAcct[e.accountID]++
			admitted = append(admitted, e)
			continue
		}
		kept = append(kept, e)
	}
	s.pending = kept
	return admitted
}

func (s *Scheduler) start(admitted []entry) {
	for _, e := range admitted {
		s.wg.Add(1)
		go s.execute(e)
	}
}

func (s *Scheduler) execute(e entry) {
	defer s.wg.Done()
	defer s.finish(e)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task runner panicked",
				logger.String("task_id", e.taskID),
				logger.String("panic", fmt.Sprint(r)),
				logger.String("stack", string(debug.Stack())))
		}
	}()
	s.run(s.ctx, e.taskID)
}

// finish releases the slots of a task and admits whatever now fits
func (s *Scheduler) finish(e entry) {
	s.mu.Lock()
	delete(s.running, e.taskID)
	s.perAcct[e.accountID]--
	if s.perAcct[e.accountID] <= 0 {
		delete(s.perAcct, e.accountID)
	}
	if accountID, ok := s.again[e.taskID]; ok {
		delete(s.again, e.taskID)
		if !s.closed {
			s.pending = append(s.pending, entry{taskID: e.taskID, accountID: accountID})
		}
	}
	admitted := s.admit()
	s.mu.Unlock()

	s.start(admitted)
}
