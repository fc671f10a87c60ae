// Package progress batches task progress and status changes so that
// consumers are notified at a bounded rate regardless of task count.
package progress

import (
	"sync"
	"time"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/clock"
	"github.com/xuecangming/multidrive/internal/core/logger"
)

// Defaults for Config
const (
	DefaultTaskInterval  = 500 * time.Millisecond
	DefaultFlushInterval = 2000 * time.Millisecond
)

// Update is one task change delivered to consumers
type Update struct {
	TaskID       string           `json:"task_id"`
	Progress     float64          `json:"progress"`
	Status       types.TaskStatus `json:"status,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Final        bool             `json:"final,omitempty"`
}

// Config holds aggregator settings
type Config struct {
	TaskInterval  time.Duration
	FlushInterval time.Duration
	Clock         clock.Clock
	Logger        logger.Logger
}

// Aggregator coalesces updates per task and flushes them in one batch
type Aggregator struct {
	taskInterval  time.Duration
	flushInterval time.Duration
	clk           clock.Clock
	log           logger.Logger

	// deliverMu orders batches so a flush never lands after a later final update
	deliverMu sync.Mutex

	mu       sync.Mutex
	pending   map[string]Update
	order     []string
	delivered map[string]time.Time
	finished  map[string]bool
	timer    clock.Timer
	subs     map[int]func([]Update)
	nextSub  int
}

// New creates an aggregator
func New(cfg Config) *Aggregator {
	if cfg.TaskInterval <= 0 {
		cfg.TaskInterval = DefaultTaskInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Aggregator{
		taskInterval:  cfg.TaskInterval,
		flushInterval: cfg.FlushInterval,
		clk:           cfg.Clock,
		log:           logger.OrGlobal(cfg.Logger),
		pending:       make(map[string]Update),
		delivered:     make(map[string]time.Time),
		finished:      make(map[string]bool),
		subs:          make(map[int]func([]Update)),
	}
}

// Subscribe registers a consumer and returns a function that removes it.
// Consumers are called synchronously and must not block for long.
func (a *Aggregator) Subscribe(fn func([]Update)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// Report records fractional progress, replacing any pending value for the
// task. A task's progress is delivered at most once per task interval; a
// value that is too early waits for a later flush.
func (a *Aggregator) Report(taskID string, progress float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished[taskID] {
		return
	}
	u := a.pending[taskID]
	u.TaskID = taskID
	u.Progress = clamp(progress)
	a.put(u)
}

// Status records a non-terminal status change. It is coalesced with any
// pending progress but never throttled.
func (a *Aggregator) Status(taskID string, status types.TaskStatus, progress float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished[taskID] {
		return
	}
	a.put(Update{TaskID: taskID, Progress: clamp(progress), Status: status})
}

// Final delivers a terminal update immediately, bypassing throttling, and
// drops any pending value for the task. Completed tasks always report 1.0.
func (a *Aggregator) Final(taskID string, status types.TaskStatus, progress float64, errMsg string) {
	if status == types.TaskStatusCompleted {
		progress = 1.0
	}

	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	a.finished[taskID] = true
	delete(a.delivered, taskID)
	if _, ok := a.pending[taskID]; ok {
		delete(a.pending, taskID)
		a.order = removeID(a.order, taskID)
	}
	subs := a.subscribers()
	a.mu.Unlock()

	deliver(subs, []Update{{
		TaskID:       taskID,
		Progress:     clamp(progress),
		Status:       status,
		ErrorMessage: errMsg,
		Final:        true,
	}})
}

// Reset allows updates for a task again after Final, for tasks that are rerun
func (a *Aggregator) Reset(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.finished, taskID)
	delete(a.delivered, taskID)
}

// Forget drops all state kept for a task
func (a *Aggregator) Forget(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.finished, taskID)
	delete(a.delivered, taskID)
	if _, ok := a.pending[taskID]; ok {
		delete(a.pending, taskID)
		a.order = removeID(a.order, taskID)
	}
}

// Flush delivers all pending updates now, ignoring the per-task interval
func (a *Aggregator) Flush() {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	batch := a.drain(true)
	subs := a.subscribers()
	a.mu.Unlock()

	if len(batch) > 0 {
		deliver(subs, batch)
	}
}

// Close stops the flush timer without delivering
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// put stores u as the pending value and arms the flush timer. Caller holds mu.
func (a *Aggregator) put(u Update) {
	if _, ok := a.pending[u.TaskID]; !ok {
		a.order = append(a.order, u.TaskID)
	}
	a.pending[u.TaskID] = u
	if a.timer == nil {
		a.timer = a.clk.AfterFunc(a.flushInterval, a.onTimer)
	}
}

func (a *Aggregator) onTimer() {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	a.timer = nil
	batch := a.drain(false)
	subs := a.subscribers()
	a.mu.Unlock()

	if len(batch) > 0 {
		a.log.Debug("progress flush", logger.Int("updates", len(batch)))
		deliver(subs, batch)
	}
}

// drain takes the pending updates that may go out now, in first-update
// order. Progress-only values of a task delivered less than the task
// interval ago stay pending unless force is set, and the timer is re-armed
// for the earliest of them. Caller holds mu.
func (a *Aggregator) drain(force bool) []Update {
	if len(a.order) == 0 {
		return nil
	}
	now := a.clk.Now()
	batch := make([]Update, 0, len(a.order))
	var kept []string
	var wait time.Duration
	for _, id := range a.order {
		u := a.pending[id]
		if last, ok := a.delivered[id]; ok && !force && u.Status == "" {
			if left := a.taskInterval - now.Sub(last); left > 0 {
				kept = append(kept, id)
				if wait == 0 || left < wait {
					wait = left
				}
				continue
			}
		}
		batch = append(batch, u)
		a.delivered[id] = now
		delete(a.pending, id)
	}
	a.order = kept
	if len(kept) > 0 && a.timer == nil {
		a.timer = a.clk.AfterFunc(wait, a.onTimer)
	}
	return batch
}

// subscribers snapshots the consumer list. Caller holds mu.
func (a *Aggregator) subscribers() []func([]Update) {
	subs := make([]func([]Update), 0, len(a.subs))
	for i := 0; i < a.nextSub; i++ {
		if fn, ok := a.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	return subs
}

func deliver(subs []func([]Update), batch []Update) {
	for _, fn := range subs {
		fn(batch)
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
