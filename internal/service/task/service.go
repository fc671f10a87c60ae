// Package task runs transfer tasks: it owns their state machine, admits them
// through the scheduler and reports progress through the aggregator.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/common/utils"
	"github.com/xuecangming/multidrive/internal/core/cancel"
	"github.com/xuecangming/multidrive/internal/core/loadbalancer"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/core/progress"
	"github.com/xuecangming/multidrive/internal/core/retry"
	"github.com/xuecangming/multidrive/internal/core/scheduler"
	"github.com/xuecangming/multidrive/internal/infrastructure/vault"
	"github.com/xuecangming/multidrive/internal/remote"
	"github.com/xuecangming/multidrive/internal/repository"
	"github.com/xuecangming/multidrive/internal/transfer/replication"
	"github.com/xuecangming/multidrive/internal/transfer/strategy"
)

// interruptedMessage is recorded for tasks stopped by Shutdown
const interruptedMessage = "Interrupted by shutdown"

// Accounts resolves account adapters and virtual drives
type Accounts interface {
	Adapter(id string) (remote.Adapter, error)
	Drive(id string) (types.VirtualDriveConfig, error)
	Refs(ctx context.Context, ids []string) []loadbalancer.AccountRef
}

// Config holds the collaborators and settings of the service
type Config struct {
	Accounts Accounts
	// Local is the local filesystem that uploads read from and downloads write to
	Local remote.Adapter
	// Vault is optional; encrypted transfers fail without it
	Vault    vault.Engine
	Quotas   *loadbalancer.QuotaCache
	Balancer *loadbalancer.Balancer

	Scheduler   scheduler.Config
	Progress    progress.Config
	Copier      strategy.Config
	Stager      strategy.Stager
	Replication replication.Config
	Retry       *retry.Config
	Logger      logger.Logger
}

// BatchResult reports the outcome of one item of EnqueueBatch
type BatchResult struct {
	Task  *types.Task `json:"task,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Service handles task operations
type Service struct {
	repo     *repository.TaskRepository
	sched    *scheduler.Scheduler
	agg      *progress.Aggregator
	copier   *strategy.Copier
	engine   *replication.Engine
	accounts Accounts
	local    remote.Adapter
	vault    vault.Engine
	quotas   *loadbalancer.QuotaCache
	balancer *loadbalancer.Balancer
	retry    *retry.Config
	log      logger.Logger

	// mu orders state transitions with the executor's start and finish
	mu      sync.Mutex
	tokens  map[string]*cancel.Token
	active  map[string]bool
	closing bool
}

// NewService creates a new task service
func NewService(cfg Config) (*Service, error) {
	if cfg.Accounts == nil || cfg.Local == nil {
		return nil, errors.New("task service requires accounts and a local filesystem")
	}
	log := logger.OrGlobal(cfg.Logger)
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Copier.Retry == nil {
		cfg.Copier.Retry = cfg.Retry
	}
	if cfg.Copier.Logger == nil {
		cfg.Copier.Logger = log
	}
	if cfg.Replication.Retry == nil {
		cfg.Replication.Retry = cfg.Retry
	}
	if cfg.Replication.Logger == nil {
		cfg.Replication.Logger = log
	}
	if cfg.Progress.Logger == nil {
		cfg.Progress.Logger = log
	}
	if cfg.Scheduler.Logger == nil {
		cfg.Scheduler.Logger = log
	}
	if cfg.Balancer == nil {
		cfg.Balancer = loadbalancer.NewBalancer(0)
	}

	engine, err := replication.New(cfg.Replication)
	if err != nil {
		return nil, err
	}

	s := &Service{
		repo:     repository.NewTaskRepository(),
		agg:      progress.New(cfg.Progress),
		copier:   strategy.NewCopier(cfg.Copier, cfg.Stager),
		engine:   engine,
		accounts: cfg.Accounts,
		local:    cfg.Local,
		vault:    cfg.Vault,
		quotas:   cfg.Quotas,
		balancer: cfg.Balancer,
		retry:    cfg.Retry,
		log:      log,
		tokens:   make(map[string]*cancel.Token),
		active:   make(map[string]bool),
	}
	if s.sched, err = scheduler.New(cfg.Scheduler, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Enqueue validates and queues a task. Enqueuing an id that already exists
// returns the stored task unchanged. A task whose destination cannot be
// resolved is stored as failed and the error is returned.
func (s *Service) Enqueue(ctx context.Context, task *types.Task) (*types.Task, error) {
	if task.ID == "" {
		task.ID = utils.GenerateID()
	}
	if existing, err := s.repo.Get(task.ID); err == nil {
		return existing, nil
	}
	if err := task.Validate(); err != nil {
		return nil, apperrors.InvalidRequest(err.Error())
	}

	t := task.Clone()
	t.Payload = types.PayloadValue(t.Payload)
	now := time.Now()
	t.Status = types.TaskStatusPending
	t.Progress = 0
	t.ErrorMessage = ""
	t.Warnings = nil
	t.CompletedAt = nil
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Name == "" {
		t.Name = defaultName(t)
	}

	rejectErr := s.resolveDestination(ctx, t)
	if rejectErr == nil {
		rejectErr = s.checkCapacity(ctx, t)
	}
	if rejectErr != nil {
		t.Status = types.TaskStatusFailed
		t.ErrorMessage = rejectErr.Error()
		t.CompletedAt = &now
	}

	s.mu.Lock()
	if err := s.repo.Create(t); err != nil {
		s.mu.Unlock()
		// lost a race with an identical enqueue
		if existing, getErr := s.repo.Get(t.ID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	if rejectErr != nil {
		s.mu.Unlock()
		s.agg.Final(t.ID, t.Status, 0, t.ErrorMessage)
		s.log.Warn("task rejected", logger.String("task_id", t.ID), logger.Error(rejectErr))
		return t.Clone(), rejectErr
	}
	s.tokens[t.ID] = cancel.NewToken()
	s.mu.Unlock()

	s.agg.Status(t.ID, types.TaskStatusPending, 0)
	s.sched.Submit(t.ID, t.AccountID)
	s.log.Info("task enqueued",
		logger.String("task_id", t.ID),
		logger.String("type", string(t.Type)),
		logger.String("account_id", t.AccountID))
	return t.Clone(), nil
}

// EnqueueBatch enqueues one task per item and reports each outcome
func (s *Service) EnqueueBatch(ctx context.Context, tasks []*types.Task) []BatchResult {
	results := make([]BatchResult, len(tasks))
	for i, task := range tasks {
		t, err := s.Enqueue(ctx, task)
		results[i].Task = t
		if err != nil {
			results[i].Error = err.Error()
		}
	}
	return results
}

// resolveDestination picks the backing account of uploads to a virtual drive
func (s *Service) resolveDestination(ctx context.Context, t *types.Task) error {
	p, ok := t.Payload.(types.UploadPayload)
	if !ok || p.DriveID == "" {
		return nil
	}
	if s.quotas == nil {
		return apperrors.ServiceUnavailable("destination selection is not configured")
	}
	drive, err := s.accounts.Drive(p.DriveID)
	if err != nil {
		return err
	}
	meta, err := s.local.GetFileMetadata(ctx, p.LocalPath)
	if err != nil {
		return errors.Errorf("stat %s: %w", p.LocalPath, err)
	}
	name := p.Strategy
	if name == "" {
		name = drive.Strategy
	}
	strategyName, err := loadbalancer.ParseStrategy(name)
	if err != nil {
		return err
	}
	manual := p.Accounts
	if strategyName == loadbalancer.StrategyManual && len(manual) == 0 {
		manual = drive.Accounts
	}

	infos, _ := s.quotas.Infos(ctx, s.accounts.Refs(ctx, drive.Accounts), false)
	chosen, err := s.balancer.Select(drive.ID, strategyName, infos, meta.Size, manual)
	if err != nil {
		return err
	}
	t.AccountID = chosen[0].AccountID
	return nil
}

// checkCapacity refuses single-file transfers that cannot fit on their
// destination account. Sizes that cannot be read here are left to the run.
func (s *Service) checkCapacity(ctx context.Context, t *types.Task) error {
	var size int64
	switch p := t.Payload.(type) {
	case types.UploadPayload:
		if p.DriveID != "" {
			return nil
		}
		meta, err := s.local.GetFileMetadata(ctx, p.LocalPath)
		if err != nil {
			return nil
		}
		size = meta.Size
	case types.CopyFilePayload:
		size = p.Size
		if size > 0 {
			break
		}
		src, err := s.accounts.Adapter(p.SourceAccountID)
		if err != nil {
			return nil
		}
		meta, err := src.GetFileMetadata(ctx, p.SourceID)
		if err != nil {
			return nil
		}
		size = meta.Size
	default:
		return nil
	}
	return s.fits(ctx, t.AccountID, size)
}

// fits refuses sizes that cannot fit on an account.
// Accounts whose quota is unknown are not checked.
func (s *Service) fits(ctx context.Context, accountID string, size int64) error {
	if s.quotas == nil || size <= 0 {
		return nil
	}
	q, err := s.quotas.Get(ctx, accountID)
	if err != nil {
		s.log.Warn("quota unavailable, skipping capacity check", logger.String("account_id", accountID), logger.Error(err))
		return nil
	}
	if q.Total <= 0 {
		return nil
	}
	info := loadbalancer.DriveUploadInfo{AccountID: accountID, UsedBytes: q.Used, TotalBytes: q.Total, RemainingBytes: q.Total - q.Used}
	if !info.CanFitWithBuffer(size, s.balancer.Buffer()) {
		return apperrors.StorageFull().WithDetails("account_id", accountID).WithDetails("size", size)
	}
	return nil
}

func defaultName(t *types.Task) string {
	switch p := t.Payload.(type) {
	case types.UploadPayload:
		return baseName(p.LocalPath)
	case types.UploadFolderPayload:
		return baseName(p.LocalPath)
	case types.DownloadPayload:
		return baseName(p.LocalPath)
	case types.DownloadFolderPayload:
		return baseName(p.LocalPath)
	case types.CreateFolderPayload:
		return p.Name
	case types.CopyFilePayload:
		return p.NewName
	case types.CopyFolderPayload:
		return p.NewName
	case types.MovePayload:
		return p.NewName
	}
	return string(t.Type)
}

// Get returns a copy of a task
func (s *Service) Get(id string) (*types.Task, error) {
	return s.repo.Get(id)
}

// List returns copies of all tasks in creation order
func (s *Service) List() []*types.Task {
	return s.repo.List()
}

// Subscribe registers a consumer of progress batches
func (s *Service) Subscribe(fn func([]progress.Update)) func() {
	return s.agg.Subscribe(fn)
}

// SetLimits changes the concurrency ceilings
func (s *Service) SetLimits(global, perAccount int) error {
	return s.sched.SetLimits(global, perAccount)
}

// Limits returns the concurrency ceilings
func (s *Service) Limits() (global, perAccount int) {
	return s.sched.Limits()
}

// Stats returns the scheduler occupancy
func (s *Service) Stats() scheduler.Stats {
	return s.sched.Stats()
}

// Pause stops a pending or running task. A running task keeps running until
// its executor next checks the token.
func (s *Service) Pause(id string) (*types.Task, error) {
	s.mu.Lock()
	t, err := s.repo.Update(id, func(t *types.Task) error {
		switch t.Status {
		case types.TaskStatusPending, types.TaskStatusRunning:
			t.Status = types.TaskStatusPaused
			return nil
		case types.TaskStatusPaused:
			return nil
		default:
			return apperrors.InvalidState(id, string(t.Status), "pause")
		}
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.sched.Remove(id)
	s.tokens[id].Pause()
	s.mu.Unlock()

	s.agg.Status(id, t.Status, t.Progress)
	s.log.Info("task paused", logger.String("task_id", id))
	return t, nil
}

// Resume continues a paused task. A task whose executor already stopped is
// queued again and starts from scratch.
func (s *Service) Resume(id string) (*types.Task, error) {
	s.mu.Lock()
	requeue := false
	t, err := s.repo.Update(id, func(t *types.Task) error {
		switch t.Status {
		case types.TaskStatusPaused:
		case types.TaskStatusPending, types.TaskStatusRunning:
			return nil
		default:
			return apperrors.InvalidState(id, string(t.Status), "resume")
		}
		if s.active[id] {
			t.Status = types.TaskStatusRunning
			return nil
		}
		t.Status = types.TaskStatusPending
		t.Progress = 0
		requeue = true
		return nil
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	tok := s.tokens[id]
	if requeue {
		tok.Reset()
	} else {
		tok.Resume()
	}
	s.mu.Unlock()

	if requeue {
		s.agg.Reset(id)
		s.sched.Submit(id, t.AccountID)
	}
	s.agg.Status(id, t.Status, t.Progress)
	s.log.Info("task resumed", logger.String("task_id", id), logger.Bool("requeued", requeue))
	return t, nil
}

// Cancel fails a pending, paused or running task with CancelledByUser
func (s *Service) Cancel(id string) (*types.Task, error) {
	s.mu.Lock()
	t, err := s.repo.Update(id, func(t *types.Task) error {
		if t.Status.IsTerminal() {
			return apperrors.InvalidState(id, string(t.Status), "cancel")
		}
		now := time.Now()
		t.Status = types.TaskStatusFailed
		t.ErrorMessage = types.CancelledByUser
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.sched.Remove(id)
	s.tokens[id].Cancel()
	s.mu.Unlock()

	s.agg.Final(id, t.Status, t.Progress, t.ErrorMessage)
	s.log.Info("task cancelled", logger.String("task_id", id))
	return t, nil
}

// ClearFinished removes completed and failed tasks and returns how many
func (s *Service) ClearFinished() int {
	s.mu.Lock()
	removed := s.repo.DeleteWhere(func(t *types.Task) bool { return t.Status.IsTerminal() })
	for _, id := range removed {
		delete(s.tokens, id)
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.agg.Forget(id)
	}
	return len(removed)
}

// Shutdown cancels running tasks and waits for their executors to return
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for id := range s.active {
		s.tokens[id].Cancel()
	}
	s.mu.Unlock()

	err := s.sched.Shutdown(ctx)
	s.agg.Flush()
	s.agg.Close()
	return err
}

// run is the scheduler runner of one task
func (s *Service) run(ctx context.Context, id string) {
	for {
		task, tok, ok := s.start(id)
		if !ok {
			return
		}
		s.agg.Status(id, types.TaskStatusRunning, 0)
		log := s.log.With(logger.String("task_id", id), logger.String("type", string(task.Type)))
		log.Info("task started")

		started := time.Now()
		warnings, err := s.execute(ctx, task, tok)
		if !s.finish(id, tok, warnings, err, log, time.Since(started)) {
			return
		}
	}
}

// start moves a pending task to running
func (s *Service) start(id string) (*types.Task, *cancel.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[id]
	if !ok || s.closing {
		return nil, nil, false
	}
	t, err := s.repo.Update(id, func(t *types.Task) error {
		if t.Status != types.TaskStatusPending || !tok.CanContinue() {
			return errNotRunnable
		}
		t.Status = types.TaskStatusRunning
		t.Progress = 0
		t.Warnings = nil
		return nil
	})
	if err != nil {
		return nil, nil, false
	}
	s.active[id] = true
	return t, tok, true
}

var errNotRunnable = errors.Base("task is not runnable")

// finish records the outcome of one run and reports whether the task must
// run again because it was resumed while unwinding from a pause
func (s *Service) finish(id string, tok *cancel.Token, warnings []string, runErr error, log logger.Logger, took time.Duration) bool {
	s.mu.Lock()
	delete(s.active, id)

	rerun := false
	var final *types.Task
	t, err := s.repo.Update(id, func(t *types.Task) error {
		if t.Status.IsTerminal() {
			return errNotRunnable
		}
		now := time.Now()
		t.Warnings = warnings
		switch {
		case runErr == nil:
			t.Status = types.TaskStatusCompleted
			t.Progress = 1
			t.CompletedAt = &now
		case errors.Is(runErr, cancel.ErrPaused) && !s.closing:
			if tok.IsPaused() {
				t.Status = types.TaskStatusPaused
				return nil
			}
			tok.Reset()
			t.Status = types.TaskStatusPending
			t.Progress = 0
			rerun = true
		case s.closing && (cancel.IsStop(runErr) || errors.Is(runErr, context.Canceled)):
			t.Status = types.TaskStatusFailed
			t.ErrorMessage = interruptedMessage
			t.CompletedAt = &now
		case errors.Is(runErr, cancel.ErrCancelled):
			t.Status = types.TaskStatusFailed
			t.ErrorMessage = types.CancelledByUser
			t.CompletedAt = &now
		default:
			t.Status = types.TaskStatusFailed
			t.ErrorMessage = runErr.Error()
			t.CompletedAt = &now
		}
		return nil
	})
	if err == nil && t.Status.IsTerminal() {
		final = t
	}
	s.mu.Unlock()

	switch {
	case final != nil && final.Status == types.TaskStatusCompleted:
		log.Info("task completed", logger.Duration("took", took), logger.Int("warnings", len(final.Warnings)))
		s.agg.Final(id, final.Status, 1, "")
	case final != nil:
		log.Warn("task failed", logger.Duration("took", took), logger.String("error", final.ErrorMessage))
		s.agg.Final(id, final.Status, final.Progress, final.ErrorMessage)
	case rerun:
		log.Info("task resumed while stopping, restarting")
		s.agg.Reset(id)
	case err == nil:
		log.Info("task paused", logger.Duration("took", took))
		s.agg.Status(id, t.Status, t.Progress)
	}
	return rerun
}

// execute runs the executor of the task type. Panics become task failures.
func (s *Service) execute(ctx context.Context, task *types.Task, tok *cancel.Token) (warnings []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task executor panicked",
				logger.String("task_id", task.ID),
				logger.String("panic", fmt.Sprint(r)),
				logger.String("stack", string(debug.Stack())))
			err = errors.Errorf("internal error: %v", r)
		}
	}()

	x := &execution{s: s, task: task, tok: tok}
	switch p := task.Payload.(type) {
	case types.UploadPayload:
		err = x.upload(ctx, p)
	case types.UploadFolderPayload:
		err = x.uploadFolder(ctx, p)
	case types.DownloadPayload:
		err = x.download(ctx, p)
	case types.DownloadFolderPayload:
		err = x.downloadFolder(ctx, p)
	case types.DeletePayload:
		err = x.delete(ctx, p)
	case types.MovePayload:
		err = x.move(ctx, p)
	case types.CreateFolderPayload:
		err = x.createFolder(ctx, p)
	case types.CopyFilePayload:
		err = x.copyFile(ctx, p)
	case types.CopyFolderPayload:
		err = x.copyFolder(ctx, p)
	default:
		err = apperrors.InvalidRequest("unsupported task type " + string(task.Type))
	}
	return x.warnings, err
}

// setProgress records fractional progress on the task and the aggregator
func (s *Service) setProgress(id string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	_, _ = s.repo.Update(id, func(t *types.Task) error {
		if t.Status != types.TaskStatusRunning {
			return errNotRunnable
		}
		t.Progress = fraction
		return nil
	})
	s.agg.Report(id, fraction)
}
