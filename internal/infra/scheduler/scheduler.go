// Package scheduler implements the task queue: creation, capability-based
// assignment, best-fit dispatch, verified completion and re-queue.
//
// Core rules:
//   - Status only moves forward: available → assigned → completed | failed
//   - Every transition of one task is serialized by a per-task lock and
//     committed with a conditional store update, so racing callers see
//     exactly one winner
//   - A proof is verified before completion commits; a rejected proof
//     fails the task and never reaches settlement
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/keylock"
	"github.com/neurolov/swarmd/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the scheduler.
type Config struct {
	DispatchInterval   time.Duration // best-fit dispatch loop period; 0 disables the loop
	DispatchBatch      int           // oldest available tasks considered per round (default 100)
	RelaxHardwareAfter time.Duration // stop enforcing preferred hardware after this wait; 0 never relaxes
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:   5 * time.Second,
		DispatchBatch:      100,
		RelaxHardwareAfter: 10 * time.Minute,
	}
}

// SwarmSource is the scheduler's view of the swarm directory.
type SwarmSource interface {
	GetSwarm(ctx context.Context, id string) (*domain.Swarm, error)
	Candidates(ctx context.Context) ([]domain.Swarm, error)
	SwarmOf(ctx context.Context, identity string) (string, error)
}

// ─── Scheduler ──────────────────────────────────────────────────────────────

// Scheduler owns task state.
type Scheduler struct {
	config   Config
	tasks    domain.TaskStore
	swarms   SwarmSource
	verifier domain.Verifier
	settler  domain.Settler
	notify   domain.Notifier
	policy   RequirementsPolicy
	onReject func(submitter string)
	locks    keylock.Map
	log      zerolog.Logger
	now      func() time.Time

	// Stats
	totalCreated   atomic.Int64
	totalAssigned  atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	totalRejected  atomic.Int64
	totalRequeued  atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSettler hands verified completions to a settlement collaborator.
func WithSettler(s domain.Settler) Option { return func(sc *Scheduler) { sc.settler = s } }

// WithNotifier sets the broadcast fabric.
func WithNotifier(n domain.Notifier) Option { return func(sc *Scheduler) { sc.notify = n } }

// WithRequirements replaces the default requirements policy.
func WithRequirements(p RequirementsPolicy) Option { return func(sc *Scheduler) { sc.policy = p } }

// WithRejectHook is called with the submitter of every rejected proof.
func WithRejectHook(fn func(submitter string)) Option {
	return func(sc *Scheduler) { sc.onReject = fn }
}

// WithClock overrides the clock (tests).
func WithClock(now func() time.Time) Option { return func(sc *Scheduler) { sc.now = now } }

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, tasks domain.TaskStore, swarms SwarmSource, verifier domain.Verifier, log zerolog.Logger, opts ...Option) *Scheduler {
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = DefaultConfig().DispatchBatch
	}
	s := &Scheduler{
		config:   cfg,
		tasks:    tasks,
		swarms:   swarms,
		verifier: verifier,
		policy:   NewDefaultRequirements(),
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ─── Create ─────────────────────────────────────────────────────────────────

// CreateTask queues a new available task and announces it to active swarms.
func (s *Scheduler) CreateTask(ctx context.Context, requester string, payload domain.Payload, reward int64) (*domain.Task, error) {
	if requester == "" {
		return nil, domain.ErrMissingRequester
	}
	if payload.Type == "" || len(payload.Data) == 0 {
		return nil, domain.ErrEmptyPayload
	}
	if !json.Valid(payload.Data) {
		return nil, fmt.Errorf("%w: payload data is not valid JSON", domain.ErrValidation)
	}
	if reward <= 0 {
		return nil, domain.ErrInvalidReward
	}

	t := domain.Task{
		ID:           uuid.NewString(),
		Requester:    requester,
		Payload:      payload,
		Reward:       reward,
		Status:       domain.TaskAvailable,
		Requirements: s.policy.Requirements(payload),
		CreatedAt:    s.now(),
	}
	if err := s.tasks.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.created(t, "task created")
	return &t, nil
}

func (s *Scheduler) created(t domain.Task, msg string) {
	s.totalCreated.Add(1)
	metrics.TasksCreated.WithLabelValues(t.Payload.Type).Inc()
	metrics.TasksAvailable.Inc()
	s.log.Info().Str("task", t.ID).Str("type", t.Payload.Type).Int64("reward", t.Reward).
		Float64("min_power", t.Requirements.MinComputePower).Msg(msg)
	if s.notify != nil {
		s.notify.NotifyNewTask(t)
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Available returns a snapshot of available tasks, oldest first. The
// sequence is finite and ranging it again yields the same snapshot.
func (s *Scheduler) Available(ctx context.Context) (iter.Seq[domain.Task], error) {
	list, err := s.tasks.ListTasks(ctx, domain.TaskAvailable, 0)
	if err != nil {
		return nil, fmt.Errorf("list available tasks: %w", err)
	}
	return slices.Values(list), nil
}

// GetTask returns a task by id.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t == nil {
		return nil, domain.ErrTaskNotFound
	}
	return t, nil
}

// ListTasks lists tasks by status; empty status lists all.
func (s *Scheduler) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}
	return s.tasks.ListTasks(ctx, status, limit)
}

// ─── Assignment ─────────────────────────────────────────────────────────────

// Assign gives an available task to a specific swarm.
func (s *Scheduler) Assign(ctx context.Context, taskID, swarmID string) (*domain.Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.loadAvailable(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sw, err := s.swarms.GetSwarm(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	if err := CheckCapability(*sw, t.Requirements, s.relaxed(t)); err != nil {
		s.reject(t, err)
		return nil, err
	}
	return s.commitAssign(ctx, t, sw.ID, "direct")
}

// AssignBestFit gives an available task to the smallest swarm that can run it.
func (s *Scheduler) AssignBestFit(ctx context.Context, taskID string) (*domain.Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.loadAvailable(ctx, taskID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.swarms.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list candidate swarms: %w", err)
	}
	pick := BestFit(candidates, t.Requirements, s.relaxed(t))
	if pick == nil {
		err := fmt.Errorf("%w for task %s (needs %.1f %s)", domain.ErrNoEligibleSwarm,
			t.ID, t.Requirements.MinComputePower, t.Requirements.PreferredHardware)
		s.reject(t, err)
		return nil, err
	}
	return s.commitAssign(ctx, t, pick.ID, "best_fit")
}

func (s *Scheduler) loadAvailable(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskAvailable {
		return nil, fmt.Errorf("%w (status %s)", domain.ErrTaskNotAvailable, t.Status)
	}
	return t, nil
}

func (s *Scheduler) relaxed(t *domain.Task) bool {
	return s.config.RelaxHardwareAfter > 0 && s.now().Sub(t.CreatedAt) >= s.config.RelaxHardwareAfter
}

func (s *Scheduler) reject(t *domain.Task, err error) {
	s.totalRejected.Add(1)
	s.log.Debug().Str("task", t.ID).Err(err).Msg("assignment rejected")
}

func (s *Scheduler) commitAssign(ctx context.Context, t *domain.Task, swarmID, mode string) (*domain.Task, error) {
	next := *t
	next.Status = domain.TaskAssigned
	next.AssignedTo = swarmID
	next.AssignedAt = s.now()

	ok, err := s.tasks.UpdateTaskIf(ctx, next, domain.TaskAvailable)
	if err != nil {
		return nil, fmt.Errorf("assign task: %w", err)
	}
	if !ok {
		return nil, domain.ErrTaskNotAvailable
	}

	s.totalAssigned.Add(1)
	metrics.TasksAssigned.WithLabelValues(mode).Inc()
	metrics.TasksAvailable.Dec()
	metrics.TaskAssignLatency.Observe(next.AssignedAt.Sub(next.CreatedAt).Seconds())
	s.log.Info().Str("task", next.ID).Str("swarm", swarmID).Str("mode", mode).Msg("task assigned")

	if s.notify != nil {
		s.notify.NotifyTaskAssignment(next)
	}
	return &next, nil
}

// ─── Completion ─────────────────────────────────────────────────────────────

// Complete verifies a submitted result and, on success, completes the task
// and hands the reward to settlement. It returns the settlement reference.
//
// Only a member of the assigned swarm may submit; anyone else gets
// ErrNotAssignee and the task is left untouched. A rejected proof fails the
// task and returns ErrProofRejected with the failed task. A settlement failure returns a *domain.SettlementError with
// the completed task; completion is not reverted.
func (s *Scheduler) Complete(ctx context.Context, taskID string, result json.RawMessage, proof, submitter string) (*domain.Task, string, error) {
	if submitter == "" {
		return nil, "", domain.ErrMissingSubmitter
	}
	if len(result) == 0 {
		return nil, "", fmt.Errorf("%w: result is required", domain.ErrValidation)
	}

	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, "", err
	}
	if t.Status != domain.TaskAssigned {
		return nil, "", fmt.Errorf("%w (status %s)", domain.ErrTaskNotAssigned, t.Status)
	}
	owner, err := s.swarms.SwarmOf(ctx, submitter)
	if err != nil {
		return nil, "", fmt.Errorf("resolve submitter: %w", err)
	}
	if owner != t.AssignedTo {
		s.log.Warn().Str("task", t.ID).Str("swarm", t.AssignedTo).Str("submitter", submitter).Msg("submission from outside the assigned swarm")
		return nil, "", domain.ErrNotAssignee
	}

	if !s.verifier.Verify(result, proof, t.Payload) {
		return s.failVerification(ctx, t, submitter)
	}

	done := *t
	done.Status = domain.TaskCompleted
	done.Result = result
	done.ComputeProof = proof
	done.SubmittedBy = submitter
	done.CompletedAt = s.now()

	ok, err := s.tasks.UpdateTaskIf(ctx, done, domain.TaskAssigned)
	if err != nil {
		return nil, "", fmt.Errorf("complete task: %w", err)
	}
	if !ok {
		return nil, "", domain.ErrTaskNotAssigned
	}

	s.totalCompleted.Add(1)
	metrics.TaskCompletions.WithLabelValues(done.Payload.Type).Inc()
	metrics.TaskComputeTime.WithLabelValues(done.Payload.Type).Observe(done.Duration().Seconds())
	s.log.Info().Str("task", done.ID).Str("swarm", done.AssignedTo).Str("submitter", submitter).
		Dur("duration", done.Duration()).Msg("task completed")

	if s.notify != nil {
		s.notify.NotifyTaskCompleted(done)
	}

	if s.settler == nil {
		return &done, "", nil
	}
	ref, err := s.settler.Settle(ctx, domain.SettlementRequest{
		TaskID:    done.ID,
		Requester: done.Requester,
		Payee:     submitter,
		SwarmID:   done.AssignedTo,
		Amount:    done.Reward,
	})
	if err != nil {
		var se *domain.SettlementError
		if !errors.As(err, &se) {
			err = &domain.SettlementError{TaskID: done.ID, Err: err}
		}
		s.log.Warn().Err(err).Str("task", done.ID).Msg("settlement failed")
		return &done, "", err
	}
	if err := s.tasks.SetSettlementRef(ctx, done.ID, ref); err != nil {
		s.log.Error().Err(err).Str("task", done.ID).Str("ref", ref).Msg("record settlement ref failed")
		metrics.Errors.WithLabelValues("scheduler").Inc()
	}
	done.SettlementRef = ref
	return &done, ref, nil
}

func (s *Scheduler) failVerification(ctx context.Context, t *domain.Task, submitter string) (*domain.Task, string, error) {
	failed := *t
	failed.Status = domain.TaskFailed
	failed.SubmittedBy = submitter
	failed.FailureReason = fmt.Sprintf("compute proof rejected (swarm %s)", t.AssignedTo)
	failed.AssignedTo = ""
	failed.FailedAt = s.now()

	ok, err := s.tasks.UpdateTaskIf(ctx, failed, domain.TaskAssigned)
	if err != nil {
		return nil, "", fmt.Errorf("fail task: %w", err)
	}
	if !ok {
		return nil, "", domain.ErrTaskNotAssigned
	}

	s.totalFailed.Add(1)
	metrics.TasksFailed.WithLabelValues(failed.Payload.Type, "verification").Inc()
	s.log.Warn().Str("task", failed.ID).Str("swarm", t.AssignedTo).Str("submitter", submitter).Msg("proof rejected")
	if s.onReject != nil {
		s.onReject(submitter)
	}
	return &failed, "", domain.ErrProofRejected
}

// ─── Re-queue ───────────────────────────────────────────────────────────────

// Requeue creates a fresh available task from a failed one. The failed task
// keeps its terminal status; the copy records it in RequeuedFrom.
func (s *Scheduler) Requeue(ctx context.Context, taskID string) (*domain.Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	old, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if old.Status != domain.TaskFailed {
		return nil, fmt.Errorf("%w (status %s)", domain.ErrTaskNotFailed, old.Status)
	}

	t := domain.Task{
		ID:           uuid.NewString(),
		Requester:    old.Requester,
		Payload:      old.Payload,
		Reward:       old.Reward,
		Status:       domain.TaskAvailable,
		Requirements: old.Requirements,
		RequeuedFrom: old.ID,
		CreatedAt:    s.now(),
	}
	if err := s.tasks.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	s.totalRequeued.Add(1)
	s.created(t, "task requeued")
	return &t, nil
}

// ─── Dispatch Loop ──────────────────────────────────────────────────────────

// Run best-fit dispatches available tasks every DispatchInterval until ctx
// is cancelled. It returns immediately when the interval is 0.
func (s *Scheduler) Run(ctx context.Context) {
	if s.config.DispatchInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("dispatch round failed")
			}
		}
	}
}

// DispatchOnce tries to place the oldest available tasks and returns how
// many were assigned. Tasks no swarm can take stay available.
func (s *Scheduler) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := s.tasks.ListTasks(ctx, domain.TaskAvailable, s.config.DispatchBatch)
	if err != nil {
		return 0, fmt.Errorf("list available tasks: %w", err)
	}
	assigned := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			break
		}
		_, err := s.AssignBestFit(ctx, t.ID)
		switch {
		case err == nil:
			assigned++
		case errors.Is(err, domain.ErrCapabilityMismatch), errors.Is(err, domain.ErrPrecondition):
		default:
			return assigned, err
		}
	}
	if assigned > 0 {
		s.log.Debug().Int("assigned", assigned).Int("considered", len(pending)).Msg("dispatch round")
	}
	return assigned, nil
}

// SyncGauges resets the available-task gauge from the store.
func (s *Scheduler) SyncGauges(ctx context.Context) error {
	list, err := s.tasks.ListTasks(ctx, domain.TaskAvailable, 0)
	if err != nil {
		return err
	}
	metrics.TasksAvailable.Set(float64(len(list)))
	return nil
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats holds scheduler counters.
type Stats struct {
	TotalCreated   int64 `json:"total_created"`
	TotalAssigned  int64 `json:"total_assigned"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalRequeued  int64 `json:"total_requeued"`
}

// Stats returns current scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		TotalCreated:   s.totalCreated.Load(),
		TotalAssigned:  s.totalAssigned.Load(),
		TotalCompleted: s.totalCompleted.Load(),
		TotalFailed:    s.totalFailed.Load(),
		TotalRejected:  s.totalRejected.Load(),
		TotalRequeued:  s.totalRequeued.Load(),
	}
}
