package settlement

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/metrics"
)

// Config configures settlement retries.
type Config struct {
	BaseDelay    time.Duration // First retry delay, doubled per attempt
	MaxDelay     time.Duration // Cap on retry delay
	MaxAttempts  int           // Retries before a settlement is abandoned
	PollInterval time.Duration // How often Run looks for due retries
}

// DefaultConfig returns production retry defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  5,
		PollInterval: 1 * time.Second,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithSettledHook is called when a queued retry finally succeeds.
func WithSettledHook(fn func(taskID, ref string)) Option {
	return func(s *Service) { s.onSettled = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service wraps a settlement collaborator. A failed submission is reported
// to the caller as a *domain.SettlementError and retried in the background.
type Service struct {
	cfg       Config
	settler   domain.Settler
	log       zerolog.Logger
	now       func() time.Time
	onSettled func(taskID, ref string)

	mu      sync.Mutex
	queue   retryHeap
	pending map[string]*retryEntry

	settled   atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	exhausted atomic.Int64
}

var _ domain.Settler = (*Service)(nil)

// NewService creates a settlement service over settler.
func NewService(cfg Config, settler domain.Settler, log zerolog.Logger, opts ...Option) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	s := &Service{
		cfg:     cfg,
		settler: settler,
		log:     log,
		now:     time.Now,
		pending: make(map[string]*retryEntry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Settle submits a transfer. On failure the request is queued for retry and
// a *domain.SettlementError is returned.
func (s *Service) Settle(ctx context.Context, req domain.SettlementRequest) (string, error) {
	ref, err := s.settler.Settle(ctx, req)
	if err == nil {
		s.settled.Add(1)
		metrics.Settlements.WithLabelValues("settled").Inc()
		return ref, nil
	}

	s.failed.Add(1)
	metrics.Settlements.WithLabelValues("failed").Inc()
	if !errors.Is(err, domain.ErrValidation) {
		s.enqueue(req, 1, err)
	}
	return "", &domain.SettlementError{TaskID: req.TaskID, Err: err}
}

func (s *Service) enqueue(req domain.SettlementRequest, attempt int, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.pending[req.TaskID]; dup {
		return
	}
	if attempt > s.cfg.MaxAttempts {
		s.exhausted.Add(1)
		metrics.Settlements.WithLabelValues("exhausted").Inc()
		s.log.Error().Err(cause).Str("task", req.TaskID).Int("attempts", attempt-1).Msg("settlement abandoned")
		return
	}
	e := &retryEntry{
		req:     req,
		attempt: attempt,
		next:    s.now().Add(Backoff(attempt, s.cfg.BaseDelay, s.cfg.MaxDelay)),
		lastErr: cause.Error(),
	}
	heap.Push(&s.queue, e)
	s.pending[req.TaskID] = e
	metrics.SettlementBacklog.Set(float64(s.queue.Len()))
	s.log.Warn().Err(cause).Str("task", req.TaskID).Int("attempt", attempt).Time("next", e.next).Msg("settlement queued for retry")
}

// RetryDue resubmits every queued settlement whose backoff has elapsed.
// It returns the number that succeeded.
func (s *Service) RetryDue(ctx context.Context) int {
	now := s.now()
	var due []*retryEntry
	s.mu.Lock()
	for {
		e, ok := s.queue.popDue(now)
		if !ok {
			break
		}
		delete(s.pending, e.req.TaskID)
		due = append(due, e)
	}
	metrics.SettlementBacklog.Set(float64(s.queue.Len()))
	s.mu.Unlock()

	ok := 0
	for _, e := range due {
		if ctx.Err() != nil {
			s.enqueue(e.req, e.attempt, ctx.Err())
			continue
		}
		s.retried.Add(1)
		ref, err := s.settler.Settle(ctx, e.req)
		if err != nil {
			metrics.Settlements.WithLabelValues("retry_failed").Inc()
			s.enqueue(e.req, e.attempt+1, err)
			continue
		}
		ok++
		s.settled.Add(1)
		metrics.Settlements.WithLabelValues("retried").Inc()
		s.log.Info().Str("task", e.req.TaskID).Str("ref", ref).Int("attempt", e.attempt).Msg("settlement retry succeeded")
		if s.onSettled != nil {
			s.onSettled(e.req.TaskID, ref)
		}
	}
	return ok
}

// Run drives retries until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RetryDue(ctx)
		}
	}
}

// Backlog returns the number of settlements waiting for retry.
func (s *Service) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Pending reports whether a task's settlement is queued and its last error.
func (s *Service) Pending(taskID string) (attempt int, lastErr string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[taskID]
	if !ok {
		return 0, "", false
	}
	return e.attempt, e.lastErr, true
}

// Stats holds settlement counters.
type Stats struct {
	Settled   int64 `json:"settled"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Exhausted int64 `json:"exhausted"`
	Backlog   int   `json:"backlog"`
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Settled:   s.settled.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Exhausted: s.exhausted.Load(),
		Backlog:   s.Backlog(),
	}
}
