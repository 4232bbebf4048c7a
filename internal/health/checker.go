// Package health runs periodic checks against the coordinator's
// dependencies and attempts recovery when one fails.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      zerolog.Logger
}

// NewChecker creates a checker running checks every interval.
func NewChecker(interval time.Duration, log zerolog.Logger, checks ...Check) *Checker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Checker{interval: interval, log: log, checks: checks}
}

// Add registers another check.
func (c *Checker) Add(check Check) {
	c.mu.Lock()
	c.checks = append(c.checks, check)
	c.mu.Unlock()
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check now and records the results.
func (c *Checker) RunOnce(ctx context.Context) {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	statuses := make([]Status, len(checks))
	for i, check := range checks {
		s := Status{Name: check.Name, CheckedAt: time.Now()}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
			c.log.Warn().Err(err).Str("check", check.Name).Msg("health check failed")
			if check.RecoverFn != nil {
				metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.log.Error().Err(rerr).Str("check", check.Name).Msg("recovery failed")
				}
			}
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// Pinger is anything that can confirm it is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingCheck fails when p cannot be reached.
func PingCheck(name string, p Pinger) Check {
	return Check{
		Name:    name,
		CheckFn: p.PingContext,
	}
}

// DirCheck fails when dir is missing or not writable.
func DirCheck(name, dir string) Check {
	return Check{
		Name:    name,
		CheckFn: func(context.Context) error { return checkWritable(dir) },
		RecoverFn: func(context.Context) error {
			return os.MkdirAll(dir, 0o700)
		},
	}
}

// BacklogCheck fails when backlog() exceeds max. drain, when set, is run
// as the recovery action.
func BacklogCheck(name string, backlog func() int, max int, drain func(ctx context.Context)) Check {
	c := Check{
		Name: name,
		CheckFn: func(context.Context) error {
			if n := backlog(); n > max {
				return fmt.Errorf("backlog %d exceeds %d", n, max)
			}
			return nil
		},
	}
	if drain != nil {
		c.RecoverFn = func(ctx context.Context) error {
			drain(ctx)
			return nil
		}
	}
	return c
}

func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe := filepath.Join(dir, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("dir not writable: %w", err)
	}
	return os.Remove(probe)
}
