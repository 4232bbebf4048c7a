// Package admission gates mutating requests per actor with a sliding-window
// rate limit and a fraud score. The gate never touches task or swarm state.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/metrics"
)

// Config holds gate parameters.
type Config struct {
	Window         time.Duration // sliding window length
	MaxRequests    int           // admitted requests per window per actor
	FraudThreshold float64       // scores strictly above are rejected
	VelocityRPS    float64       // sustained request rate before an actor counts as bursting
	VelocityBurst  int
	IdleTTL        time.Duration // actor state older than this is pruned
}

// DefaultConfig returns 100 requests per 15 minutes and a 0.8 fraud threshold.
func DefaultConfig() Config {
	return Config{
		Window:         15 * time.Minute,
		MaxRequests:    100,
		FraudThreshold: 0.8,
		VelocityRPS:    1,
		VelocityBurst:  10,
		IdleTTL:        24 * time.Hour,
	}
}

type actorState struct {
	firstSeen  time.Time
	lastSeen   time.Time
	limiter    *rate.Limiter // nil when velocity is not tracked
	violations int
}

// Gate admits or rejects actors.
type Gate struct {
	cfg    Config
	store  WindowStore
	scorer Scorer
	log    zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	actors map[string]*actorState

	admitted      atomic.Int64
	rateLimited   atomic.Int64
	fraudRejected atomic.Int64
}

// NewGate creates a gate. A nil store uses an in-memory window and a nil
// scorer uses DefaultHeuristic.
func NewGate(cfg Config, store WindowStore, scorer Scorer, log zerolog.Logger) *Gate {
	if store == nil {
		store = NewMemoryWindow()
	}
	if scorer == nil {
		scorer = DefaultHeuristic()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultConfig().MaxRequests
	}
	if cfg.VelocityBurst <= 0 {
		cfg.VelocityBurst = 1
	}
	return &Gate{
		cfg:    cfg,
		store:  store,
		scorer: scorer,
		log:    log,
		now:    time.Now,
		actors: make(map[string]*actorState),
	}
}

// Admit returns nil when actor may proceed, a *domain.FraudError or a
// *domain.RateLimitError otherwise. Rejections record nothing.
func (g *Gate) Admit(ctx context.Context, actor string) error {
	if actor == "" {
		return fmt.Errorf("%w: actor identity is required", domain.ErrValidation)
	}
	now := g.now()

	sig := g.signals(actor, now)
	score := g.scorer.Score(sig)
	metrics.FraudScore.Observe(score)
	if score > g.cfg.FraudThreshold {
		g.fraudRejected.Add(1)
		metrics.AdmissionRejected.WithLabelValues("fraud_suspected").Inc()
		g.log.Warn().Str("actor", actor).Float64("score", score).
			Int("violations", sig.Violations).Bool("bursting", sig.Bursting).Msg("fraud suspected")
		return &domain.FraudError{Actor: actor, Score: score, Threshold: g.cfg.FraudThreshold}
	}

	ok, retryAfter, err := g.store.Hit(ctx, actor, now, g.cfg.Window, g.cfg.MaxRequests)
	if err != nil {
		metrics.Errors.WithLabelValues("admission").Inc()
		return fmt.Errorf("admission window: %w", err)
	}
	if !ok {
		g.rateLimited.Add(1)
		metrics.AdmissionRejected.WithLabelValues("rate_limited").Inc()
		g.log.Info().Str("actor", actor).Dur("retry_after", retryAfter).Msg("rate limited")
		return &domain.RateLimitError{Actor: actor, Limit: g.cfg.MaxRequests, RetryAfter: retryAfter}
	}

	g.mu.Lock()
	st := g.stateLocked(actor, now)
	if st.limiter != nil {
		st.limiter.AllowN(now, 1)
	}
	st.lastSeen = now
	g.mu.Unlock()

	g.admitted.Add(1)
	return nil
}

// RecordViolation feeds abuse (e.g. a rejected proof) back into scoring.
func (g *Gate) RecordViolation(actor string) {
	if actor == "" {
		return
	}
	now := g.now()
	g.mu.Lock()
	st := g.stateLocked(actor, now)
	st.violations++
	n := st.violations
	g.mu.Unlock()
	g.log.Info().Str("actor", actor).Int("violations", n).Msg("violation recorded")
}

// Violations returns the recorded violation count for actor.
func (g *Gate) Violations(actor string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.actors[actor]; ok {
		return st.violations
	}
	return 0
}

func (g *Gate) signals(actor string, now time.Time) Signals {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.actors[actor]
	if !ok {
		return Signals{Actor: actor}
	}
	return Signals{
		Actor:      actor,
		AccountAge: now.Sub(st.firstSeen),
		Bursting:   st.limiter != nil && st.limiter.TokensAt(now) < 1,
		Violations: st.violations,
	}
}

func (g *Gate) stateLocked(actor string, now time.Time) *actorState {
	st, ok := g.actors[actor]
	if !ok {
		st = &actorState{firstSeen: now, lastSeen: now}
		if g.cfg.VelocityRPS > 0 {
			st.limiter = rate.NewLimiter(rate.Limit(g.cfg.VelocityRPS), g.cfg.VelocityBurst)
		}
		g.actors[actor] = st
	}
	return st
}

// ─── Maintenance ────────────────────────────────────────────────────────────

// Prune drops actor state idle longer than IdleTTL and expired in-memory
// windows. Returns the number of actors removed.
func (g *Gate) Prune() int {
	now := g.now()
	removed := 0
	if g.cfg.IdleTTL > 0 {
		g.mu.Lock()
		for id, st := range g.actors {
			if now.Sub(st.lastSeen) > g.cfg.IdleTTL {
				delete(g.actors, id)
				removed++
			}
		}
		g.mu.Unlock()
	}
	if mw, ok := g.store.(*MemoryWindow); ok {
		mw.Prune(now, g.cfg.Window)
	}
	return removed
}

// Run prunes once per window until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Prune(); n > 0 {
				g.log.Debug().Int("actors", n).Msg("pruned idle actors")
			}
		}
	}
}

// Stats holds gate counters.
type Stats struct {
	Admitted      int64 `json:"admitted"`
	RateLimited   int64 `json:"rate_limited"`
	FraudRejected int64 `json:"fraud_rejected"`
	TrackedActors int   `json:"tracked_actors"`
}

// Stats returns current counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	n := len(g.actors)
	g.mu.Unlock()
	return Stats{
		Admitted:      g.admitted.Load(),
		RateLimited:   g.rateLimited.Load(),
		FraudRejected: g.fraudRejected.Load(),
		TrackedActors: n,
	}
}
