package admission

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGate(cfg Config, scorer Scorer) (*Gate, *fakeClock) {
	clock := newFakeClock()
	g := NewGate(cfg, nil, scorer, zerolog.Nop())
	g.now = clock.Now
	return g, clock
}

// ─── Rate Limiting ──────────────────────────────────────────────────────────

func TestAdmit_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequests = 3
	cfg.VelocityRPS = 0
	g, clock := newTestGate(cfg, ScorerFunc(func(Signals) float64 { return 0 }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Admit(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
		clock.Advance(time.Minute)
	}

	err := g.Admit(ctx, "10.0.0.1")
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("4th request = %v, want RateLimitError", err)
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Error("RateLimitError should unwrap to ErrRateLimited")
	}
	// First hit at 12:00, now 12:03, window 15m → retry after 12m.
	if rl.RetryAfter != 12*time.Minute {
		t.Errorf("RetryAfter = %v, want 12m", rl.RetryAfter)
	}

	if err := g.Admit(ctx, "10.0.0.2"); err != nil {
		t.Errorf("other actor should be unaffected: %v", err)
	}

	clock.Advance(12*time.Minute + time.Second)
	if err := g.Admit(ctx, "10.0.0.1"); err != nil {
		t.Errorf("request after window slides = %v, want nil", err)
	}
}

func TestAdmit_RejectedRequestsAreNotCounted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequests = 2
	cfg.Window = time.Minute
	cfg.VelocityRPS = 0
	g, clock := newTestGate(cfg, ScorerFunc(func(Signals) float64 { return 0 }))
	ctx := context.Background()

	g.Admit(ctx, "a")
	clock.Advance(10 * time.Second)
	g.Admit(ctx, "a")
	for i := 0; i < 50; i++ {
		clock.Advance(time.Second)
		if err := g.Admit(ctx, "a"); err == nil {
			t.Fatalf("request %d admitted over the limit", i)
		}
	}
	// The window holds only the two admitted hits; the first expires at 1m.
	clock.Advance(time.Second)
	if err := g.Admit(ctx, "a"); err != nil {
		t.Errorf("request after first hit expired = %v", err)
	}
	if st := g.Stats(); st.Admitted != 3 || st.RateLimited != 50 {
		t.Errorf("stats = %+v", st)
	}
}

func TestAdmit_MissingActor(t *testing.T) {
	g, _ := newTestGate(DefaultConfig(), nil)
	if err := g.Admit(context.Background(), ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Admit(\"\") = %v, want validation", err)
	}
}

// ─── Fraud ──────────────────────────────────────────────────────────────────

func TestAdmit_FraudThreshold(t *testing.T) {
	g, _ := newTestGate(DefaultConfig(), nil)
	ctx := context.Background()

	if err := g.Admit(ctx, "0xabc"); err != nil {
		t.Fatalf("clean actor rejected: %v", err)
	}
	g.RecordViolation("0xabc")
	g.RecordViolation("0xabc")
	if g.Violations("0xabc") != 2 {
		t.Fatalf("Violations = %d, want 2", g.Violations("0xabc"))
	}

	err := g.Admit(ctx, "0xabc")
	var fe *domain.FraudError
	if !errors.As(err, &fe) {
		t.Fatalf("Admit after violations = %v, want FraudError", err)
	}
	if fe.Score <= fe.Threshold {
		t.Errorf("score %v should exceed threshold %v", fe.Score, fe.Threshold)
	}
	if domain.KindOf(err) != domain.KindFraudSuspected {
		t.Errorf("kind = %s", domain.KindOf(err))
	}
	if st := g.Stats(); st.FraudRejected != 1 || st.Admitted != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestAdmit_FraudRejectionDoesNotConsumeWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequests = 1
	reject := true
	g, _ := newTestGate(cfg, ScorerFunc(func(Signals) float64 {
		if reject {
			return 1
		}
		return 0
	}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := g.Admit(ctx, "a"); !errors.Is(err, domain.ErrFraudSuspected) {
			t.Fatalf("Admit = %v, want fraud", err)
		}
	}
	reject = false
	if err := g.Admit(ctx, "a"); err != nil {
		t.Errorf("window should be untouched by fraud rejections: %v", err)
	}
}

func TestAdmit_BurstingRaisesScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VelocityRPS = 1
	cfg.VelocityBurst = 3
	var last Signals
	g, clock := newTestGate(cfg, ScorerFunc(func(s Signals) float64 {
		last = s
		return 0
	}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.Admit(ctx, "a")
	}
	g.Admit(ctx, "a")
	if !last.Bursting {
		t.Error("actor should be bursting after exhausting its burst")
	}

	clock.Advance(10 * time.Second)
	g.Admit(ctx, "a")
	if last.Bursting {
		t.Error("bucket should refill after idling")
	}
	if last.AccountAge != 10*time.Second {
		t.Errorf("AccountAge = %v, want 10s", last.AccountAge)
	}
}

func TestHeuristic(t *testing.T) {
	h := DefaultHeuristic()
	tests := []struct {
		name string
		sig  Signals
		want float64
	}{
		{"mature clean", Signals{AccountAge: 48 * time.Hour}, 0},
		{"new account", Signals{}, 0.3},
		{"half mature", Signals{AccountAge: 12 * time.Hour}, 0.15},
		{"new bursting", Signals{Bursting: true}, 0.7},
		{"many violations", Signals{AccountAge: 48 * time.Hour, Violations: 10}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.Score(tt.sig)
			if got < tt.want-1e-9 || got > tt.want+1e-9 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ─── Maintenance ────────────────────────────────────────────────────────────

func TestPrune(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTTL = time.Hour
	g, clock := newTestGate(cfg, nil)
	ctx := context.Background()
	g.Admit(ctx, "a")
	clock.Advance(30 * time.Minute)
	g.Admit(ctx, "b")
	clock.Advance(45 * time.Minute)

	if n := g.Prune(); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if st := g.Stats(); st.TrackedActors != 1 {
		t.Errorf("TrackedActors = %d, want 1", st.TrackedActors)
	}
}

func TestMemoryWindow_Prune(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()
	now := time.Now()
	w.Hit(ctx, "a", now, time.Minute, 5)
	w.Hit(ctx, "b", now.Add(50*time.Second), time.Minute, 5)

	if n := w.Prune(now.Add(70*time.Second), time.Minute); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if w.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.Len())
	}
}

// ─── Redis ──────────────────────────────────────────────────────────────────

// Runs against a real server when SWARMD_TEST_REDIS is set (e.g. localhost:6379).
func TestRedisWindow(t *testing.T) {
	addr := os.Getenv("SWARMD_TEST_REDIS")
	if addr == "" {
		t.Skip("SWARMD_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	w := NewRedisWindow(client, "swarmd:test:"+t.Name()+":")
	defer w.Close()
	ctx := context.Background()
	key := time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { client.Del(ctx, "swarmd:test:"+t.Name()+":"+key) })

	now := time.Now()
	for i := 0; i < 2; i++ {
		ok, _, err := w.Hit(ctx, key, now.Add(time.Duration(i)*time.Second), time.Minute, 2)
		if err != nil || !ok {
			t.Fatalf("hit %d = %v, %v", i, ok, err)
		}
	}
	ok, retry, err := w.Hit(ctx, key, now.Add(5*time.Second), time.Minute, 2)
	if err != nil {
		t.Fatalf("Hit() error: %v", err)
	}
	if ok {
		t.Fatal("third hit admitted over limit")
	}
	if retry < 54*time.Second || retry > 56*time.Second {
		t.Errorf("retryAfter = %v, want ~55s", retry)
	}
	ok, _, _ = w.Hit(ctx, key, now.Add(61*time.Second), time.Minute, 2)
	if !ok {
		t.Error("hit after oldest expired should be admitted")
	}
}
