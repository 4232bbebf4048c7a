package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func request(taskID string, amount int64) domain.SettlementRequest {
	return domain.SettlementRequest{
		TaskID: taskID, Requester: "0xreq", Payee: "0xworker", SwarmID: "s1", Amount: amount,
	}
}

// ─── Ledger Tests ───────────────────────────────────────────────────────────

func TestLedger_Settle(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db)
	ctx := context.Background()

	ref, err := l.Settle(ctx, request("t1", 250))
	if err != nil {
		t.Fatalf("Settle() error: %v", err)
	}
	if ref == "" {
		t.Fatal("Settle() returned empty ref")
	}

	payee, _ := l.Balance(ctx, WalletAccount("0xworker"))
	escrow, _ := l.Balance(ctx, EscrowAccount("0xreq"))
	if payee != 250 {
		t.Errorf("payee balance = %d, want 250", payee)
	}
	if escrow != -250 {
		t.Errorf("escrow balance = %d, want -250", escrow)
	}
	if payee+escrow != 0 {
		t.Error("debits and credits must balance")
	}

	hist, err := l.History(ctx, WalletAccount("0xworker"), 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(hist) != 1 || hist[0].EntryType != domain.EntryCredit || hist[0].SettlementRef != ref {
		t.Errorf("History() = %+v", hist)
	}
}

func TestLedger_SettleIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db)
	ctx := context.Background()

	first, err := l.Settle(ctx, request("t1", 100))
	if err != nil {
		t.Fatalf("first Settle() error: %v", err)
	}
	second, err := l.Settle(ctx, request("t1", 100))
	if err != nil {
		t.Fatalf("second Settle() error: %v", err)
	}
	if first != second {
		t.Errorf("refs differ: %s vs %s", first, second)
	}
	bal, _ := l.Balance(ctx, WalletAccount("0xworker"))
	if bal != 100 {
		t.Errorf("balance = %d after duplicate settle, want 100", bal)
	}
}

func TestLedger_SettleValidation(t *testing.T) {
	l := NewLedger(newTestDB(t))
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.SettlementRequest
	}{
		{"no task", domain.SettlementRequest{Requester: "a", Payee: "b", Amount: 1}},
		{"no payee", domain.SettlementRequest{TaskID: "t", Requester: "a", Amount: 1}},
		{"no requester", domain.SettlementRequest{TaskID: "t", Payee: "b", Amount: 1}},
		{"zero amount", domain.SettlementRequest{TaskID: "t", Requester: "a", Payee: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Settle(ctx, tt.req); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Settle() error = %v, want validation", err)
			}
		})
	}
}

// ─── Backoff ────────────────────────────────────────────────────────────────

func TestBackoff(t *testing.T) {
	base, max := time.Second, 60*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, base, max); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := Backoff(3, time.Second, 0); got != 4*time.Second {
		t.Errorf("uncapped Backoff(3) = %v, want 4s", got)
	}
}

// ─── Service Tests ──────────────────────────────────────────────────────────

// flakySettler fails the first n calls.
type flakySettler struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakySettler) Settle(_ context.Context, req domain.SettlementRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return "", errors.New("chain unavailable")
	}
	return "ref-" + req.TaskID, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService(settler domain.Settler, c *clock, opts ...Option) *Service {
	cfg := DefaultConfig()
	return NewService(cfg, settler, zerolog.Nop(), append([]Option{WithClock(c.now)}, opts...)...)
}

func TestService_SettleSuccess(t *testing.T) {
	c := &clock{t: time.Now()}
	svc := newService(&flakySettler{}, c)

	ref, err := svc.Settle(context.Background(), request("t1", 10))
	if err != nil || ref != "ref-t1" {
		t.Fatalf("Settle() = %q, %v", ref, err)
	}
	if svc.Backlog() != 0 {
		t.Error("successful settle must not queue")
	}
	if svc.Stats().Settled != 1 {
		t.Errorf("Settled = %d", svc.Stats().Settled)
	}
}

func TestService_FailureQueuesRetry(t *testing.T) {
	c := &clock{t: time.Now()}
	var hooked []string
	svc := newService(&flakySettler{fails: 1}, c, WithSettledHook(func(id, ref string) {
		hooked = append(hooked, id+"="+ref)
	}))
	ctx := context.Background()

	_, err := svc.Settle(ctx, request("t1", 10))
	var se *domain.SettlementError
	if !errors.As(err, &se) || se.TaskID != "t1" {
		t.Fatalf("Settle() error = %v, want SettlementError", err)
	}
	if domain.KindOf(err) != domain.KindSettlement {
		t.Errorf("kind = %s", domain.KindOf(err))
	}
	if svc.Backlog() != 1 {
		t.Fatalf("Backlog() = %d, want 1", svc.Backlog())
	}
	attempt, lastErr, ok := svc.Pending("t1")
	if !ok || attempt != 1 || lastErr == "" {
		t.Errorf("Pending() = %d, %q, %v", attempt, lastErr, ok)
	}

	if n := svc.RetryDue(ctx); n != 0 {
		t.Errorf("retry before backoff settled %d", n)
	}
	c.t = c.t.Add(time.Second)
	if n := svc.RetryDue(ctx); n != 1 {
		t.Fatalf("RetryDue() = %d, want 1", n)
	}
	if svc.Backlog() != 0 {
		t.Error("backlog should drain")
	}
	if len(hooked) != 1 || hooked[0] != "t1=ref-t1" {
		t.Errorf("hook calls = %v", hooked)
	}
}

func TestService_RetriesBackOffThenGiveUp(t *testing.T) {
	c := &clock{t: time.Now()}
	settler := &flakySettler{fails: 100}
	svc := newService(settler, c)
	ctx := context.Background()

	svc.Settle(ctx, request("t1", 10))
	for i := 0; i < 10; i++ {
		c.t = c.t.Add(time.Minute)
		svc.RetryDue(ctx)
	}

	if svc.Backlog() != 0 {
		t.Errorf("Backlog() = %d after exhaustion", svc.Backlog())
	}
	st := svc.Stats()
	if st.Exhausted != 1 {
		t.Errorf("Exhausted = %d, want 1", st.Exhausted)
	}
	// One initial attempt plus MaxAttempts retries.
	if settler.calls != 1+DefaultConfig().MaxAttempts {
		t.Errorf("calls = %d, want %d", settler.calls, 1+DefaultConfig().MaxAttempts)
	}
}

func TestService_ValidationNotRetried(t *testing.T) {
	c := &clock{t: time.Now()}
	svc := newService(NewLedger(newTestDB(t)), c)

	_, err := svc.Settle(context.Background(), request("t1", 0))
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("error = %v, want validation", err)
	}
	if svc.Backlog() != 0 {
		t.Error("validation failures must not be retried")
	}
}

func TestService_DuplicateTaskQueuedOnce(t *testing.T) {
	c := &clock{t: time.Now()}
	svc := newService(&flakySettler{fails: 2}, c)
	ctx := context.Background()

	svc.Settle(ctx, request("t1", 10))
	svc.Settle(ctx, request("t1", 10))
	if svc.Backlog() != 1 {
		t.Errorf("Backlog() = %d, want 1", svc.Backlog())
	}
}

func TestService_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	svc := NewService(cfg, &flakySettler{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
