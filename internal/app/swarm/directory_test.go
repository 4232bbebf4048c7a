package swarm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"pgregory.net/rapid"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type liveSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newLiveSet(ids ...string) *liveSet {
	l := &liveSet{ids: make(map[string]bool)}
	for _, id := range ids {
		l.ids[id] = true
	}
	return l
}

func (l *liveSet) IsLive(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[id]
}

func (l *liveSet) set(id string, live bool) {
	l.mu.Lock()
	l.ids[id] = live
	l.mu.Unlock()
}

type recordingNotifier struct {
	mu      sync.Mutex
	joined  []string
	updates []domain.Swarm
}

func (n *recordingNotifier) NotifyMemberJoined(swarmID string, m domain.Member) {
	n.mu.Lock()
	n.joined = append(n.joined, swarmID+"/"+m.Identity)
	n.mu.Unlock()
}

func (n *recordingNotifier) NotifyMemberUpdate(s domain.Swarm) {
	n.mu.Lock()
	n.updates = append(n.updates, s)
	n.mu.Unlock()
}

func (n *recordingNotifier) NotifyTaskAssignment(domain.Task) {}
func (n *recordingNotifier) NotifyNewTask(domain.Task)        {}
func (n *recordingNotifier) NotifyTaskCompleted(domain.Task)  {}

func newTestDirectory(t *testing.T, opts ...Option) (*Directory, *recordingNotifier) {
	t.Helper()
	d := NewDirectory(newTestDB(t), zerolog.Nop(), opts...)
	n := &recordingNotifier{}
	d.SetNotifier(n)
	return d, n
}

// ─── CreateSwarm ────────────────────────────────────────────────────────────

func TestCreateSwarm(t *testing.T) {
	d, _ := newTestDirectory(t)
	s, err := d.CreateSwarm(context.Background(), "0xleader", 12, "GPU")
	if err != nil {
		t.Fatalf("CreateSwarm() error: %v", err)
	}
	if s.ID == "" || s.Leader != "0xleader" {
		t.Errorf("swarm = %+v", s)
	}
	if len(s.Members) != 1 || s.TotalPower != 12 {
		t.Errorf("members=%d power=%v, want 1 / 12", len(s.Members), s.TotalPower)
	}
	if s.Status != domain.SwarmActive {
		t.Errorf("status = %s, want active", s.Status)
	}
}

func TestCreateSwarm_Validation(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	for _, power := range []float64{0, -1} {
		if _, err := d.CreateSwarm(ctx, "0xa", power, ""); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("CreateSwarm(power=%v) = %v, want validation error", power, err)
		}
	}
	if _, err := d.CreateSwarm(ctx, "", 5, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("CreateSwarm(no leader) = %v, want validation error", err)
	}
}

func TestCreateSwarm_LeaderAlreadyMember(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	d.CreateSwarm(ctx, "0xa", 5, "")
	if _, err := d.CreateSwarm(ctx, "0xa", 5, ""); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("second CreateSwarm = %v, want precondition error", err)
	}
}

// ─── JoinSwarm ──────────────────────────────────────────────────────────────

func TestJoinSwarm(t *testing.T) {
	d, n := newTestDirectory(t)
	ctx := context.Background()
	s, _ := d.CreateSwarm(ctx, "0xa", 12, "GPU")

	got, err := d.JoinSwarm(ctx, s.ID, "0xb", 8, "CPU")
	if err != nil {
		t.Fatalf("JoinSwarm() error: %v", err)
	}
	if got.TotalPower != 20 || len(got.Members) != 2 {
		t.Errorf("power=%v members=%d, want 20 / 2", got.TotalPower, len(got.Members))
	}
	if len(n.joined) != 1 || n.joined[0] != s.ID+"/0xb" {
		t.Errorf("MEMBER_JOINED notifications = %v", n.joined)
	}
}

func TestJoinSwarm_Errors(t *testing.T) {
	d, n := newTestDirectory(t)
	ctx := context.Background()
	s, _ := d.CreateSwarm(ctx, "0xa", 12, "")

	if _, err := d.JoinSwarm(ctx, "missing", "0xb", 8, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("join missing swarm = %v, want not found", err)
	}
	if _, err := d.JoinSwarm(ctx, s.ID, "0xb", 0, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("join with zero power = %v, want validation", err)
	}
	if _, err := d.JoinSwarm(ctx, s.ID, "0xa", 3, ""); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("rejoin = %v, want precondition", err)
	}
	if len(n.joined) != 0 {
		t.Errorf("failed joins must not broadcast, got %v", n.joined)
	}
	got, _ := d.GetSwarm(ctx, s.ID)
	if got.TotalPower != 12 {
		t.Errorf("failed joins changed power to %v", got.TotalPower)
	}
}

func TestJoinSwarm_EligibilityRejects(t *testing.T) {
	d, n := newTestDirectory(t, WithEligibility(CapabilityPolicy{MinPower: 8}))
	ctx := context.Background()
	s, _ := d.CreateSwarm(ctx, "0xa", 12, "")

	_, err := d.JoinSwarm(ctx, s.ID, "0xweak", 2, "")
	if !errors.Is(err, domain.ErrEligibility) {
		t.Fatalf("JoinSwarm(weak) = %v, want eligibility error", err)
	}
	if len(n.joined) != 0 {
		t.Error("rejected join must not broadcast")
	}
}

func TestJoinSwarm_PlainPolicyErrorIsEligibility(t *testing.T) {
	sybil := EligibilityFunc(func(context.Context, domain.Swarm, domain.Member) error {
		return errors.New("device fingerprint reused")
	})
	d, _ := newTestDirectory(t, WithEligibility(sybil))
	ctx := context.Background()
	s, _ := d.CreateSwarm(ctx, "0xa", 12, "")

	if _, err := d.JoinSwarm(ctx, s.ID, "0xb", 5, ""); domain.KindOf(err) != domain.KindEligibility {
		t.Errorf("kind = %q, want eligibility", domain.KindOf(err))
	}
}

func TestJoinSwarm_Disbanded(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	s, _ := d.CreateSwarm(ctx, "0xa", 12, "")
	d.LeaveSwarm(ctx, s.ID, "0xa")

	if _, err := d.JoinSwarm(ctx, s.ID, "0xb", 5, ""); !errors.Is(err, domain.ErrSwarmDisbanded) {
		t.Errorf("join disbanded = %v, want ErrSwarmDisbanded", err)
	}
}

func TestJoinSwarm_ConcurrentJoinsKeepPowerConsistent(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	s, _ := d.CreateSwarm(ctx, "0xleader", 1, "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := d.JoinSwarm(ctx, s.ID, fmt.Sprintf("0x%02d", i), float64(i+1), ""); err != nil {
				t.Errorf("JoinSwarm(%d) error: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := d.GetSwarm(ctx, s.ID)
	want := 1.0 + 20*21/2
	if got.TotalPower != want || len(got.Members) != 21 {
		t.Errorf("power=%v members=%d, want %v / 21", got.TotalPower, len(got.Members), want)
	}
}

func TestJoinSwarm_SameMemberTwoSwarmsConcurrently(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	a, _ := d.CreateSwarm(ctx, "0xa", 5, "")
	b, _ := d.CreateSwarm(ctx, "0xb", 5, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = d.JoinSwarm(ctx, id, "0xdup", 3, "")
		}(i, id)
	}
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
		} else if !errors.Is(err, domain.ErrAlreadyMember) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if okCount != 1 {
		t.Errorf("successful joins = %d, want exactly 1", okCount)
	}
}

// ─── LeaveSwarm ─────────────────────────────────────────────────────────────

func TestLeaveSwarm(t *testing.T) {
	d, n := newTestDirectory(t)
	ctx := context.Background()
	s, _ := d.CreateSwarm(ctx, "0xa", 12, "")
	d.JoinSwarm(ctx, s.ID, "0xb", 8, "")

	got, err := d.LeaveSwarm(ctx, s.ID, "0xa")
	if err != nil {
		t.Fatalf("LeaveSwarm() error: %v", err)
	}
	if got.TotalPower != 8 || got.Status == domain.SwarmDisbanded {
		t.Errorf("after leave: power=%v status=%s", got.TotalPower, got.Status)
	}
	if len(n.updates) != 1 {
		t.Errorf("MEMBER_UPDATE count = %d, want 1", len(n.updates))
	}

	got, _ = d.LeaveSwarm(ctx, s.ID, "0xb")
	if got.Status != domain.SwarmDisbanded {
		t.Errorf("empty swarm status = %s, want disbanded", got.Status)
	}

	if _, err := d.LeaveSwarm(ctx, s.ID, "0xb"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("leave twice = %v, want not found", err)
	}
	if _, err := d.LeaveSwarm(ctx, "missing", "0xb"); !errors.Is(err, domain.ErrSwarmNotFound) {
		t.Errorf("leave missing swarm = %v, want ErrSwarmNotFound", err)
	}
}

func TestLeaveSwarm_MemberCanJoinElsewhere(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	a, _ := d.CreateSwarm(ctx, "0xa", 5, "")
	b, _ := d.CreateSwarm(ctx, "0xb", 5, "")
	d.JoinSwarm(ctx, a.ID, "0xc", 3, "")
	d.LeaveSwarm(ctx, a.ID, "0xc")

	if _, err := d.JoinSwarm(ctx, b.ID, "0xc", 3, ""); err != nil {
		t.Errorf("join after leave = %v", err)
	}
}

// ─── Liveness ───────────────────────────────────────────────────────────────

func TestMemberOffline_IdleWhenNoLiveMembers(t *testing.T) {
	live := newLiveSet("0xa", "0xb")
	d, n := newTestDirectory(t, WithLiveness(live))
	ctx := context.Background()
	s, _ := d.CreateSwarm(ctx, "0xa", 12, "")
	d.JoinSwarm(ctx, s.ID, "0xb", 8, "")

	live.set("0xa", false)
	d.MemberOffline(ctx, "0xa")
	got, _ := d.GetSwarm(ctx, s.ID)
	if got.Status != domain.SwarmActive {
		t.Errorf("status with one live member = %s, want active", got.Status)
	}
	if got.TotalPower != 20 || len(got.Members) != 2 {
		t.Error("offline must not change roster or power")
	}

	live.set("0xb", false)
	d.MemberOffline(ctx, "0xb")
	got, _ = d.GetSwarm(ctx, s.ID)
	if got.Status != domain.SwarmIdle {
		t.Errorf("status with no live members = %s, want idle", got.Status)
	}
	for _, m := range got.Members {
		if m.Online {
			t.Errorf("member %s should be offline", m.Identity)
		}
	}

	live.set("0xb", true)
	d.MemberOnline(ctx, "0xb")
	got, _ = d.GetSwarm(ctx, s.ID)
	if got.Status != domain.SwarmActive {
		t.Errorf("status after reconnect = %s, want active", got.Status)
	}
	if len(n.updates) < 3 {
		t.Errorf("MEMBER_UPDATE count = %d, want >= 3", len(n.updates))
	}
}

func TestMemberOffline_UnknownIdentityIsNoop(t *testing.T) {
	d, n := newTestDirectory(t)
	d.MemberOffline(context.Background(), "0xnobody")
	if len(n.updates) != 0 {
		t.Error("unknown identity should not broadcast")
	}
}

func TestCandidatesSkipDisbanded(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	a, _ := d.CreateSwarm(ctx, "0xa", 5, "")
	d.CreateSwarm(ctx, "0xb", 7, "")
	d.LeaveSwarm(ctx, a.ID, "0xa")

	c, err := d.Candidates(ctx)
	if err != nil {
		t.Fatalf("Candidates() error: %v", err)
	}
	if len(c) != 1 || c[0].Leader != "0xb" {
		t.Errorf("candidates = %+v", c)
	}

	st, _ := d.Stats(ctx)
	if st.Active != 1 || st.Disbanded != 1 || st.Power != 7 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEligible(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	d.CreateSwarm(ctx, "0xsmall", 5, "CPU")
	d.CreateSwarm(ctx, "0xgpu", 20, "GPU")
	d.CreateSwarm(ctx, "0xbig", 30, "CPU")

	tests := []struct {
		name     string
		minPower float64
		hardware string
		want     int
	}{
		{"all", 0, "", 3},
		{"power only", 10, "", 2},
		{"gpu", 10, "gpu", 1},
		{"too much", 50, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Eligible(ctx, tt.minPower, tt.hardware)
			if err != nil {
				t.Fatalf("Eligible() error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Eligible(%v, %q) = %d swarms, want %d", tt.minPower, tt.hardware, len(got), tt.want)
			}
		})
	}
}

// ─── Properties ─────────────────────────────────────────────────────────────

// After any sequence of joins and leaves, total power equals the roster sum
// and an empty roster means disbanded.
func TestProperty_TotalPowerMatchesRoster(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp(t.TempDir(), "prop")
		if err != nil {
			rt.Fatalf("MkdirTemp: %v", err)
		}
		db, err := sqlite.Open(dir)
		if err != nil {
			rt.Fatalf("Open: %v", err)
		}
		defer db.Close()

		d := NewDirectory(db, zerolog.Nop(), WithClock(func() time.Time { return time.Now() }))
		ctx := context.Background()
		s, err := d.CreateSwarm(ctx, "m0", rapid.Float64Range(1, 50).Draw(rt, "leaderPower"), "")
		if err != nil {
			rt.Fatalf("CreateSwarm: %v", err)
		}

		ids := []string{"m0", "m1", "m2", "m3", "m4", "m5"}
		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(rt, "id")
			if rapid.Bool().Draw(rt, "join") {
				_, _ = d.JoinSwarm(ctx, s.ID, id, rapid.Float64Range(0.5, 40).Draw(rt, "power"), "")
			} else {
				_, _ = d.LeaveSwarm(ctx, s.ID, id)
			}

			got, err := d.GetSwarm(ctx, s.ID)
			if err != nil {
				rt.Fatalf("GetSwarm: %v", err)
			}
			if math.Abs(got.TotalPower-got.SumPower()) > 1e-9 {
				rt.Fatalf("totalPower %v != roster sum %v", got.TotalPower, got.SumPower())
			}
			if len(got.Members) == 0 && got.Status != domain.SwarmDisbanded {
				rt.Fatalf("empty swarm has status %s", got.Status)
			}
			if got.Status == domain.SwarmDisbanded && len(got.Members) != 0 {
				rt.Fatalf("disbanded swarm has %d members", len(got.Members))
			}
		}
	})
}

type rosterOp struct {
	id    string
	join  bool
	power float64
}

// A batch of joins and leaves racing on one swarm still leaves total power
// equal to the roster sum, no duplicate members and an empty roster only
// when disbanded.
func TestProperty_ConcurrentJoinLeaveKeepsPowerConsistent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp(t.TempDir(), "prop")
		if err != nil {
			rt.Fatalf("MkdirTemp: %v", err)
		}
		db, err := sqlite.Open(dir)
		if err != nil {
			rt.Fatalf("Open: %v", err)
		}
		defer db.Close()

		d := NewDirectory(db, zerolog.Nop())
		ctx := context.Background()
		s, err := d.CreateSwarm(ctx, "m0", rapid.Float64Range(1, 50).Draw(rt, "leaderPower"), "")
		if err != nil {
			rt.Fatalf("CreateSwarm: %v", err)
		}

		ids := []string{"m0", "m1", "m2", "m3", "m4", "m5"}
		ops := make([]rosterOp, rapid.IntRange(2, 24).Draw(rt, "ops"))
		for i := range ops {
			ops[i] = rosterOp{
				id:    rapid.SampledFrom(ids).Draw(rt, "id"),
				join:  rapid.Bool().Draw(rt, "join"),
				power: rapid.Float64Range(0.5, 40).Draw(rt, "power"),
			}
		}

		var wg sync.WaitGroup
		for _, op := range ops {
			wg.Add(1)
			go func(op rosterOp) {
				defer wg.Done()
				if op.join {
					_, _ = d.JoinSwarm(ctx, s.ID, op.id, op.power, "")
				} else {
					_, _ = d.LeaveSwarm(ctx, s.ID, op.id)
				}
			}(op)
		}
		wg.Wait()

		got, err := d.GetSwarm(ctx, s.ID)
		if err != nil {
			rt.Fatalf("GetSwarm: %v", err)
		}
		if math.Abs(got.TotalPower-got.SumPower()) > 1e-9 {
			rt.Fatalf("totalPower %v != roster sum %v", got.TotalPower, got.SumPower())
		}
		seen := map[string]bool{}
		for _, m := range got.Members {
			if seen[m.Identity] {
				rt.Fatalf("member %s listed twice", m.Identity)
			}
			seen[m.Identity] = true
		}
		if len(got.Members) == 0 && got.Status != domain.SwarmDisbanded {
			rt.Fatalf("empty swarm has status %s", got.Status)
		}
		if got.Status == domain.SwarmDisbanded && len(got.Members) != 0 {
			rt.Fatalf("disbanded swarm has %d members", len(got.Members))
		}
	})
}
