package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/neurolov/swarmd/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleTask(id string, created time.Time) domain.Task {
	return domain.Task{
		ID:        id,
		Requester: "0xreq",
		Payload: domain.Payload{
			Type: domain.ComputeInference,
			Data: json.RawMessage(`{"prompt":"hi"}`),
		},
		Reward:       10,
		Status:       domain.TaskAvailable,
		Requirements: domain.Requirements{MinComputePower: 10, PreferredHardware: "GPU", EstimatedSeconds: 3600},
		CreatedAt:    created,
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	ctx := context.Background()
	if err := db.InsertTask(ctx, sampleTask("t1", time.Now())); err != nil {
		t.Fatalf("InsertTask() error: %v", err)
	}
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("re-Open() error: %v", err)
	}
	defer db2.Close()
	got, err := db2.GetTask(ctx, "t1")
	if err != nil || got == nil {
		t.Fatalf("GetTask after reopen = %v, %v", got, err)
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

// ─── Task CRUD ──────────────────────────────────────────────────────────────

func TestTask_InsertGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	if err := db.InsertTask(ctx, sampleTask("t1", now)); err != nil {
		t.Fatalf("InsertTask() error: %v", err)
	}
	got, err := db.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetTask() returned nil")
	}
	if got.Status != domain.TaskAvailable || got.Reward != 10 {
		t.Errorf("got status=%s reward=%d", got.Status, got.Reward)
	}
	if string(got.Payload.Data) != `{"prompt":"hi"}` {
		t.Errorf("payload data = %s", got.Payload.Data)
	}
	if got.Requirements.PreferredHardware != "GPU" || got.Requirements.EstimatedSeconds != 3600 {
		t.Errorf("requirements = %+v", got.Requirements)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	if got.AssignedTo != "" || !got.AssignedAt.IsZero() {
		t.Error("new task should not be assigned")
	}
}

func TestTask_GetMissing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetTask(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	if got != nil {
		t.Error("missing task should return nil")
	}
}

func TestTask_ListOrdersByCreation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Now()

	db.InsertTask(ctx, sampleTask("late", base.Add(2*time.Millisecond)))
	db.InsertTask(ctx, sampleTask("early", base))
	assigned := sampleTask("busy", base.Add(time.Millisecond))
	assigned.Status = domain.TaskAssigned
	assigned.AssignedTo = "s1"
	db.InsertTask(ctx, assigned)

	tasks, err := db.ListTasks(ctx, domain.TaskAvailable, 0)
	if err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("ListTasks() = %d tasks, want 2", len(tasks))
	}
	if tasks[0].ID != "early" || tasks[1].ID != "late" {
		t.Errorf("order = %s, %s", tasks[0].ID, tasks[1].ID)
	}

	all, _ := db.ListTasks(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("ListTasks(all) = %d, want 3", len(all))
	}
	limited, _ := db.ListTasks(ctx, "", 1)
	if len(limited) != 1 {
		t.Errorf("ListTasks(limit 1) = %d, want 1", len(limited))
	}
}

func TestTask_UpdateIfCompareAndSwap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	task := sampleTask("t1", time.Now())
	db.InsertTask(ctx, task)

	task.Status = domain.TaskAssigned
	task.AssignedTo = "s1"
	task.AssignedAt = time.Now()

	ok, err := db.UpdateTaskIf(ctx, task, domain.TaskAvailable)
	if err != nil || !ok {
		t.Fatalf("first UpdateTaskIf = %v, %v", ok, err)
	}
	ok, err = db.UpdateTaskIf(ctx, task, domain.TaskAvailable)
	if err != nil {
		t.Fatalf("second UpdateTaskIf error: %v", err)
	}
	if ok {
		t.Error("second CAS from available should not apply")
	}

	got, _ := db.GetTask(ctx, "t1")
	if got.Status != domain.TaskAssigned || got.AssignedTo != "s1" {
		t.Errorf("after CAS: status=%s assignedTo=%s", got.Status, got.AssignedTo)
	}
}

func TestTask_ConcurrentCASExactlyOneWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.InsertTask(ctx, sampleTask("t1", time.Now()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := sampleTask("t1", time.Now())
			task.Status = domain.TaskAssigned
			task.AssignedTo = string(rune('a' + i))
			ok, err := db.UpdateTaskIf(ctx, task, domain.TaskAvailable)
			if err != nil {
				t.Errorf("UpdateTaskIf error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestTask_SettlementRef(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	task := sampleTask("t1", time.Now())
	db.InsertTask(ctx, task)

	if err := db.SetSettlementRef(ctx, "t1", "ref-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("SetSettlementRef on available task = %v, want not found", err)
	}

	task.Status = domain.TaskCompleted
	task.AssignedTo = "s1"
	task.Result = json.RawMessage(`{"ok":true}`)
	task.CompletedAt = time.Now()
	if _, err := db.UpdateTaskIf(ctx, task, domain.TaskAvailable); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSettlementRef(ctx, "t1", "ref-1"); err != nil {
		t.Fatalf("SetSettlementRef() error: %v", err)
	}
	got, _ := db.GetTask(ctx, "t1")
	if got.SettlementRef != "ref-1" {
		t.Errorf("SettlementRef = %q, want ref-1", got.SettlementRef)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("Result = %s", got.Result)
	}
}

func TestTask_CountTasks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.InsertTask(ctx, sampleTask("a", time.Now()))
	db.InsertTask(ctx, sampleTask("b", time.Now()))

	counts, err := db.CountTasks(ctx)
	if err != nil {
		t.Fatalf("CountTasks() error: %v", err)
	}
	if counts[domain.TaskAvailable] != 2 {
		t.Errorf("available = %d, want 2", counts[domain.TaskAvailable])
	}
}

// ─── Swarm CRUD ─────────────────────────────────────────────────────────────

func newSwarm(id, leader string, power float64, created time.Time) domain.Swarm {
	return domain.Swarm{
		ID:        id,
		Leader:    leader,
		Status:    domain.SwarmActive,
		CreatedAt: created,
		Members: []domain.Member{
			{Identity: leader, Power: power, Hardware: "GPU", JoinedAt: created},
		},
	}
}

func TestSwarm_InsertGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.InsertSwarm(ctx, newSwarm("s1", "0xa", 12, time.Now())); err != nil {
		t.Fatalf("InsertSwarm() error: %v", err)
	}
	s, err := db.GetSwarm(ctx, "s1")
	if err != nil || s == nil {
		t.Fatalf("GetSwarm() = %v, %v", s, err)
	}
	if s.TotalPower != 12 || len(s.Members) != 1 || s.Members[0].Hardware != "GPU" {
		t.Errorf("swarm = %+v", s)
	}
	owner, _ := db.SwarmOf(ctx, "0xa")
	if owner != "s1" {
		t.Errorf("SwarmOf = %q, want s1", owner)
	}
	none, _ := db.SwarmOf(ctx, "0xz")
	if none != "" {
		t.Errorf("SwarmOf(unknown) = %q, want empty", none)
	}
}

func TestSwarm_AddRemoveMemberKeepsTotalPower(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.InsertSwarm(ctx, newSwarm("s1", "0xa", 12, time.Now()))

	s, err := db.AddMember(ctx, "s1", domain.Member{Identity: "0xb", Power: 8, JoinedAt: time.Now()})
	if err != nil {
		t.Fatalf("AddMember() error: %v", err)
	}
	if s.TotalPower != 20 || len(s.Members) != 2 {
		t.Errorf("after add: power=%v members=%d", s.TotalPower, len(s.Members))
	}

	s, err = db.RemoveMember(ctx, "s1", "0xa")
	if err != nil {
		t.Fatalf("RemoveMember() error: %v", err)
	}
	if s.TotalPower != 8 || s.Status != domain.SwarmActive {
		t.Errorf("after remove: power=%v status=%s", s.TotalPower, s.Status)
	}

	s, err = db.RemoveMember(ctx, "s1", "0xb")
	if err != nil {
		t.Fatalf("RemoveMember(last) error: %v", err)
	}
	if s.Status != domain.SwarmDisbanded || s.TotalPower != 0 {
		t.Errorf("empty swarm: status=%s power=%v", s.Status, s.TotalPower)
	}

	if _, err := db.AddMember(ctx, "s1", domain.Member{Identity: "0xc", Power: 1}); !errors.Is(err, domain.ErrSwarmDisbanded) {
		t.Errorf("AddMember to disbanded = %v, want ErrSwarmDisbanded", err)
	}
}

func TestSwarm_MemberInOneSwarmOnly(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.InsertSwarm(ctx, newSwarm("s1", "0xa", 12, time.Now()))
	db.InsertSwarm(ctx, newSwarm("s2", "0xb", 20, time.Now()))

	_, err := db.AddMember(ctx, "s2", domain.Member{Identity: "0xa", Power: 5})
	if !errors.Is(err, domain.ErrAlreadyMember) {
		t.Errorf("AddMember(dup) = %v, want ErrAlreadyMember", err)
	}
	s2, _ := db.GetSwarm(ctx, "s2")
	if s2.TotalPower != 20 {
		t.Errorf("failed add must not change power, got %v", s2.TotalPower)
	}
}

func TestSwarm_MissingErrors(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := db.AddMember(ctx, "nope", domain.Member{Identity: "0xa", Power: 1}); !errors.Is(err, domain.ErrSwarmNotFound) {
		t.Errorf("AddMember(missing) = %v", err)
	}
	db.InsertSwarm(ctx, newSwarm("s1", "0xa", 12, time.Now()))
	if _, err := db.RemoveMember(ctx, "s1", "0xz"); !errors.Is(err, domain.ErrMemberNotFound) {
		t.Errorf("RemoveMember(missing member) = %v", err)
	}
	if err := db.SetSwarmStatus(ctx, "nope", domain.SwarmIdle); !errors.Is(err, domain.ErrSwarmNotFound) {
		t.Errorf("SetSwarmStatus(missing) = %v", err)
	}
}

func TestSwarm_ListByStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Now()
	db.InsertSwarm(ctx, newSwarm("s1", "0xa", 12, base))
	db.InsertSwarm(ctx, newSwarm("s2", "0xb", 20, base.Add(time.Millisecond)))
	if err := db.SetSwarmStatus(ctx, "s2", domain.SwarmIdle); err != nil {
		t.Fatalf("SetSwarmStatus() error: %v", err)
	}

	active, err := db.ListSwarms(ctx, domain.SwarmActive)
	if err != nil {
		t.Fatalf("ListSwarms() error: %v", err)
	}
	if len(active) != 1 || active[0].ID != "s1" {
		t.Errorf("active = %+v", active)
	}
	all, _ := db.ListSwarms(ctx, "")
	if len(all) != 2 || all[0].ID != "s1" {
		t.Errorf("all = %d swarms", len(all))
	}
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

func TestLedger_TransferIsBalanced(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Transfer(ctx, "escrow:0xreq", "wallet:0xa", 10, "t1", "ref-1", "reward", time.Now()); err != nil {
		t.Fatalf("Transfer() error: %v", err)
	}
	from, _ := db.Balance(ctx, "escrow:0xreq")
	to, _ := db.Balance(ctx, "wallet:0xa")
	if from != -10 || to != 10 {
		t.Errorf("balances = %d / %d, want -10 / 10", from, to)
	}
	if from+to != 0 {
		t.Error("debits and credits must sum to zero")
	}

	ref, _ := db.SettlementRefFor(ctx, "t1")
	if ref != "ref-1" {
		t.Errorf("SettlementRefFor = %q", ref)
	}
	entries, _ := db.LedgerEntries(ctx, "wallet:0xa", 10)
	if len(entries) != 1 || entries[0].EntryType != domain.EntryCredit {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLedger_TaskSettledOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.Transfer(ctx, "escrow:r", "wallet:a", 10, "t1", "ref-1", "", time.Now())

	err := db.Transfer(ctx, "escrow:r", "wallet:a", 10, "t1", "ref-2", "", time.Now())
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second Transfer = %v, want ErrAlreadySettled", err)
	}
	bal, _ := db.Balance(ctx, "wallet:a")
	if bal != 10 {
		t.Errorf("balance = %d, want 10 (rolled back)", bal)
	}
}
