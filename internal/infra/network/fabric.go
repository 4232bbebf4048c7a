// Package network is the coordinator's broadcast fabric. It resolves swarm
// rosters to live sessions and fans lifecycle events out to them.
//
// Delivery is best effort and at most once: offline members are skipped,
// full outboxes drop, and nothing is retried or blocks the caller.
package network

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
)

// Roster resolves swarm membership. Implemented by the swarm directory.
type Roster interface {
	Roster(ctx context.Context, swarmID string) []string
	Candidates(ctx context.Context) ([]domain.Swarm, error)
}

// Sender queues messages to live sessions. Implemented by the connection
// registry.
type Sender interface {
	Send(identity string, msg domain.Message) bool
	IsLive(identity string) bool
}

// FabricConfig configures the fabric.
type FabricConfig struct {
	// LookupTimeout bounds each roster lookup.
	LookupTimeout time.Duration
}

// DefaultFabricConfig returns a 2s lookup timeout.
func DefaultFabricConfig() FabricConfig {
	return FabricConfig{LookupTimeout: 2 * time.Second}
}

// Fabric delivers swarm-scoped notifications. It implements domain.Notifier.
type Fabric struct {
	config FabricConfig
	roster Roster
	sender Sender
	log    zerolog.Logger

	broadcasts atomic.Int64
	delivered  atomic.Int64
	skipped    atomic.Int64
}

// NewFabric creates a fabric over a roster source and a session sender.
func NewFabric(cfg FabricConfig, roster Roster, sender Sender, log zerolog.Logger) *Fabric {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultFabricConfig().LookupTimeout
	}
	return &Fabric{config: cfg, roster: roster, sender: sender, log: log}
}

// BroadcastToSwarm sends msg to every live member of the swarm and returns
// how many sessions accepted it.
func (f *Fabric) BroadcastToSwarm(swarmID string, msg domain.Message) int {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.LookupTimeout)
	defer cancel()
	return f.deliver(swarmID, f.roster.Roster(ctx, swarmID), msg)
}

// SendTo delivers msg to a single identity.
func (f *Fabric) SendTo(identity string, msg domain.Message) bool {
	if !f.sender.IsLive(identity) {
		f.skipped.Add(1)
		return false
	}
	if f.sender.Send(identity, msg) {
		f.delivered.Add(1)
		return true
	}
	return false
}

func (f *Fabric) deliver(swarmID string, members []string, msg domain.Message) int {
	f.broadcasts.Add(1)
	sent := 0
	for _, id := range members {
		if !f.sender.IsLive(id) {
			f.skipped.Add(1)
			continue
		}
		if f.sender.Send(id, msg) {
			sent++
		}
	}
	f.delivered.Add(int64(sent))
	f.log.Debug().Str("swarm", swarmID).Str("type", string(msg.Type)).
		Int("members", len(members)).Int("delivered", sent).Msg("broadcast")
	return sent
}

// ─── Notifier ───────────────────────────────────────────────────────────────

// NotifyTaskAssignment sends TASK_ASSIGNED to the assigned swarm.
func (f *Fabric) NotifyTaskAssignment(t domain.Task) {
	if t.AssignedTo == "" {
		return
	}
	f.BroadcastToSwarm(t.AssignedTo, domain.NewTaskAssigned(t))
}

// NotifyNewTask announces a task to every active swarm.
func (f *Fabric) NotifyNewTask(t domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.LookupTimeout)
	defer cancel()
	swarms, err := f.roster.Candidates(ctx)
	if err != nil {
		f.log.Warn().Err(err).Str("task", t.ID).Msg("new task broadcast skipped")
		return
	}
	msg := domain.NewNewTask(t)
	for _, s := range swarms {
		if s.Status != domain.SwarmActive {
			continue
		}
		f.deliver(s.ID, s.MemberIDs(), msg)
	}
}

// NotifyMemberJoined sends MEMBER_JOINED to the swarm, the new member included.
func (f *Fabric) NotifyMemberJoined(swarmID string, m domain.Member) {
	f.BroadcastToSwarm(swarmID, domain.NewMemberJoined(swarmID, m))
}

// NotifyMemberUpdate sends MEMBER_UPDATE with the swarm snapshot to its roster.
func (f *Fabric) NotifyMemberUpdate(s domain.Swarm) {
	f.deliver(s.ID, s.MemberIDs(), domain.NewMemberUpdate(s))
}

// NotifyTaskCompleted sends TASK_COMPLETED to the swarm that did the work.
func (f *Fabric) NotifyTaskCompleted(t domain.Task) {
	if t.AssignedTo == "" {
		return
	}
	f.BroadcastToSwarm(t.AssignedTo, domain.NewTaskCompleted(t))
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// FabricStats holds delivery counters.
type FabricStats struct {
	Broadcasts int64 `json:"broadcasts"`
	Delivered  int64 `json:"delivered"`
	Skipped    int64 `json:"skipped_offline"`
}

// Stats returns delivery counters.
func (f *Fabric) Stats() FabricStats {
	return FabricStats{
		Broadcasts: f.broadcasts.Load(),
		Delivered:  f.delivered.Load(),
		Skipped:    f.skipped.Load(),
	}
}

var _ domain.Notifier = (*Fabric)(nil)
