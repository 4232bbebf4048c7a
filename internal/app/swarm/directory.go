// Package swarm implements the Swarm Directory: swarm creation, membership
// and liveness-driven status. All mutations of one swarm are serialized.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/keylock"
	"github.com/neurolov/swarmd/internal/infra/metrics"
)

// Directory owns swarm entities.
type Directory struct {
	store  domain.SwarmStore
	live   domain.Liveness
	notify domain.Notifier
	policy EligibilityPolicy
	locks  keylock.Map
	log    zerolog.Logger
	now    func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithEligibility sets the join policy. The default accepts everyone.
func WithEligibility(p EligibilityPolicy) Option {
	return func(d *Directory) { d.policy = p }
}

// WithLiveness sets the liveness source used for Online flags and idle status.
func WithLiveness(l domain.Liveness) Option {
	return func(d *Directory) { d.live = l }
}

// WithClock overrides the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// NewDirectory creates a directory over the given store.
func NewDirectory(store domain.SwarmStore, log zerolog.Logger, opts ...Option) *Directory {
	d := &Directory{
		store:  store,
		policy: AcceptAll{},
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetNotifier wires the broadcast fabric after construction.
func (d *Directory) SetNotifier(n domain.Notifier) { d.notify = n }

// ─── Membership ─────────────────────────────────────────────────────────────

// CreateSwarm creates a swarm led by leader with one member.
func (d *Directory) CreateSwarm(ctx context.Context, leader string, power float64, hardware string) (*domain.Swarm, error) {
	if leader == "" {
		return nil, domain.ErrMissingIdentity
	}
	if power <= 0 {
		return nil, domain.ErrInvalidPower
	}

	unlock := d.locks.Lock("member:" + leader)
	defer unlock()

	if existing, err := d.store.SwarmOf(ctx, leader); err != nil {
		return nil, fmt.Errorf("create swarm: %w", err)
	} else if existing != "" {
		return nil, domain.ErrAlreadyMember
	}

	now := d.now()
	s := domain.Swarm{
		ID:        uuid.NewString(),
		Leader:    leader,
		Status:    domain.SwarmActive,
		CreatedAt: now,
		Members: []domain.Member{
			{Identity: leader, Power: power, Hardware: hardware, JoinedAt: now},
		},
	}
	s.TotalPower = s.SumPower()

	if err := d.store.InsertSwarm(ctx, s); err != nil {
		return nil, fmt.Errorf("create swarm: %w", err)
	}
	metrics.MembershipChanges.WithLabelValues("create").Inc()
	d.log.Info().Str("swarm", s.ID).Str("leader", leader).Float64("power", power).Msg("swarm created")
	return d.annotate(&s), nil
}

// JoinSwarm adds identity to the swarm and announces it with MEMBER_JOINED.
func (d *Directory) JoinSwarm(ctx context.Context, swarmID, identity string, power float64, hardware string) (*domain.Swarm, error) {
	if identity == "" {
		return nil, domain.ErrMissingIdentity
	}
	if power <= 0 {
		return nil, domain.ErrInvalidPower
	}

	unlock := d.locks.Lock(swarmID)
	defer unlock()

	s, err := d.store.GetSwarm(ctx, swarmID)
	if err != nil {
		return nil, fmt.Errorf("join swarm: %w", err)
	}
	if s == nil {
		return nil, domain.ErrSwarmNotFound
	}
	if s.Status == domain.SwarmDisbanded {
		return nil, domain.ErrSwarmDisbanded
	}
	if owner, err := d.store.SwarmOf(ctx, identity); err != nil {
		return nil, fmt.Errorf("join swarm: %w", err)
	} else if owner != "" {
		return nil, domain.ErrAlreadyMember
	}

	m := domain.Member{Identity: identity, Power: power, Hardware: hardware, JoinedAt: d.now()}
	if err := d.policy.Check(ctx, *s, m); err != nil {
		d.log.Info().Str("swarm", swarmID).Str("identity", identity).Err(err).Msg("join rejected")
		if errors.Is(err, domain.ErrEligibility) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrMemberIneligible, err)
	}

	updated, err := d.store.AddMember(ctx, swarmID, m)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyMember) || errors.Is(err, domain.ErrSwarmDisbanded) ||
			errors.Is(err, domain.ErrSwarmNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("join swarm: %w", err)
	}
	metrics.MembershipChanges.WithLabelValues("join").Inc()
	d.log.Info().Str("swarm", swarmID).Str("identity", identity).
		Float64("total_power", updated.TotalPower).Msg("member joined")

	m.Online = d.isLive(identity)
	if d.notify != nil {
		d.notify.NotifyMemberJoined(swarmID, m)
	}
	return d.annotate(updated), nil
}

// LeaveSwarm removes identity. The last member leaving disbands the swarm.
func (d *Directory) LeaveSwarm(ctx context.Context, swarmID, identity string) (*domain.Swarm, error) {
	if identity == "" {
		return nil, domain.ErrMissingIdentity
	}

	unlock := d.locks.Lock(swarmID)
	defer unlock()

	updated, err := d.store.RemoveMember(ctx, swarmID, identity)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("leave swarm: %w", err)
	}
	metrics.MembershipChanges.WithLabelValues("leave").Inc()

	ev := d.log.Info().Str("swarm", swarmID).Str("identity", identity).Float64("total_power", updated.TotalPower)
	if updated.Status == domain.SwarmDisbanded {
		ev.Msg("member left, swarm disbanded")
	} else {
		ev.Msg("member left")
	}

	out := d.annotate(updated)
	if d.notify != nil && out.Status != domain.SwarmDisbanded {
		d.notify.NotifyMemberUpdate(*out)
	}
	return out, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// GetSwarm returns a swarm with member Online flags filled.
func (d *Directory) GetSwarm(ctx context.Context, id string) (*domain.Swarm, error) {
	s, err := d.store.GetSwarm(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	if s == nil {
		return nil, domain.ErrSwarmNotFound
	}
	return d.annotate(s), nil
}

// ListSwarms lists swarms by status; empty status lists all.
func (d *Directory) ListSwarms(ctx context.Context, status domain.SwarmStatus) ([]domain.Swarm, error) {
	swarms, err := d.store.ListSwarms(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	for i := range swarms {
		d.annotate(&swarms[i])
	}
	return swarms, nil
}

// Candidates returns every swarm that can still take work.
func (d *Directory) Candidates(ctx context.Context) ([]domain.Swarm, error) {
	all, err := d.ListSwarms(ctx, "")
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.Status != domain.SwarmDisbanded {
			out = append(out, s)
		}
	}
	return out, nil
}

// Eligible returns the non-disbanded swarms with at least minPower total
// power and a member offering hardware (any hardware when empty).
func (d *Directory) Eligible(ctx context.Context, minPower float64, hardware string) ([]domain.Swarm, error) {
	all, err := d.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.TotalPower >= minPower && s.HasHardware(hardware) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Roster returns the member identities of a swarm, or nil if absent.
func (d *Directory) Roster(ctx context.Context, swarmID string) []string {
	s, err := d.store.GetSwarm(ctx, swarmID)
	if err != nil || s == nil {
		return nil
	}
	return s.MemberIDs()
}

// SwarmOf returns the swarm identity belongs to, or "".
func (d *Directory) SwarmOf(ctx context.Context, identity string) (string, error) {
	return d.store.SwarmOf(ctx, identity)
}

// ─── Liveness ───────────────────────────────────────────────────────────────

// MemberOffline handles a session cleanup. Roster and total power are
// unchanged; the swarm goes idle when no member remains live.
func (d *Directory) MemberOffline(ctx context.Context, identity string) {
	d.refreshLiveness(ctx, identity, false)
}

// MemberOnline handles a (re)connect. An idle swarm becomes active again.
func (d *Directory) MemberOnline(ctx context.Context, identity string) {
	d.refreshLiveness(ctx, identity, true)
}

func (d *Directory) refreshLiveness(ctx context.Context, identity string, online bool) {
	swarmID, err := d.store.SwarmOf(ctx, identity)
	if err != nil {
		metrics.Errors.WithLabelValues("swarm").Inc()
		d.log.Error().Err(err).Str("identity", identity).Msg("liveness lookup failed")
		return
	}
	if swarmID == "" {
		return
	}

	unlock := d.locks.Lock(swarmID)
	defer unlock()

	s, err := d.store.GetSwarm(ctx, swarmID)
	if err != nil || s == nil || s.Status == domain.SwarmDisbanded {
		return
	}

	anyLive := online
	if !anyLive {
		for _, m := range s.Members {
			if m.Identity != identity && d.isLive(m.Identity) {
				anyLive = true
				break
			}
		}
	}
	next := domain.SwarmIdle
	if anyLive {
		next = domain.SwarmActive
	}
	if next != s.Status {
		if err := d.store.SetSwarmStatus(ctx, swarmID, next); err != nil {
			d.log.Error().Err(err).Str("swarm", swarmID).Msg("set swarm status failed")
			return
		}
		s.Status = next
		d.log.Info().Str("swarm", swarmID).Str("status", string(next)).Msg("swarm status changed")
	}

	out := d.annotate(s)
	if !online {
		for i := range out.Members {
			if out.Members[i].Identity == identity {
				out.Members[i].Online = false
			}
		}
	}
	if d.notify != nil {
		d.notify.NotifyMemberUpdate(*out)
	}
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats holds directory statistics.
type Stats struct {
	Active    int     `json:"active"`
	Idle      int     `json:"idle"`
	Disbanded int     `json:"disbanded"`
	Members   int     `json:"members"`
	Power     float64 `json:"power"`
}

// Stats counts swarms by status and refreshes the swarm gauges.
func (d *Directory) Stats(ctx context.Context) (Stats, error) {
	swarms, err := d.store.ListSwarms(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, s := range swarms {
		switch s.Status {
		case domain.SwarmActive:
			st.Active++
		case domain.SwarmIdle:
			st.Idle++
		case domain.SwarmDisbanded:
			st.Disbanded++
		}
		st.Members += len(s.Members)
		st.Power += s.TotalPower
	}
	metrics.ActiveSwarms.WithLabelValues(string(domain.SwarmActive)).Set(float64(st.Active))
	metrics.ActiveSwarms.WithLabelValues(string(domain.SwarmIdle)).Set(float64(st.Idle))
	metrics.ActiveSwarms.WithLabelValues(string(domain.SwarmDisbanded)).Set(float64(st.Disbanded))
	return st, nil
}

func (d *Directory) isLive(identity string) bool {
	return d.live != nil && d.live.IsLive(identity)
}

func (d *Directory) annotate(s *domain.Swarm) *domain.Swarm {
	for i := range s.Members {
		s.Members[i].Online = d.isLive(s.Members[i].Identity)
	}
	return s
}
