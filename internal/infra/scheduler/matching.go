package scheduler

import (
	"fmt"

	"github.com/neurolov/swarmd/internal/domain"
)

// ─── Capability Matching ────────────────────────────────────────────────────

// CheckCapability reports why s cannot take a task with requirements r.
// With relaxHardware the preferred hardware class is not enforced.
func CheckCapability(s domain.Swarm, r domain.Requirements, relaxHardware bool) error {
	if s.Status == domain.SwarmDisbanded {
		return domain.ErrSwarmDisbanded
	}
	if s.TotalPower < r.MinComputePower {
		return fmt.Errorf("%w (swarm %s has %.1f, task needs %.1f)",
			domain.ErrInsufficientPower, s.ID, s.TotalPower, r.MinComputePower)
	}
	if !relaxHardware && !s.HasHardware(r.PreferredHardware) {
		return fmt.Errorf("%w (swarm %s lacks %s)", domain.ErrHardwareUnavailable, s.ID, r.PreferredHardware)
	}
	return nil
}

// BestFit picks the eligible swarm with the smallest total power that still
// meets the requirements, leaving larger swarms free for larger tasks.
// Ties go to the earliest created swarm, then the lowest id.
// Returns nil when no swarm qualifies.
func BestFit(candidates []domain.Swarm, r domain.Requirements, relaxHardware bool) *domain.Swarm {
	var best *domain.Swarm
	for i := range candidates {
		s := &candidates[i]
		if CheckCapability(*s, r, relaxHardware) != nil {
			continue
		}
		if best == nil || better(s, best) {
			best = s
		}
	}
	return best
}

func better(a, b *domain.Swarm) bool {
	if a.TotalPower != b.TotalPower {
		return a.TotalPower < b.TotalPower
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
