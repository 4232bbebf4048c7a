package swarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/neurolov/swarmd/internal/domain"
)

// EligibilityPolicy decides whether a member may join a swarm.
// A non-nil error rejects the join.
type EligibilityPolicy interface {
	Check(ctx context.Context, s domain.Swarm, m domain.Member) error
}

// EligibilityFunc adapts a function to EligibilityPolicy.
type EligibilityFunc func(ctx context.Context, s domain.Swarm, m domain.Member) error

// Check calls f.
func (f EligibilityFunc) Check(ctx context.Context, s domain.Swarm, m domain.Member) error {
	return f(ctx, s, m)
}

// AcceptAll admits every member.
type AcceptAll struct{}

// Check always succeeds.
func (AcceptAll) Check(context.Context, domain.Swarm, domain.Member) error { return nil }

// CapabilityPolicy rejects members below a power floor or outside an
// allowed hardware set, and caps swarm size.
type CapabilityPolicy struct {
	MinPower   float64  // 0 disables the floor
	Hardware   []string // empty allows any class
	MaxMembers int      // 0 means unlimited
}

// Check applies the capability rules.
func (p CapabilityPolicy) Check(_ context.Context, s domain.Swarm, m domain.Member) error {
	if p.MinPower > 0 && m.Power < p.MinPower {
		return fmt.Errorf("%w: power %.1f below minimum %.1f", domain.ErrMemberIneligible, m.Power, p.MinPower)
	}
	if len(p.Hardware) > 0 {
		ok := false
		for _, hw := range p.Hardware {
			if strings.EqualFold(hw, m.Hardware) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: hardware %q not accepted", domain.ErrMemberIneligible, m.Hardware)
		}
	}
	if p.MaxMembers > 0 && len(s.Members) >= p.MaxMembers {
		return fmt.Errorf("%w: swarm is full", domain.ErrMemberIneligible)
	}
	return nil
}

// Chain runs policies in order and stops at the first rejection.
type Chain []EligibilityPolicy

// Check runs each policy.
func (c Chain) Check(ctx context.Context, s domain.Swarm, m domain.Member) error {
	for _, p := range c {
		if err := p.Check(ctx, s, m); err != nil {
			return err
		}
	}
	return nil
}
