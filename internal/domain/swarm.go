package domain

import (
	"strings"
	"time"
)

// SwarmStatus tracks swarm lifecycle.
type SwarmStatus string

const (
	SwarmActive    SwarmStatus = "active"
	SwarmIdle      SwarmStatus = "idle"
	SwarmDisbanded SwarmStatus = "disbanded"
)

// Member is one compute participant. An identity belongs to at most one swarm.
type Member struct {
	Identity string    `json:"identity"`
	Power    float64   `json:"power"`
	Hardware string    `json:"hardware,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
	Online   bool      `json:"online"`
}

// Swarm is a set of members sharing assignments.
// TotalPower always equals the sum of member power.
type Swarm struct {
	ID         string      `json:"id"`
	Leader     string      `json:"leader"`
	Members    []Member    `json:"members"`
	TotalPower float64     `json:"totalPower"`
	Status     SwarmStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt,omitzero"`
}

// HasMember reports whether identity is in the roster.
func (s *Swarm) HasMember(identity string) bool {
	for _, m := range s.Members {
		if m.Identity == identity {
			return true
		}
	}
	return false
}

// HasHardware reports whether any member offers the hardware class.
// An empty class is always satisfied.
func (s *Swarm) HasHardware(class string) bool {
	if class == "" {
		return true
	}
	for _, m := range s.Members {
		if strings.EqualFold(m.Hardware, class) {
			return true
		}
	}
	return false
}

// MemberIDs returns the roster identities in join order.
func (s *Swarm) MemberIDs() []string {
	ids := make([]string, len(s.Members))
	for i, m := range s.Members {
		ids[i] = m.Identity
	}
	return ids
}

// SumPower recomputes the aggregate power from the roster.
func (s *Swarm) SumPower() float64 {
	var total float64
	for _, m := range s.Members {
		total += m.Power
	}
	return total
}
