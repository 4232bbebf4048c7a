package admission

import "time"

// Signals are the per-actor observations a Scorer sees.
type Signals struct {
	Actor      string
	AccountAge time.Duration // time since the actor was first admitted; 0 if new
	Bursting   bool          // request velocity above the sustained rate
	Violations int           // verification failures and other reported abuse
}

// Scorer maps signals to a fraud score in [0, 1].
type Scorer interface {
	Score(s Signals) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(Signals) float64

func (f ScorerFunc) Score(s Signals) float64 { return f(s) }

// Heuristic is the default scorer. Young accounts, bursts and prior
// violations each add weight; the sum is clamped to 1.
type Heuristic struct {
	MatureAge       time.Duration // accounts this old carry no age weight
	AgeWeight       float64
	BurstWeight     float64
	ViolationWeight float64 // per violation
}

// DefaultHeuristic returns the weights used when no scorer is configured.
// A new, bursting actor scores 0.7; two violations on top cross 0.8.
func DefaultHeuristic() Heuristic {
	return Heuristic{
		MatureAge:       24 * time.Hour,
		AgeWeight:       0.3,
		BurstWeight:     0.4,
		ViolationWeight: 0.25,
	}
}

func (h Heuristic) Score(s Signals) float64 {
	var score float64
	if h.MatureAge > 0 && s.AccountAge < h.MatureAge {
		score += h.AgeWeight * (1 - float64(s.AccountAge)/float64(h.MatureAge))
	}
	if s.Bursting {
		score += h.BurstWeight
	}
	score += h.ViolationWeight * float64(s.Violations)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
