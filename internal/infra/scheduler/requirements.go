package scheduler

import (
	"math"

	"github.com/neurolov/swarmd/internal/domain"
)

// RequirementsPolicy derives a task's capability requirements from its
// payload. Implementations must be deterministic.
type RequirementsPolicy interface {
	Requirements(p domain.Payload) domain.Requirements
}

// RequirementsFunc adapts a function to RequirementsPolicy.
type RequirementsFunc func(p domain.Payload) domain.Requirements

func (f RequirementsFunc) Requirements(p domain.Payload) domain.Requirements { return f(p) }

// profile is the baseline for one computation type.
type profile struct {
	power    float64
	hardware string
	seconds  int64
}

// DefaultRequirements sizes tasks from a per-type baseline plus payload
// size. Positive fields of the payload's own requirements hint win.
type DefaultRequirements struct {
	// PowerPerMiB is added to the baseline power per whole MiB of payload
	// data, so payloads under 1 MiB need exactly the baseline.
	PowerPerMiB float64
	// SecondsPerMiB is added to the baseline estimate per whole MiB of payload data.
	SecondsPerMiB int64
	// MaxPower caps the size-scaled power. 0 disables the cap.
	MaxPower float64
}

// NewDefaultRequirements returns the stock sizing policy.
func NewDefaultRequirements() DefaultRequirements {
	return DefaultRequirements{PowerPerMiB: 1, SecondsPerMiB: 60, MaxPower: 1000}
}

var profiles = map[string]profile{
	domain.ComputeInference:  {power: 8, hardware: domain.HardwareGPU, seconds: 600},
	domain.ComputeMatrix:     {power: 10, hardware: domain.HardwareGPU, seconds: 1800},
	domain.ComputeTraining:   {power: 40, hardware: domain.HardwareGPU, seconds: 4 * 3600},
	domain.ComputeFineTuning: {power: 24, hardware: domain.HardwareGPU, seconds: 2 * 3600},
}

// fallback applies to unknown computation types.
var fallback = profile{power: 10, hardware: domain.HardwareGPU, seconds: 3600}

const mib = 1 << 20

func (d DefaultRequirements) Requirements(p domain.Payload) domain.Requirements {
	base, ok := profiles[p.Type]
	if !ok {
		base = fallback
	}
	sizeMiB := math.Floor(float64(p.Size()) / mib)

	power := base.power + d.PowerPerMiB*sizeMiB
	if d.MaxPower > 0 && power > d.MaxPower {
		power = d.MaxPower
	}
	r := domain.Requirements{
		MinComputePower:   power,
		PreferredHardware: base.hardware,
		EstimatedSeconds:  base.seconds + int64(float64(d.SecondsPerMiB)*sizeMiB),
	}

	if h := p.Requirements; h != nil {
		if h.MinComputePower > 0 {
			r.MinComputePower = h.MinComputePower
		}
		if h.PreferredHardware != "" {
			r.PreferredHardware = h.PreferredHardware
		}
		if h.EstimatedSeconds > 0 {
			r.EstimatedSeconds = h.EstimatedSeconds
		}
	}
	return r
}
