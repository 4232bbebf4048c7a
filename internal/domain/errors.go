package domain

import (
	"errors"
	"fmt"
	"time"
)

// ─── Error Kinds ────────────────────────────────────────────────────────────
// Every error returned by the coordinator wraps exactly one kind sentinel.
// Callers classify with errors.Is or KindOf; storage faults carry no kind.

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrPrecondition       = errors.New("precondition failed")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrEligibility        = errors.New("not eligible")
	ErrVerification       = errors.New("verification failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrFraudSuspected     = errors.New("fraud suspected")
	ErrSettlement         = errors.New("settlement failed")
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────

var (
	// Task errors
	ErrTaskNotFound     = fmt.Errorf("task %w", ErrNotFound)
	ErrTaskNotAssigned  = fmt.Errorf("task is not assigned: %w", ErrNotFound)
	ErrTaskNotAvailable = fmt.Errorf("%w: task is not available", ErrPrecondition)
	ErrTaskNotFailed    = fmt.Errorf("%w: only failed tasks can be re-queued", ErrPrecondition)
	ErrEmptyPayload     = fmt.Errorf("%w: payload type and data are required", ErrValidation)
	ErrInvalidReward    = fmt.Errorf("%w: reward must be positive", ErrValidation)
	ErrMissingSubmitter = fmt.Errorf("%w: submitter identity is required", ErrValidation)
	ErrMissingRequester = fmt.Errorf("%w: requester identity is required", ErrValidation)
	ErrNotAssignee      = fmt.Errorf("%w: submitter is not a member of the assigned swarm", ErrPrecondition)

	// Swarm errors
	ErrSwarmNotFound    = fmt.Errorf("swarm %w", ErrNotFound)
	ErrMemberNotFound   = fmt.Errorf("member %w", ErrNotFound)
	ErrSwarmDisbanded   = fmt.Errorf("%w: swarm is disbanded", ErrPrecondition)
	ErrAlreadyMember    = fmt.Errorf("%w: identity already belongs to a swarm", ErrPrecondition)
	ErrInvalidPower     = fmt.Errorf("%w: power must be positive", ErrValidation)
	ErrMissingIdentity  = fmt.Errorf("%w: identity is required", ErrValidation)
	ErrMemberIneligible = fmt.Errorf("member %w", ErrEligibility)

	// Matching errors
	ErrInsufficientPower   = fmt.Errorf("%w: swarm power below task minimum", ErrCapabilityMismatch)
	ErrHardwareUnavailable = fmt.Errorf("%w: preferred hardware not present in swarm", ErrCapabilityMismatch)
	ErrNoEligibleSwarm     = fmt.Errorf("%w: no eligible swarm", ErrCapabilityMismatch)

	// Verification errors
	ErrProofRejected = fmt.Errorf("compute proof rejected: %w", ErrVerification)
)

// RateLimitError is returned when an actor exceeds its request window.
type RateLimitError struct {
	Actor      string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded for %s, retry after %s",
		e.Limit, e.Actor, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// FraudError is returned when an actor's fraud score exceeds the threshold.
type FraudError struct {
	Actor     string
	Score     float64
	Threshold float64
}

func (e *FraudError) Error() string {
	return fmt.Sprintf("fraud score %.2f for %s exceeds threshold %.2f", e.Score, e.Actor, e.Threshold)
}

func (e *FraudError) Unwrap() error { return ErrFraudSuspected }

// SettlementError reports a failed reward transfer for a task that is
// already completed. The task is not reverted.
type SettlementError struct {
	TaskID string
	Err    error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settle task %s: %v", e.TaskID, e.Err)
}

func (e *SettlementError) Unwrap() []error { return []error{ErrSettlement, e.Err} }

// Kind names an error class for transport layers.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindPrecondition       Kind = "precondition"
	KindCapabilityMismatch Kind = "capability_mismatch"
	KindEligibility        Kind = "eligibility"
	KindVerification       Kind = "verification"
	KindRateLimited        Kind = "rate_limited"
	KindFraudSuspected     Kind = "fraud_suspected"
	KindSettlement         Kind = "settlement"
	KindInternal           Kind = "internal"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrSettlement, KindSettlement},
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrPrecondition, KindPrecondition},
	{ErrCapabilityMismatch, KindCapabilityMismatch},
	{ErrEligibility, KindEligibility},
	{ErrVerification, KindVerification},
	{ErrRateLimited, KindRateLimited},
	{ErrFraudSuspected, KindFraudSuspected},
}

// KindOf classifies err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}
