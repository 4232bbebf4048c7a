// Package verify checks compute proofs submitted with task results.
//
// A Registry maps computation types to proof schemes. Every check is pure
// and fails closed: unknown types, malformed proofs and scheme panics all
// yield false.
package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/metrics"
	"github.com/neurolov/swarmd/internal/security"
)

// Scheme verifies one kind of proof.
type Scheme interface {
	Name() string
	Verify(result json.RawMessage, proof string, payload domain.Payload) bool
}

// Digest is the message every scheme binds a proof to: SHA-256 over the
// computation type, the compacted payload data and the compacted result,
// separated by NUL bytes.
func Digest(payload domain.Payload, result json.RawMessage) []byte {
	h := sha256.New()
	h.Write([]byte(payload.Type))
	h.Write([]byte{0})
	h.Write(canonical(payload.Data))
	h.Write([]byte{0})
	h.Write(canonical(result))
	return h.Sum(nil)
}

func canonical(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// ─── Checksum ───────────────────────────────────────────────────────────────

// Checksum accepts a proof equal to the hex digest.
type Checksum struct{}

func (Checksum) Name() string { return "checksum" }

func (Checksum) Verify(result json.RawMessage, proof string, payload domain.Payload) bool {
	got, err := hex.DecodeString(strings.TrimSpace(proof))
	if err != nil {
		return false
	}
	return bytes.Equal(got, Digest(payload, result))
}

// ChecksumProof produces a checksum proof for result.
func ChecksumProof(payload domain.Payload, result json.RawMessage) string {
	return hex.EncodeToString(Digest(payload, result))
}

// ─── Ed25519 ────────────────────────────────────────────────────────────────

// SignedProof is the JSON form of an ed25519 proof. Both fields are hex.
type SignedProof struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Ed25519 accepts a signature over the digest by a well-formed key.
type Ed25519 struct{}

func (Ed25519) Name() string { return "ed25519" }

func (Ed25519) Verify(result json.RawMessage, proof string, payload domain.Payload) bool {
	var p SignedProof
	if err := json.Unmarshal([]byte(proof), &p); err != nil {
		return false
	}
	pub, err := hex.DecodeString(p.PublicKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(p.Signature)
	if err != nil {
		return false
	}
	return security.Verify(Digest(payload, result), sig, pub)
}

// SignProof produces an ed25519 proof for result.
func SignProof(kp *security.Keypair, payload domain.Payload, result json.RawMessage) (string, error) {
	b, err := json.Marshal(SignedProof{
		PublicKey: kp.PublicKeyHex(),
		Signature: hex.EncodeToString(kp.Sign(Digest(payload, result))),
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ─── Registry ───────────────────────────────────────────────────────────────

// Registry dispatches by payload type. It implements domain.Verifier.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]Scheme
	log     zerolog.Logger
}

// NewRegistry returns a registry with the default mapping: inference uses
// checksum proofs, matrix multiplication and training use ed25519.
func NewRegistry(log zerolog.Logger) *Registry {
	r := &Registry{schemes: make(map[string]Scheme), log: log}
	r.Register(domain.ComputeInference, Checksum{})
	r.Register(domain.ComputeMatrix, Ed25519{})
	r.Register(domain.ComputeTraining, Ed25519{})
	r.Register(domain.ComputeFineTuning, Ed25519{})
	return r
}

// Register sets the scheme for a computation type, replacing any previous one.
func (r *Registry) Register(computeType string, s Scheme) {
	r.mu.Lock()
	r.schemes[computeType] = s
	r.mu.Unlock()
}

// SchemeFor returns the scheme for a computation type.
func (r *Registry) SchemeFor(computeType string) (Scheme, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemes[computeType]
	return s, ok
}

// Verify reports whether proof is valid for result under the payload's scheme.
func (r *Registry) Verify(result json.RawMessage, proof string, payload domain.Payload) (ok bool) {
	s, found := r.SchemeFor(payload.Type)
	if !found {
		metrics.Verifications.WithLabelValues("none", "unknown_type").Inc()
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("scheme", s.Name()).Msg("proof scheme panicked")
			metrics.Verifications.WithLabelValues(s.Name(), "panic").Inc()
			ok = false
		}
	}()
	if len(result) == 0 || proof == "" {
		metrics.Verifications.WithLabelValues(s.Name(), "rejected").Inc()
		return false
	}
	ok = s.Verify(result, proof, payload)
	outcome := "rejected"
	if ok {
		outcome = "accepted"
	}
	metrics.Verifications.WithLabelValues(s.Name(), outcome).Inc()
	return ok
}

// Prove produces a proof for result using the scheme registered for the
// payload type. Members use it to answer assignments.
func (r *Registry) Prove(kp *security.Keypair, payload domain.Payload, result json.RawMessage) (string, error) {
	s, ok := r.SchemeFor(payload.Type)
	if !ok {
		return ChecksumProof(payload, result), nil
	}
	switch s.(type) {
	case Ed25519:
		return SignProof(kp, payload, result)
	default:
		return ChecksumProof(payload, result), nil
	}
}
