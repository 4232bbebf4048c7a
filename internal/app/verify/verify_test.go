package verify

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/security"
)

func inferencePayload() domain.Payload {
	return domain.Payload{Type: domain.ComputeInference, Data: json.RawMessage(`{"prompt": "hello"}`)}
}

func matrixPayload() domain.Payload {
	return domain.Payload{Type: domain.ComputeMatrix, Data: json.RawMessage(`{"a":[[1,2]],"b":[[3],[4]]}`)}
}

// ─── Checksum ───────────────────────────────────────────────────────────────

func TestChecksum(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	p := inferencePayload()
	result := json.RawMessage(`{"text":"hi"}`)
	proof := ChecksumProof(p, result)

	if !r.Verify(result, proof, p) {
		t.Error("valid checksum rejected")
	}
	if !r.Verify(result, strings.ToUpper(proof), p) {
		t.Error("hex case should not matter")
	}
	if r.Verify(json.RawMessage(`{"text":"bye"}`), proof, p) {
		t.Error("checksum for a different result accepted")
	}
	if r.Verify(result, "not-hex", p) {
		t.Error("malformed proof accepted")
	}
}

func TestDigest_IgnoresJSONWhitespace(t *testing.T) {
	p := inferencePayload()
	a := Digest(p, json.RawMessage(`{"text": "hi"}`))
	b := Digest(p, json.RawMessage(`{"text":"hi"}`))
	if hex.EncodeToString(a) != hex.EncodeToString(b) {
		t.Error("digest should compact JSON before hashing")
	}
}

func TestDigest_BindsType(t *testing.T) {
	p := inferencePayload()
	q := p
	q.Type = domain.ComputeTraining
	result := json.RawMessage(`1`)
	if hex.EncodeToString(Digest(p, result)) == hex.EncodeToString(Digest(q, result)) {
		t.Error("digest should depend on the computation type")
	}
}

// ─── Ed25519 ────────────────────────────────────────────────────────────────

func TestEd25519(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	kp, _ := security.GenerateKeypair()
	p := matrixPayload()
	result := json.RawMessage(`[[11]]`)

	proof, err := SignProof(kp, p, result)
	if err != nil {
		t.Fatalf("SignProof() error: %v", err)
	}
	if !r.Verify(result, proof, p) {
		t.Error("valid signature rejected")
	}
	if r.Verify(json.RawMessage(`[[12]]`), proof, p) {
		t.Error("signature over a different result accepted")
	}
	if r.Verify(result, ChecksumProof(p, result), p) {
		t.Error("checksum proof accepted by ed25519 scheme")
	}
}

func TestEd25519_RejectsWeakKeys(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	p := matrixPayload()
	result := json.RawMessage(`[[11]]`)

	tests := []struct {
		name  string
		proof SignedProof
	}{
		{"zero key", SignedProof{PublicKey: strings.Repeat("00", 32), Signature: strings.Repeat("00", 64)}},
		{"identity point", SignedProof{PublicKey: "01" + strings.Repeat("00", 31), Signature: "01" + strings.Repeat("00", 63)}},
		{"short key", SignedProof{PublicKey: "abcd", Signature: strings.Repeat("00", 64)}},
		{"bad hex", SignedProof{PublicKey: "zz", Signature: "zz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := json.Marshal(tt.proof)
			if r.Verify(result, string(b), p) {
				t.Error("weak proof accepted")
			}
		})
	}
	if r.Verify(result, "{not json", p) {
		t.Error("malformed JSON accepted")
	}
}

// ─── Registry ───────────────────────────────────────────────────────────────

type panicScheme struct{}

func (panicScheme) Name() string { return "panic" }
func (panicScheme) Verify(json.RawMessage, string, domain.Payload) bool {
	panic("boom")
}

func TestRegistry_FailsClosed(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	result := json.RawMessage(`1`)

	unknown := domain.Payload{Type: "quantum", Data: json.RawMessage(`{}`)}
	if r.Verify(result, ChecksumProof(unknown, result), unknown) {
		t.Error("unknown computation type accepted")
	}

	r.Register("quantum", panicScheme{})
	if r.Verify(result, "x", unknown) {
		t.Error("panicking scheme should yield false")
	}

	p := inferencePayload()
	if r.Verify(nil, ChecksumProof(p, nil), p) {
		t.Error("empty result accepted")
	}
	if r.Verify(result, "", p) {
		t.Error("empty proof accepted")
	}
}

func TestRegistry_Prove(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	kp, _ := security.GenerateKeypair()
	result := json.RawMessage(`{"ok":true}`)

	for _, p := range []domain.Payload{inferencePayload(), matrixPayload(),
		{Type: domain.ComputeTraining, Data: json.RawMessage(`{"epochs":1}`)}} {
		proof, err := r.Prove(kp, p, result)
		if err != nil {
			t.Fatalf("Prove(%s) error: %v", p.Type, err)
		}
		if !r.Verify(result, proof, p) {
			t.Errorf("Prove(%s) produced a proof that does not verify", p.Type)
		}
	}
}

var _ domain.Verifier = (*Registry)(nil)
