// Package security holds member signing identities and signature checks
// used by ed25519 compute proofs.
package security

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Keypair is a member's Ed25519 signing identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a new Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// LoadOrCreateKeypair reads home/keys/member.{pub,key}, generating and
// persisting a fresh pair when either file is missing.
func LoadOrCreateKeypair(home string) (*Keypair, error) {
	keyDir := filepath.Join(home, "keys")
	pubPath := filepath.Join(keyDir, "member.pub")
	privPath := filepath.Join(keyDir, "member.key")

	pubBytes, pubErr := os.ReadFile(pubPath)
	privBytes, privErr := os.ReadFile(privPath)
	if pubErr == nil && privErr == nil {
		pub, err := hex.DecodeString(strings.TrimSpace(string(pubBytes)))
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("decode public key %s: invalid encoding", pubPath)
		}
		priv, err := hex.DecodeString(strings.TrimSpace(string(privBytes)))
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("decode private key %s: invalid encoding", privPath)
		}
		kp := &Keypair{Public: pub, Private: priv}
		if !bytes.Equal(kp.Private.Public().(ed25519.PublicKey), kp.Public) {
			return nil, fmt.Errorf("keypair in %s does not match", keyDir)
		}
		return kp, nil
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(kp.PublicKeyHex()), 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(kp.Private)), 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return kp, nil
}

// PublicKeyHex returns the public key as lowercase hex.
func (kp *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Public)
}

// Sign signs message with the private key.
func (kp *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// lowOrderPoints are the encodings of the eight small-subgroup points.
// Signatures under these keys can be forged for any message.
var lowOrderPoints = [][]byte{
	mustHex("0000000000000000000000000000000000000000000000000000000000000000"),
	mustHex("0100000000000000000000000000000000000000000000000000000000000000"),
	mustHex("ecffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff7f"),
	mustHex("c7176a703d4dd84fba3c0b760d10670f2a2053fa2c39ccc64ec7fd7792ac037a"),
	mustHex("c7176a703d4dd84fba3c0b760d10670f2a2053fa2c39ccc64ec7fd7792ac03fa"),
	mustHex("26e8958fc2b227b045c3f489f2ef98f0d5dfac05d3c63339b13802886d53fc05"),
	mustHex("26e8958fc2b227b045c3f489f2ef98f0d5dfac05d3c63339b13802886d53fc85"),
	mustHex("0000000000000000000000000000000000000000000000000000000000000080"),
}

// ValidPublicKey rejects keys of the wrong size, the all-zero key and the
// low-order points.
func ValidPublicKey(pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	for _, p := range lowOrderPoints {
		if bytes.Equal(pub, p) {
			return false
		}
	}
	return true
}

// Verify checks a signature against a public key. Malformed or weak keys
// and wrong-size signatures fail.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	if !ValidPublicKey(publicKey) || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
