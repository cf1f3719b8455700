package vrf

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Prover evaluates and verifies the VRF. Ed25519 signatures are
// deterministic, so the proof and therefore the randomness are fixed by the
// key and the input.
type Prover struct {
	key ed25519.PrivateKey
	pub ed25519.PublicKey
}

// NewProver creates a prover from a 32-byte seed. A nil seed generates a
// fresh key.
func NewProver(seed []byte) (*Prover, error) {
	if seed == nil {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate VRF key: %w", err)
		}
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("VRF key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	return &Prover{key: key, pub: key.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns the verification key.
func (p *Prover) PublicKey() []byte {
	return append([]byte(nil), p.pub...)
}

// Generate evaluates the VRF over seed.
func (p *Prover) Generate(seed []byte) *Output {
	h := sha256.New()
	h.Write([]byte("VRF_INPUT"))
	h.Write(seed)
	input := h.Sum(nil)

	proof := ed25519.Sign(p.key, input)
	return &Output{
		Randomness: deriveRandomness(proof),
		Proof:      proof,
		Input:      input,
	}
}

// Verify checks an output against a public key.
func Verify(pub []byte, out *Output) error {
	if out == nil {
		return errors.New("nil output")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), out.Input, out.Proof) {
		return errors.New("invalid VRF proof")
	}
	if !bytes.Equal(out.Randomness, deriveRandomness(out.Proof)) {
		return errors.New("randomness does not match proof")
	}
	return nil
}

// Words expands the VRF randomness into n 256-bit words.
func (o *Output) Words(n int) []*uint256.Int {
	words := make([]*uint256.Int, n)
	for i := 0; i < n; i++ {
		h := sha256.Sum256(append(append([]byte(nil), o.Randomness...), byte(i)))
		words[i] = new(uint256.Int).SetBytes(h[:])
	}
	return words
}

func deriveRandomness(proof []byte) []byte {
	h := sha256.New()
	h.Write([]byte("VRF_OUTPUT"))
	h.Write(proof)
	return h.Sum(nil)
}
