package domain

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// Algorithm names the key/signature family an Identity's key material uses.
// Generating the PQC primitives themselves is out of scope (spec §1
// Non-goals): AlgorithmDilithium2/3 and the hybrid profiles are accepted as
// configuration input and degrade to AlgorithmECDSAP256 with a one-time
// PqcUnavailable warning, exactly as spec §4.5 describes, since no PQC
// signer is wired into crypto.Signer by the standard library or any example
// in the corpus.
type Algorithm string

const (
	AlgorithmECDSAP256       Algorithm = "ecdsa-p256"
	AlgorithmRSA2048         Algorithm = "rsa-2048"
	AlgorithmDilithium2      Algorithm = "dilithium2"
	AlgorithmDilithium3      Algorithm = "dilithium3"
	AlgorithmHybridX25519D2  Algorithm = "hybrid-x25519-dilithium2"
)

// IsPQC reports whether the algorithm requests a post-quantum or hybrid
// profile that this process cannot natively produce.
func (a Algorithm) IsPQC() bool {
	switch a {
	case AlgorithmDilithium2, AlgorithmDilithium3, AlgorithmHybridX25519D2:
		return true
	default:
		return false
	}
}

// EffectiveAlgorithm resolves a requested algorithm to the one actually
// usable by this process's TLS provider, reporting whether a fallback to
// classical crypto occurred (spec §4.5 "PqcUnavailable warning logged
// once").
func EffectiveAlgorithm(requested Algorithm) (effective Algorithm, fellBack bool) {
	if requested.IsPQC() {
		return AlgorithmECDSAP256, true
	}
	if requested == "" {
		return AlgorithmECDSAP256, false
	}
	return requested, false
}

// KeyMaterial is the private signing key generated for an Identity. It never
// leaves process memory unencrypted after load (spec §3): callers only ever
// see a crypto.Signer, never raw key bytes, except via the identity store's
// serialize/deserialize boundary.
type KeyMaterial struct {
	Signer    crypto.Signer
	Algorithm Algorithm
}

// GenerateKeyMaterial creates a fresh key pair for the given (possibly PQC)
// algorithm request, applying the classical fallback of EffectiveAlgorithm.
func GenerateKeyMaterial(requested Algorithm) (KeyMaterial, bool, error) {
	effective, fellBack := EffectiveAlgorithm(requested)

	switch effective {
	case AlgorithmRSA2048:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return KeyMaterial{}, fellBack, fmt.Errorf("rsa key generation failed: %w", err)
		}
		return KeyMaterial{Signer: key, Algorithm: effective}, fellBack, nil
	case AlgorithmECDSAP256, "":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return KeyMaterial{}, fellBack, fmt.Errorf("ecdsa key generation failed: %w", err)
		}
		return KeyMaterial{Signer: key, Algorithm: AlgorithmECDSAP256}, fellBack, nil
	default:
		return KeyMaterial{}, fellBack, fmt.Errorf("unsupported key algorithm %q", effective)
	}
}

// IsZero reports whether no key has been generated yet.
func (k KeyMaterial) IsZero() bool { return k.Signer == nil }
