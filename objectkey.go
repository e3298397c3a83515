package subatomic

import (
	"fmt"
	"strings"
)

// Algorithm names the digest used in an object key.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
	AlgSHA256 Algorithm = "sha256"
)

// ArtifactPrefix is the top level directory for artifacts in object storage.
const ArtifactPrefix = "rpm"

// ObjectKey is the content-addressed name of an artifact in object storage,
// in the canonical form "algorithm:hex". Records with identical bytes carry
// identical keys.
type ObjectKey string

// NewObjectKey returns the BLAKE3 object key for h.
func NewObjectKey(h Hash) ObjectKey {
	return ObjectKey(string(AlgBLAKE3) + ":" + h.String())
}

// ParseObjectKey validates s and returns it in canonical lowercase form.
// The algorithm prefix is mandatory.
func ParseObjectKey(s string) (ObjectKey, error) {
	if s == "" {
		return "", fmt.Errorf("empty object key")
	}

	algoStr, hexStr, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("object key %q has no algorithm prefix", s)
	}

	alg := Algorithm(strings.ToLower(algoStr))
	switch alg {
	case AlgBLAKE3, AlgSHA256:
	default:
		return "", fmt.Errorf("unsupported algorithm %q in object key %q", algoStr, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return "", fmt.Errorf("invalid digest in object key %q: %w", s, err)
	}

	return ObjectKey(string(alg) + ":" + h.String()), nil
}

// Algorithm returns the digest algorithm of a canonical key.
func (k ObjectKey) Algorithm() Algorithm {
	alg, _, _ := strings.Cut(string(k), ":")
	return Algorithm(alg)
}

// Hex returns the digest without the algorithm prefix.
func (k ObjectKey) Hex() string {
	_, hex, _ := strings.Cut(string(k), ":")
	return hex
}

// String implements fmt.Stringer.
func (k ObjectKey) String() string {
	return string(k)
}

// StoragePath returns the backend path for the artifact.
// Format: rpm/{algorithm}/{hex[:2]}/{hex}
//
// The algorithm is part of the path so a listing can be turned back into
// the exact key a record carries.
func (k ObjectKey) StoragePath() string {
	prefix := ArtifactPrefix + "/" + string(k.Algorithm()) + "/"
	hex := k.Hex()
	if len(hex) < 2 {
		return prefix + hex
	}
	return prefix + hex[:2] + "/" + hex
}
