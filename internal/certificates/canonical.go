package certificates

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalPayload returns the RFC 8785 form of p.
func CanonicalPayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("certificates: marshal payload: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("certificates: canonicalize payload: %w", err)
	}
	return out, nil
}

// PayloadHash is the SHA-256 of the canonical payload.
func PayloadHash(canonical []byte) []byte {
	h := sha256.Sum256(canonical)
	return h[:]
}
