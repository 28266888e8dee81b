// Package idgen generates entity identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID,
// e.g. "hr_3f0c..." for hour entries or "dsp_..." for disputes.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id is a prefixed identifier produced by WithPrefix.
func Valid(prefix, id string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, prefix))
	return err == nil
}
