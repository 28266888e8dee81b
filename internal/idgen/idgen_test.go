package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("hr_")
	assert.True(t, strings.HasPrefix(id, "hr_"))
	assert.Len(t, id, len("hr_")+32)
	assert.True(t, Valid("hr_", id))
	assert.False(t, Valid("dsp_", id))
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("x_")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNew(t *testing.T) {
	assert.Len(t, New(), 36)
}
