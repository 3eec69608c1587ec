package continuity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveInternalIDDeterministic(t *testing.T) {
	a := DeriveInternalID("ext-abc")
	b := DeriveInternalID("ext-abc")
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)

	assert.NotEqual(t, a, DeriveInternalID("ext-abd"))
}

func TestDeriveInternalIDIsValidUUID(t *testing.T) {
	id := DeriveInternalID("anything")
	parts := strings.Split(id, "-")
	assert.Len(t, parts, 5)
}

func TestWorktreeIDFromPath(t *testing.T) {
	id := WorktreeIDFromPath("/home/dev/My Project")
	assert.True(t, strings.HasPrefix(id, "my-project-"), id)
	assert.Len(t, strings.TrimPrefix(id, "my-project-"), 8)

	// Stable for the same path, distinct for a different one
	assert.Equal(t, id, WorktreeIDFromPath("/home/dev/My Project"))
	assert.NotEqual(t, id, WorktreeIDFromPath("/tmp/My Project"))
}

func TestWorktreeIDFromPathDegenerateBasename(t *testing.T) {
	id := WorktreeIDFromPath("/срв/烏")
	assert.True(t, strings.HasPrefix(id, "worktree-"), id)
}
