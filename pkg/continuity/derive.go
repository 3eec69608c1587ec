package continuity

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// relayNamespace is the fixed UUID namespace for internal-id derivation.
// Changing it would orphan every persisted mapping.
var relayNamespace = uuid.MustParse("9f2c1a47-6d3e-4b8a-b1f0-5c7e2d94a310")

// DeriveInternalID maps an external agent session id to the internal id used
// everywhere inside the engine. It is a pure function of the external id:
// two independent stores derive the same internal id for the same input,
// which is what lets the transcript scan recognize sessions it has never
// stored.
func DeriveInternalID(externalID string) string {
	return uuid.NewSHA1(relayNamespace, []byte(externalID)).String()
}

var worktreeSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// WorktreeIDFromPath derives a stable slug for a project path: the sanitized
// basename plus a short hash of the full path. The slug scopes continuity
// fallback only; it is not a unique storage key.
func WorktreeIDFromPath(projectPath string) string {
	base := strings.ToLower(filepath.Base(filepath.Clean(projectPath)))
	base = worktreeSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "worktree"
	}

	sum := sha256.Sum256([]byte(filepath.Clean(projectPath)))
	return base + "-" + hex.EncodeToString(sum[:4])
}
