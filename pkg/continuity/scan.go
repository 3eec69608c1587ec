package continuity

import (
	"os"
	"path/filepath"
	"strings"
)

type transcriptHit struct {
	externalID  string
	projectPath string
}

// scanTranscripts walks the transcript tree looking for a session file whose
// derived internal id matches. Layout: one subdirectory per project, one
// <externalId>.jsonl file per session. Any unreadable directory is skipped.
func (s *Store) scanTranscripts(internalID string) (transcriptHit, bool) {
	if s.transcriptDir == "" {
		return transcriptHit{}, false
	}

	projects, err := os.ReadDir(s.transcriptDir)
	if err != nil {
		return transcriptHit{}, false
	}

	for _, project := range projects {
		if !project.IsDir() {
			continue
		}

		projectDir := filepath.Join(s.transcriptDir, project.Name())
		files, err := os.ReadDir(projectDir)
		if err != nil {
			continue
		}

		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".jsonl") {
				continue
			}

			externalID := strings.TrimSuffix(file.Name(), ".jsonl")
			if DeriveInternalID(externalID) != internalID {
				continue
			}

			s.logger.Info().
				Str("external_id", externalID).
				Str("project", project.Name()).
				Msg("Session recovered from transcript scan")

			return transcriptHit{
				externalID:  externalID,
				projectPath: projectDir,
			}, true
		}
	}

	return transcriptHit{}, false
}
