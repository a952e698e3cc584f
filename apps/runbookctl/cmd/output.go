package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/quatton/runbookgen/pkg/qjob"
)

// writeArtifact prints the runbook to w, or to path when one is given.
func writeArtifact(w io.Writer, art *qjob.Artifact, path string) error {
	if path == "" {
		_, err := io.WriteString(w, art.Content)
		return err
	}
	if err := os.WriteFile(path, []byte(art.Content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Fprintf(os.Stderr, "✓ Runbook from run %s written to %s (model %s)\n", art.RunID, path, art.ModelUsed)
	return nil
}
