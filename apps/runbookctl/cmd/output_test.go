package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quatton/runbookgen/pkg/qjob"
)

func TestWriteArtifact(t *testing.T) {
	art := &qjob.Artifact{RunID: "r1", Content: "# Runbook\n", ModelUsed: "dbrx-instruct", GeneratedAt: time.Now()}

	var buf bytes.Buffer
	require.NoError(t, writeArtifact(&buf, art, ""))
	assert.Equal(t, "# Runbook\n", buf.String())

	path := filepath.Join(t.TempDir(), "runbook.md")
	buf.Reset()
	require.NoError(t, writeArtifact(&buf, art, path))
	assert.Empty(t, buf.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Runbook\n", string(data))
}
