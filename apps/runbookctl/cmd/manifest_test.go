package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: distilbert-base-uncased\nfiles:\n  - alerts.csv\n  - topology.md\n"), 0o644))

	m, err := loadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "distilbert-base-uncased", m.Model)
	assert.Equal(t, []string{"alerts.csv", "topology.md"}, m.Files)
}

func TestLoadManifestInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("files: [unterminated"), 0o644))

	_, err := loadManifest(path)
	require.Error(t, err)

	_, err = loadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestResolveRun(t *testing.T) {
	m := &Manifest{Model: "distilbert-base-uncased", Files: []string{"a.csv"}}

	model, files, err := resolveRun(m, "", false, "dbrx-instruct", []string{"b.csv", "a.csv"})
	require.NoError(t, err)
	assert.Equal(t, "distilbert-base-uncased", model)
	assert.Equal(t, []string{"a.csv", "b.csv"}, files)

	model, _, err = resolveRun(m, "dbrx-instruct", true, "dbrx-instruct", nil)
	require.NoError(t, err)
	assert.Equal(t, "dbrx-instruct", model)

	model, files, err = resolveRun(nil, "", false, "dbrx-instruct", []string{"x.md"})
	require.NoError(t, err)
	assert.Equal(t, "dbrx-instruct", model)
	assert.Equal(t, []string{"x.md"}, files)

	_, _, err = resolveRun(nil, "", false, "dbrx-instruct", nil)
	require.Error(t, err)

	_, _, err = resolveRun(nil, "", false, "", []string{"x.md"})
	require.Error(t, err)
}
