package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathLayout(t *testing.T) {
	assert.Equal(t, filepath.Join("/var/lib/drover", "ingest", "abc123"), Path("/var/lib/drover", "ingest", "abc123"))
}

func TestCleanupRemovesTree(t *testing.T) {
	root := t.TempDir()
	dir := Path(root, "ingest", "abc123")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "master.stdout"), []byte("x"), 0o644))

	require.NoError(t, Cleanup(root, "ingest", "abc123"))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupMissingDirIsNoop(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Cleanup(root, "ingest", "never-created"))
	// repeated cleanup stays a no-op
	require.NoError(t, Cleanup(root, "ingest", "never-created"))
}

func TestCleanupRejectsNonDirectory(t *testing.T) {
	root := t.TempDir()
	dir := Path(root, "ingest", "abc123")
	require.NoError(t, os.MkdirAll(filepath.Dir(dir), 0o755))
	require.NoError(t, os.WriteFile(dir, []byte("not a dir"), 0o644))

	require.Error(t, Cleanup(root, "ingest", "abc123"))
}
