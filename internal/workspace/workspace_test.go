package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_FreshDirectoryPerAttempt(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	dir, err := m.Create("tenant-a", "run-1", "intro", 1)
	require.NoError(t, err)
	assert.DirExists(t, dir)

	// Leftovers from a crashed attempt are cleared on re-create.
	stale := filepath.Join(dir, "partial.png")
	require.NoError(t, os.WriteFile(stale, []byte("junk"), 0o644))
	dir2, err := m.Create("tenant-a", "run-1", "intro", 1)
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
	assert.NoFileExists(t, stale)

	// Attempts get distinct directories.
	dir3, err := m.Create("tenant-a", "run-1", "intro", 2)
	require.NoError(t, err)
	assert.NotEqual(t, dir, dir3)
}

func TestCreate_RejectsUnsafeComponents(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	for _, bad := range []string{"", "..", "a/b", `a\b`} {
		_, err := m.Create("tenant-a", bad, "intro", 1)
		assert.Error(t, err, "run id %q", bad)
	}
}

func TestRemove_OnlyUnderRoot(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	require.NoError(t, err)

	dir, err := m.Create("tenant-a", "run-1", "intro", 1)
	require.NoError(t, err)
	require.NoError(t, m.Remove(dir))
	assert.NoDirExists(t, dir)

	outside := t.TempDir()
	assert.Error(t, m.Remove(outside))
	assert.Error(t, m.Remove(root))
}

func TestResolve(t *testing.T) {
	ws := t.TempDir()

	got, err := Resolve(ws, "out/intro.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "out", "intro.png"), got)

	_, err = Resolve(ws, "../sibling.png")
	assert.Error(t, err)
	_, err = Resolve(ws, "/etc/passwd")
	assert.Error(t, err)
}
