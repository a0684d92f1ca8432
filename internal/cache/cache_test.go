package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pipmirror/internal/reqfile"
)

func seed(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("artifact"), 0o600))
}

func TestEnsureDirs(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.EnsureDirs("demo"))
	for _, dir := range []string{c.ProjectsDir(), c.SourceDir("demo"), c.WheelhouseDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestListSourceGroupsAndSkips(t *testing.T) {
	c := New(t.TempDir())
	dir := c.SourceDir("demo")

	sixKey := reqfile.QuoteFilename("https://pypi.org/packages/source/s/six/six-1.16.0.tar.gz")
	seed(t, dir, sixKey)
	seed(t, dir, sixKey+".content-type")
	// No directory part after decoding: excluded from the index.
	seed(t, dir, "orphan.tar.gz")

	entries, err := c.ListSource("demo")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "six", entries[0].Package)
	assert.Equal(t, "six-1.16.0.tar.gz", entries[0].Filename)
	assert.Equal(t, filepath.Join(dir, sixKey), entries[0].Path)
}

func TestListSourceStripsQuerySuffix(t *testing.T) {
	c := New(t.TempDir())
	key := reqfile.QuoteFilename("https://downloads.sourceforge.net/project/pkg/pkg-2.0.tar.gz?download")
	seed(t, c.SourceDir("demo"), key)

	entries, err := c.ListSource("demo")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pkg-2.0.tar.gz", entries[0].Filename)
}

func TestListWheelsNormalizesNames(t *testing.T) {
	c := New(t.TempDir())
	seed(t, c.WheelhouseDir(), "python_dateutil-2.8.2-py2.py3-none-any.whl")
	seed(t, c.WheelhouseDir(), "six-1.16.0-py2.py3-none-any.whl")

	entries, err := c.ListWheels()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "python-dateutil", entries[0].Package)
	assert.Equal(t, "six", entries[1].Package)
}

func TestListMissingScopeIsEmpty(t *testing.T) {
	c := New(t.TempDir())
	entries, err := c.ListSource("nope")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEvictURL(t *testing.T) {
	c := New(t.TempDir())
	dir := c.SourceDir("demo")
	key := reqfile.QuoteFilename("https://example.org/dist/foo-1.0.tar.gz")
	seed(t, dir, key)
	seed(t, dir, key+".content-type")

	require.NoError(t, c.EvictURL("demo", key))
	_, err := os.Stat(filepath.Join(dir, key))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, key+".content-type"))
	assert.True(t, os.IsNotExist(err))

	// Evicting something absent is not an error: forced eviction runs
	// before every pass, present or not.
	assert.NoError(t, c.EvictURL("demo", key))
}
