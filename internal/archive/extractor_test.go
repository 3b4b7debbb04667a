package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeZip(t *testing.T, fs afero.Fs, path string, files map[string]string) {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0o644))
}

func TestExtract_PreservesStructure(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeZip(t, fs, "/downloads/mod.zip", map[string]string{
		"manifest.json":    `{"Name":"M"}`,
		"assets/sprite.png": "png-bytes",
	})

	e := New(fs, newTestLogger())
	require.NoError(t, e.Extract("/downloads/mod.zip", "/tmp/extract"))

	content, err := afero.ReadFile(fs, "/tmp/extract/assets/sprite.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(content))
}

func TestExtract_RejectsPathTraversal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeZip(t, fs, "/downloads/evil.zip", map[string]string{
		"../../outside.txt": "escape",
	})

	e := New(fs, newTestLogger())
	err := e.Extract("/downloads/evil.zip", "/tmp/extract")
	require.ErrorIs(t, err, ErrUnsafePath)

	exists, _ := afero.Exists(fs, "/outside.txt")
	assert.False(t, exists)
}

func TestExtract_RejectsNonZipNamingFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/downloads/mod.rar", []byte("Rar!\x1a\x07\x00 rest"), 0o644))

	e := New(fs, newTestLogger())
	err := e.Extract("/downloads/mod.rar", "/tmp/extract")

	var unsupported *UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "rar", unsupported.Format)

	exists, _ := afero.DirExists(fs, "/tmp/extract")
	assert.False(t, exists, "no partial extraction for unsupported formats")
}

func TestResolveInstallRoots_ManifestAtRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ex/manifest.json", []byte("{}"), 0o644))

	roots, err := ResolveInstallRoots(fs, "/ex", newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"/ex"}, roots)
}

func TestResolveInstallRoots_SingleWrapperFolder(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ex/CoolMod/manifest.json", []byte("{}"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/ex/CoolMod/mod.dll", []byte("x"), 0o644))

	roots, err := ResolveInstallRoots(fs, "/ex", newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("/ex", "CoolMod")}, roots)
}

func TestResolveInstallRoots_SiblingFoldersAreAllRoots(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range []string{"ModA", "ModB", "ModC"} {
		require.NoError(t, afero.WriteFile(fs, "/ex/"+name+"/manifest.json", []byte("{}"), 0o644))
	}

	roots, err := ResolveInstallRoots(fs, "/ex", newTestLogger())
	require.NoError(t, err)
	assert.Len(t, roots, 3)
}

func TestResolveInstallRoots_ScatteredManifestsUseFirst(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ex/ModA/manifest.json", []byte("{}"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/ex/extras/deep/ModB/manifest.json", []byte("{}"), 0o644))

	roots, err := ResolveInstallRoots(fs, "/ex", newTestLogger())
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, filepath.Join("/ex", "ModA"), roots[0])
}

func TestResolveInstallRoots_NoManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ex/readme.txt", []byte("hi"), 0o644))

	_, err := ResolveInstallRoots(fs, "/ex", newTestLogger())
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestFindModRoots_DoesNotDescendIntoModRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ex/Mod/manifest.json", []byte("{}"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/ex/Mod/inner/manifest.json", []byte("{}"), 0o644))

	roots, err := FindModRoots(fs, "/ex")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("/ex", "Mod")}, roots)
}
