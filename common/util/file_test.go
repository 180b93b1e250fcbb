package util

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestExtractZipTwice(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Chest-CT-Scan-data", "normal", "a.png"), "normal-a")
	writeFile(t, filepath.Join(src, "Chest-CT-Scan-data", "adenocarcinoma", "b.png"), "cancer-b")

	archive := filepath.Join(t.TempDir(), "data.zip")
	require.NoError(t, ZipDirectory(src, archive))

	dest := filepath.Join(t.TempDir(), "unzipped")
	require.NoError(t, ExtractZip(archive, dest))
	require.NoError(t, ExtractZip(archive, dest))

	got, err := os.ReadFile(filepath.Join(dest, "Chest-CT-Scan-data", "normal", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "normal-a", string(got))

	got, err = os.ReadFile(filepath.Join(dest, "Chest-CT-Scan-data", "adenocarcinoma", "b.png"))
	require.NoError(t, err)
	assert.Equal(t, "cancer-b", string(got))
}

func TestExtractZipRejectsEscapingEntries(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	entry, err := w.Create("../../escaped.txt")
	require.NoError(t, err)
	_, err = entry.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	err = ExtractZip(archive, filepath.Join(t.TempDir(), "out"))
	assert.ErrorContains(t, err, "illegal file path")
}

func TestExtractZipCorrupt(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "broken.zip")
	writeFile(t, archive, "this is not a zip archive")

	err := ExtractZip(archive, t.TempDir())
	assert.ErrorIs(t, err, zip.ErrFormat)
}

func TestGetSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, make([]byte, 10*1024), 0644))

	got, err := GetSize(path)
	require.NoError(t, err)
	assert.Equal(t, "~ 10 KB", got)
}

func TestCreateDirectories(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "artifacts", "data_ingestion")
	b := filepath.Join(root, "artifacts", "training")

	require.NoError(t, CreateDirectories(a, b, a))
	for _, dir := range []string{a, b} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
