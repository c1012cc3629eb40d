package transfer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func unpackNames(t *testing.T, data []byte) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := make(map[string]string)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if header.Typeflag == tar.TypeDir {
			files[header.Name] = ""
			continue
		}
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = string(content)
	}
	return files
}

func TestPackTreeAppliesExclusions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html>")
	writeFile(t, dir, "assets/app.js", "js")
	writeFile(t, dir, ".env", "secret")
	writeFile(t, dir, "node_modules/left-pad/index.js", "dep")

	var buf bytes.Buffer
	require.NoError(t, packTree(dir, DefaultExclude, &buf))

	files := unpackNames(t, buf.Bytes())
	assert.Equal(t, "<html>", files["index.html"])
	assert.Equal(t, "js", files["assets/app.js"])
	assert.NotContains(t, files, ".env")
	assert.NotContains(t, files, "node_modules/left-pad/index.js")
}

func TestPackTreeCustomExclusion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.txt", "keep")
	writeFile(t, dir, "drop.log", "drop")

	exclude := func(rel string, _ os.DirEntry) bool {
		return filepath.Ext(rel) == ".log"
	}
	var buf bytes.Buffer
	require.NoError(t, packTree(dir, exclude, &buf))

	files := unpackNames(t, buf.Bytes())
	assert.Contains(t, files, "keep.txt")
	assert.NotContains(t, files, "drop.log")
}

func TestDefaultExcludeDotfilesAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		switch e.Name() {
		case "a.txt":
			assert.False(t, DefaultExclude(e.Name(), e))
		case "node_modules":
			assert.True(t, DefaultExclude(e.Name(), e))
		}
	}
}

func TestRemoteTargetDefaultBackupDir(t *testing.T) {
	target := NewRemoteTarget(nil, "198.51.100.4", "/srv/www/api/", "")
	assert.Equal(t, "198.51.100.4:/srv/www/api/", target.Key())
	assert.Equal(t, "/srv/www/.snapshots-api", target.backupDir)
}

func TestQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'/srv/o'\''brien'`, quote("/srv/o'brien"))
}
