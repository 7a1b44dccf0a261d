package compute

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func readEntries(t *testing.T, buf *bytes.Buffer) map[string]*tar.Header {
	t.Helper()
	entries := make(map[string]*tar.Header)
	tr := tar.NewReader(buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		h := *hdr
		entries[hdr.Name] = &h
		_, _ = io.Copy(io.Discard, tr)
	}
	return entries
}

func TestWriteArchivePermissiveModes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := writeTempFile(t, dir, "a.txt", "aaa")
	b := writeTempFile(t, dir, "b.txt", "bbb")

	var buf bytes.Buffer
	err := writeArchive(&buf, []File{
		{Source: a, Destination: "/crucible/inputs/run/stim/a.txt"},
		{Source: b, Destination: "/crucible/inputs/run/stim/b.txt"},
	})
	require.NoError(t, err)

	entries := readEntries(t, &buf)

	fileHdr := entries["crucible/inputs/run/stim/a.txt"]
	require.NotNil(t, fileHdr)
	assert.Equal(t, int64(0o777), fileHdr.Mode)

	// shared parent directory appears exactly once
	dirCount := 0
	for name, hdr := range entries {
		if hdr.Typeflag == tar.TypeDir && name == "crucible/inputs/run/stim/" {
			dirCount++
		}
	}
	assert.Equal(t, 1, dirCount)
}

func TestWriteArchiveDirectorySource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var buf bytes.Buffer
	err := writeArchive(&buf, []File{{Source: dir, Destination: "/crucible/repository"}})
	require.NoError(t, err)

	entries := readEntries(t, &buf)
	hdr := entries["crucible/repository/"]
	require.NotNil(t, hdr)
	assert.Equal(t, byte(tar.TypeDir), hdr.Typeflag)
}

func TestWriteArchiveMissingSource(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := writeArchive(&buf, []File{{Source: "/no/such/file", Destination: "/x"}})
	assert.ErrorIs(t, err, ErrFileTransfer)
}

func TestExtractArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	a := writeTempFile(t, srcDir, "trace.vcd", "vcd content")

	var buf bytes.Buffer
	require.NoError(t, writeArchive(&buf, []File{{Source: a, Destination: "/out/trace.vcd"}}))

	destDir := t.TempDir()
	local, err := extractArchive(&buf, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "out", "trace.vcd"), local)

	content, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "vcd content", string(content))
}

func TestExtractArchiveRejectsEscapes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     "../evil.txt",
		Mode:     0o644,
		Size:     4,
	}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = extractArchive(&buf, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileTransfer)
}

func TestExtractArchiveEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.Close())

	_, err := extractArchive(&buf, t.TempDir())
	assert.ErrorIs(t, err, ErrFileTransfer)
}
