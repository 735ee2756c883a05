package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"quickdrop/internal/models"
)

func TestBuildCatalog(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	text := filepath.Join(dir, "notes.txt")
	req.NoError(os.WriteFile(text, []byte("hello there\n"), 0o644))
	png := filepath.Join(dir, "pixel.png")
	req.NoError(os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o644))

	entries, err := buildCatalog([]string{text, png})

	req.NoError(err)
	req.Len(entries, 2)
	req.Equal("notes.txt", entries[0].desc.Name)
	req.Equal(uint64(12), entries[0].desc.Size)
	req.True(strings.HasPrefix(entries[0].desc.MimeType, "text/plain"))
	req.Equal("image/png", entries[1].desc.MimeType)
	req.NotEqual(entries[0].desc.ID, entries[1].desc.ID)
	req.Equal(text, entries[0].path)
}

func TestBuildCatalog_RejectsDirectoriesAndMissingFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := buildCatalog([]string{dir})
	require.Error(t, err)

	_, err = buildCatalog([]string{filepath.Join(dir, "missing")})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "report.pdf",
		"../../etc/passwd":    "passwd",
		`..\..\windows\x.dll`: "x.dll",
		"":                    "fallback",
		"..":                  "fallback",
		"/":                   "fallback",
	}
	for in, want := range cases {
		require.Equal(t, want, safeName(in, "fallback"), in)
	}
}

func TestSaveFile_NeverOverwrites(t *testing.T) {
	req := require.New(t)
	dir := filepath.Join(t.TempDir(), "downloads")

	first, err := saveFile(dir, "a.txt", []byte("one"))
	req.NoError(err)
	second, err := saveFile(dir, "a.txt", []byte("two"))
	req.NoError(err)

	req.Equal(filepath.Join(dir, "a.txt"), first)
	req.Equal(filepath.Join(dir, "a (1).txt"), second)
	got, err := os.ReadFile(first)
	req.NoError(err)
	req.Equal("one", string(got))
}

func TestPrintCatalog(t *testing.T) {
	var buf bytes.Buffer

	printCatalog(&buf, []models.FileDescriptor{
		{ID: "1", Name: "a.txt", Size: 2048, MimeType: "text/plain"},
		{ID: "2", Name: "b.bin", Size: 1000, MimeType: "application/octet-stream"},
	})

	out := buf.String()
	require.Contains(t, out, "a.txt")
	require.Contains(t, out, "2.0 kB")
	require.Contains(t, out, "2 FILES")
}

func TestDownloads_SettleOnce(t *testing.T) {
	req := require.New(t)
	files := []models.FileDescriptor{{ID: "f1", Name: "a"}, {ID: "f2", Name: "b"}}
	d := newDownloads(t.TempDir(), files, nullLog())

	d.settle("f1", "/tmp/a", nil)
	d.settle("f1", "", os.ErrClosed)
	d.abandon(os.ErrDeadlineExceeded)

	<-d.finished
	out := d.summary()
	req.Len(out, 2)
	req.NoError(out[0].err)
	req.ErrorIs(out[1].err, os.ErrDeadlineExceeded)
}

func nullLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}
