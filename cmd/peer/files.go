package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"quickdrop/internal/models"
)

type catalogEntry struct {
	desc models.FileDescriptor
	path string
}

func buildCatalog(paths []string) ([]catalogEntry, error) {
	entries := make([]catalogEntry, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		mtype, err := mimetype.DetectFile(p)
		if err != nil {
			return nil, fmt.Errorf("detect type of %s: %w", p, err)
		}
		entries = append(entries, catalogEntry{
			desc: models.FileDescriptor{
				ID:       uuid.NewString(),
				Name:     filepath.Base(p),
				Size:     uint64(info.Size()),
				MimeType: mtype.String(),
			},
			path: p,
		})
	}
	return entries, nil
}

func descriptors(entries []catalogEntry) []models.FileDescriptor {
	return lo.Map(entries, func(e catalogEntry, _ int) models.FileDescriptor { return e.desc })
}

func printCatalog(w io.Writer, files []models.FileDescriptor) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Name", "Size", "Type"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, f := range files {
		table.Append([]string{strconv.Itoa(i + 1), f.Name, humanize.Bytes(f.Size), f.MimeType})
	}
	total := lo.SumBy(files, func(f models.FileDescriptor) uint64 { return f.Size })
	table.SetFooter([]string{"", fmt.Sprintf("%d files", len(files)), humanize.Bytes(total), ""})
	table.Render()
}

// safeName strips any directory part a remote peer put in a file name.
func safeName(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return fallback
	}
	return name
}

// saveFile writes data under dir without overwriting: "a.txt", "a (1).txt", ...
func saveFile(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 0; n < 1000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}
