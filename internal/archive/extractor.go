// Package archive unpacks downloaded mod archives and locates the mod
// metadata descriptor inside them.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// ManifestName is the metadata descriptor every mod must carry.
const ManifestName = "manifest.json"

// How deep to look for manifests inside an extracted archive.
const maxManifestDepth = 3

var (
	ErrNoManifest = errors.New("no manifest.json found in mod archive")
	ErrUnsafePath = errors.New("archive entry escapes the extraction directory")
)

// UnsupportedFormatError names the container format we refused to extract.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported archive format: %s (only zip is supported)", e.Format)
}

// Extractor unpacks zip archives onto the given filesystem.
type Extractor struct {
	fs     afero.Fs
	logger *slog.Logger
}

// New creates an Extractor writing through the given filesystem.
func New(fs afero.Fs, logger *slog.Logger) *Extractor {
	return &Extractor{fs: fs, logger: logger}
}

// Extract unpacks archivePath into destDir, preserving relative structure.
// Entries that would resolve outside destDir are rejected outright. Archives
// that are not zip fail fast naming the detected format, before any entry is
// written.
func (e *Extractor) Extract(archivePath, destDir string) error {
	if err := e.checkFormat(archivePath); err != nil {
		return err
	}

	file, err := e.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	reader, err := zip.NewReader(file, info.Size())
	if err != nil {
		return fmt.Errorf("read zip archive: %w", err)
	}

	if err := e.fs.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create extraction directory: %w", err)
	}

	for _, entry := range reader.File {
		if err := e.extractEntry(entry, destDir); err != nil {
			return err
		}
	}

	e.logger.Debug("archive extracted", "archive", archivePath, "dest", destDir, "entries", len(reader.File))
	return nil
}

func (e *Extractor) extractEntry(entry *zip.File, destDir string) error {
	outPath, err := secureJoin(destDir, entry.Name)
	if err != nil {
		return fmt.Errorf("entry %q: %w", entry.Name, err)
	}

	if entry.FileInfo().IsDir() {
		return e.fs.MkdirAll(outPath, 0o755)
	}

	if err := e.fs.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create parent for %q: %w", entry.Name, err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %q: %w", entry.Name, err)
	}
	defer src.Close()

	dst, err := e.fs.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %q: %w", outPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %q: %w", outPath, err)
	}
	return nil
}

// secureJoin resolves name under base and rejects traversal outside it.
// This is a security invariant: a hostile archive must not be able to write
// anywhere but the extraction directory.
func secureJoin(base, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) {
		return "", ErrUnsafePath
	}
	joined := filepath.Join(base, cleaned)
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return joined, nil
}

func (e *Extractor) checkFormat(archivePath string) error {
	file, err := e.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	header := make([]byte, 8)
	n, err := file.Read(header)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read archive header: %w", err)
	}
	header = header[:n]

	if format := sniffFormat(header); format != "zip" {
		return &UnsupportedFormatError{Format: format}
	}
	return nil
}

func sniffFormat(header []byte) string {
	switch {
	case len(header) >= 4 && header[0] == 'P' && header[1] == 'K':
		return "zip"
	case len(header) >= 4 && string(header[:4]) == "Rar!":
		return "rar"
	case len(header) >= 6 && string(header[:2]) == "7z":
		return "7z"
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		return "gzip"
	default:
		return "unknown"
	}
}

// FindModRoots returns every directory under extractDir that directly
// contains a manifest.json, in depth-first order. Search does not descend
// into a mod root: a mod's own subfolders never count as further mods.
func FindModRoots(fs afero.Fs, extractDir string) ([]string, error) {
	var roots []string
	if err := walkForManifests(fs, extractDir, 0, &roots); err != nil {
		return nil, err
	}
	return roots, nil
}

func walkForManifests(fs afero.Fs, dir string, depth int, roots *[]string) error {
	if depth > maxManifestDepth {
		return nil
	}

	hasManifest, err := afero.Exists(fs, filepath.Join(dir, ManifestName))
	if err != nil {
		return fmt.Errorf("check manifest in %q: %w", dir, err)
	}
	if hasManifest {
		*roots = append(*roots, dir)
		return nil
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := walkForManifests(fs, filepath.Join(dir, entry.Name()), depth+1, roots); err != nil {
			return err
		}
	}
	return nil
}

// ResolveInstallRoots applies the install-root rules to an extracted archive:
// a manifest at the root makes the root the single install root; manifests in
// sibling folders make each folder an install root (one archive bundling
// several mods); manifests scattered anywhere else resolve to the first in
// depth-first order with a warning.
func ResolveInstallRoots(fs afero.Fs, extractDir string, logger *slog.Logger) ([]string, error) {
	roots, err := FindModRoots(fs, extractDir)
	if err != nil {
		return nil, err
	}

	switch len(roots) {
	case 0:
		return nil, ErrNoManifest
	case 1:
		return roots, nil
	}

	parent := filepath.Dir(roots[0])
	siblings := true
	for _, root := range roots[1:] {
		if filepath.Dir(root) != parent {
			siblings = false
			break
		}
	}
	if siblings {
		return roots, nil
	}

	logger.Warn("multiple manifests at different depths, using first depth-first match",
		"chosen", roots[0], "total", len(roots))
	return roots[:1], nil
}
