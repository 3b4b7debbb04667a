package registry

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/nxmd/nxmd/internal/archive"
	"github.com/nxmd/nxmd/internal/domain"
)

// nexusMetaFile is the sidecar recording which Nexus mod/file a folder came
// from, written by the installer for nexus-sourced installs.
const nexusMetaFile = ".nexus_meta"

type nexusMeta struct {
	ModID  uint32 `json:"mod_id"`
	FileID uint32 `json:"file_id"`
}

// ScanMods walks the game's Mods directory and builds Mod records from the
// disk truth: every folder with a manifest.json is a mod, a folder name
// ending in the disabled suffix means disabled. Folders without a manifest
// are recursed into (organizer subfolders). Dot folders are working state,
// not mods; the installer stages copies under a dot-prefixed name before
// renaming them into place, and a crash can leave one behind. Used to
// rebuild the registry when its snapshot is absent or corrupt.
func ScanMods(fs afero.Fs, modsDir string, logger *slog.Logger) []*domain.Mod {
	var mods []*domain.Mod
	scanDir(fs, modsDir, logger, &mods)
	return mods
}

func scanDir(fs afero.Fs, dir string, logger *slog.Logger, mods *[]*domain.Mod) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		manifestPath := filepath.Join(path, archive.ManifestName)
		exists, err := afero.Exists(fs, manifestPath)
		if err != nil || !exists {
			scanDir(fs, path, logger, mods)
			continue
		}

		mod, err := ModFromDisk(fs, path)
		if err != nil {
			logger.Warn("skipping folder with unreadable manifest", "path", path, "error", err)
			continue
		}
		*mods = append(*mods, mod)
	}
}

// ModFromDisk builds a Mod record for one installed folder by reading its
// manifest and nexus sidecar. A fresh ID is generated, the manifest does not
// carry one.
func ModFromDisk(fs afero.Fs, path string) (*domain.Mod, error) {
	manifest, err := archive.ParseManifest(fs, filepath.Join(path, archive.ManifestName))
	if err != nil {
		return nil, err
	}

	mod := &domain.Mod{
		ID:            uuid.New(),
		Name:          manifest.Name,
		Author:        manifest.Author,
		Version:       manifest.Version,
		UniqueID:      manifest.UniqueID,
		Description:   manifest.Description,
		Path:          path,
		IsEnabled:     !strings.HasSuffix(filepath.Base(path), DisabledSuffix),
		InstallSource: domain.SourceManual,
		InstalledAt:   time.Now(),
	}

	if meta, ok := readNexusMeta(fs, path); ok {
		mod.InstallSource = domain.SourceNexus
		mod.NexusModID = meta.ModID
		mod.NexusFileID = meta.FileID
	}

	return mod, nil
}

func readNexusMeta(fs afero.Fs, modPath string) (nexusMeta, bool) {
	var meta nexusMeta
	data, err := afero.ReadFile(fs, filepath.Join(modPath, nexusMetaFile))
	if err != nil {
		return meta, false
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, false
	}
	return meta, true
}

// WriteNexusMeta records the Nexus origin of an installed folder.
func WriteNexusMeta(fs afero.Fs, modPath string, modID, fileID uint32) error {
	data, err := json.MarshalIndent(nexusMeta{ModID: modID, FileID: fileID}, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, filepath.Join(modPath, nexusMetaFile), data, 0o644)
}
