// Package installer turns a downloaded archive into installed, registered
// mods. Every filesystem step is staged or backed up so a failure at any
// point leaves the Mods directory exactly as it was.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/nxmd/nxmd/internal/archive"
	"github.com/nxmd/nxmd/internal/config"
	"github.com/nxmd/nxmd/internal/domain"
	"github.com/nxmd/nxmd/internal/events"
	"github.com/nxmd/nxmd/internal/metrics"
	"github.com/nxmd/nxmd/internal/registry"
)

const (
	// Permission and locked-file errors get a few quick retries before they
	// are treated as fatal; the game or an antivirus may hold a handle
	// briefly.
	lockedRetries    = 3
	lockedRetryDelay = 250 * time.Millisecond

	stagingPrefix = ".staging-"
	extractPrefix = "extract-"
)

var (
	// ErrReinstallRequired is surfaced when the exact same version is already
	// installed; the caller must confirm before we overwrite it.
	ErrReinstallRequired = errors.New("same version already installed, reinstall requires confirmation")

	// ErrDiskFull aborts the installation before any file is copied.
	ErrDiskFull = errors.New("not enough free disk space for installation")

	// ErrAutoInstallDisabled is returned when installation is attempted while
	// auto-install is switched off in the configuration.
	ErrAutoInstallDisabled = errors.New("auto-install is disabled")
)

// Options carry per-install context from the caller.
type Options struct {
	Source             domain.InstallSource
	OriginDownloadID   *uuid.UUID
	NexusModID         uint32
	NexusFileID        uint32
	ModName            string
	ConfirmedReinstall bool
}

// Installer orchestrates extraction, metadata parsing, duplicate resolution
// and the atomic move into the game's Mods directory.
type Installer struct {
	fs        afero.Fs
	cfg       *config.Config
	store     *registry.Store
	extractor *archive.Extractor
	bus       *events.Bus
	logger    *slog.Logger

	// freeSpace is injectable for tests; defaults to gopsutil.
	freeSpace func(path string) (uint64, error)
}

// New creates an Installer writing through the given filesystem.
func New(fs afero.Fs, cfg *config.Config, store *registry.Store, bus *events.Bus, logger *slog.Logger) *Installer {
	return &Installer{
		fs:        fs,
		cfg:       cfg,
		store:     store,
		extractor: archive.New(fs, logger),
		bus:       bus,
		logger:    logger,
		freeSpace: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
	}
}

// unit is one mod being installed from the archive.
type unit struct {
	root     string
	manifest domain.Manifest
}

// InstallArchive installs every mod found in archivePath. Archives bundling
// several mods produce one freshly generated group shared by all of them.
// The temporary extraction directory is removed on every exit path; the
// archive itself is kept when extraction or metadata parsing fails so the
// user can inspect it.
func (i *Installer) InstallArchive(ctx context.Context, archivePath string, opts Options) ([]*domain.Mod, error) {
	if !i.cfg.AutoInstall {
		return nil, ErrAutoInstallDisabled
	}

	extractDir := filepath.Join(i.cfg.TempDir, extractPrefix+uuid.New().String())
	defer func() {
		if err := i.fs.RemoveAll(extractDir); err != nil {
			i.logger.Error("failed to clean up extraction directory", "path", extractDir, "error", err)
		}
	}()

	mods, err := i.install(ctx, archivePath, extractDir, opts)
	if err != nil {
		metrics.InstallsFailed.Inc()
		if errors.Is(err, ErrReinstallRequired) {
			i.bus.Publish(domain.EventConfirmRequired, map[string]string{
				"archive": archivePath,
				"reason":  err.Error(),
			})
		} else {
			i.bus.Publish(domain.EventInstallFailed, map[string]string{
				"archive": archivePath,
				"error":   err.Error(),
			})
		}
		return nil, err
	}

	for _, mod := range mods {
		metrics.InstallsSucceeded.Inc()
		i.bus.Publish(domain.EventModInstalled, mod)
	}

	if i.cfg.DeleteAfterInstall {
		if err := i.fs.Remove(archivePath); err != nil {
			i.logger.Warn("failed to delete archive after install", "archive", archivePath, "error", err)
		}
	}

	return mods, nil
}

func (i *Installer) install(ctx context.Context, archivePath, extractDir string, opts Options) ([]*domain.Mod, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := i.extractor.Extract(archivePath, extractDir); err != nil {
		return nil, fmt.Errorf("extract %s: %w", filepath.Base(archivePath), err)
	}

	roots, err := archive.ResolveInstallRoots(i.fs, extractDir, i.logger)
	if err != nil {
		return nil, err
	}

	units, err := i.parseUnits(ctx, roots)
	if err != nil {
		return nil, err
	}

	if err := i.preflightDiskSpace(extractDir); err != nil {
		return nil, err
	}

	var groupID *uuid.UUID
	if len(units) > 1 {
		id := uuid.New()
		groupID = &id
	}

	return i.commit(ctx, archivePath, units, groupID, opts)
}

// parseUnits reads every unit's manifest up front so metadata failures abort
// before anything touches the Mods directory.
func (i *Installer) parseUnits(ctx context.Context, roots []string) ([]unit, error) {
	units := make([]unit, len(roots))
	g, _ := errgroup.WithContext(ctx)

	for idx, root := range roots {
		idx, root := idx, root
		g.Go(func() error {
			manifest, err := archive.ParseManifest(i.fs, filepath.Join(root, archive.ManifestName))
			if err != nil {
				return fmt.Errorf("unit %s: %w", filepath.Base(root), err)
			}
			units[idx] = unit{root: root, manifest: manifest}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return units, nil
}

// commit installs each unit in sequence under one undo log, so an archive
// with several mods installs all of them or none.
func (i *Installer) commit(ctx context.Context, archivePath string, units []unit, groupID *uuid.UUID, opts Options) ([]*domain.Mod, error) {
	var undo []func() error
	rollback := func() {
		for n := len(undo) - 1; n >= 0; n-- {
			if err := undo[n](); err != nil {
				i.logger.Error("install rollback step failed", "error", err)
			}
		}
	}

	mods := make([]*domain.Mod, 0, len(units))
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			rollback()
			return nil, err
		}

		mod, steps, err := i.installUnit(archivePath, u, groupID, opts)
		undo = append(undo, steps...)
		if err != nil {
			rollback()
			return nil, err
		}
		mods = append(mods, mod)
	}

	if err := i.store.AddAll(mods); err != nil {
		rollback()
		return nil, fmt.Errorf("register installed mods: %w", err)
	}
	return mods, nil
}

// installUnit stages one unit next to its final location and renames it into
// place as the last step, after backing up any version it replaces.
func (i *Installer) installUnit(archivePath string, u unit, groupID *uuid.UUID, opts Options) (*domain.Mod, []func() error, error) {
	var undo []func() error

	destName := i.destFolderName(u, archivePath, opts)
	destPath := filepath.Join(i.cfg.ModsDir(), destName)

	existing, hasExisting := i.store.ByUniqueID(u.manifest.UniqueID)
	if hasExisting {
		if existing.Version == u.manifest.Version && !opts.ConfirmedReinstall {
			return nil, undo, fmt.Errorf("%s %s: %w", u.manifest.Name, u.manifest.Version, ErrReinstallRequired)
		}

		// Backup is unconditional; only the confirmation prompt is not.
		backupPath, err := i.backupExisting(existing)
		if err != nil {
			return nil, undo, fmt.Errorf("backup %s: %w", existing.Name, err)
		}
		oldPath := existing.Path
		undo = append(undo, func() error { return i.fs.Rename(backupPath, oldPath) })
		destPath = filepath.Join(filepath.Dir(oldPath), destName)
	} else {
		destPath = i.uniquePath(destPath)
	}

	stagingPath := filepath.Join(i.cfg.ModsDir(), stagingPrefix+destName+"-"+uuid.New().String()[:8])
	if err := i.copyTree(u.root, stagingPath); err != nil {
		_ = i.fs.RemoveAll(stagingPath)
		return nil, undo, err
	}
	undo = append(undo, func() error { return i.fs.RemoveAll(stagingPath) })

	if opts.Source == domain.SourceNexus {
		if err := registry.WriteNexusMeta(i.fs, stagingPath, opts.NexusModID, opts.NexusFileID); err != nil {
			return nil, undo, fmt.Errorf("write nexus metadata: %w", err)
		}
	}

	if err := i.withLockedRetry(func() error { return i.fs.Rename(stagingPath, destPath) }); err != nil {
		return nil, undo, fmt.Errorf("move %s into place: %w", destName, err)
	}
	// The rename replaced the staging cleanup with a destination cleanup.
	undo[len(undo)-1] = func() error { return i.fs.RemoveAll(destPath) }

	mod := &domain.Mod{
		ID:               uuid.New(),
		Name:             u.manifest.Name,
		Author:           u.manifest.Author,
		Version:          u.manifest.Version,
		UniqueID:         u.manifest.UniqueID,
		Description:      u.manifest.Description,
		Path:             destPath,
		IsEnabled:        true,
		GroupID:          groupID,
		InstallSource:    opts.Source,
		OriginDownloadID: opts.OriginDownloadID,
		NexusModID:       opts.NexusModID,
		NexusFileID:      opts.NexusFileID,
		InstalledAt:      time.Now(),
	}
	if hasExisting {
		mod.ID = existing.ID
		if existing.GroupID != nil {
			mod.GroupID = existing.GroupID
		}
	}

	i.logger.Info("mod installed",
		"name", mod.Name,
		"version", mod.Version,
		"unique_id", mod.UniqueID,
		"path", mod.Path,
		"replaced_existing", hasExisting,
	)
	return mod, undo, nil
}

// backupExisting moves the installed folder into a timestamped backup
// location. Moving rather than copying makes the undo a single rename.
func (i *Installer) backupExisting(existing *domain.Mod) (string, error) {
	backupDir := filepath.Join(i.cfg.BackupDir, existing.UniqueID)
	if err := i.fs.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}

	backupPath := filepath.Join(backupDir, fmt.Sprintf("%d", time.Now().Unix()))
	if err := i.withLockedRetry(func() error { return i.fs.Rename(existing.Path, backupPath) }); err != nil {
		return "", err
	}

	i.logger.Info("backed up existing mod", "name", existing.Name, "version", existing.Version, "backup", backupPath)
	return backupPath, nil
}

func (i *Installer) destFolderName(u unit, archivePath string, opts Options) string {
	base := filepath.Base(u.root)
	if strings.HasPrefix(base, extractPrefix) {
		// Manifest sat at the extraction root; the folder name carries no
		// meaning, fall back to the mod name or the archive file stem.
		if opts.ModName != "" {
			return opts.ModName
		}
		stem := filepath.Base(archivePath)
		return strings.TrimSuffix(stem, filepath.Ext(stem))
	}
	return base
}

// uniquePath appends " (N)" until the path no longer collides with an
// untracked folder.
func (i *Installer) uniquePath(path string) string {
	exists, _ := afero.DirExists(i.fs, path)
	if !exists {
		return path
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", path, n)
		exists, _ := afero.DirExists(i.fs, candidate)
		if !exists {
			return candidate
		}
	}
}

func (i *Installer) preflightDiskSpace(extractDir string) error {
	var needed int64
	_ = afero.Walk(i.fs, extractDir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() {
			needed += info.Size()
		}
		return nil
	})

	free, err := i.freeSpace(i.cfg.GamePath)
	if err != nil {
		// A failing probe must not block installation; copy errors will
		// still surface disk-full.
		i.logger.Warn("free space probe failed", "error", err)
		return nil
	}

	if uint64(needed) > free {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrDiskFull, needed, free)
	}
	return nil
}

func (i *Installer) copyTree(src, dst string) error {
	return afero.Walk(i.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return i.fs.MkdirAll(target, 0o755)
		}

		return i.withLockedRetry(func() error {
			data, err := afero.ReadFile(i.fs, path)
			if err != nil {
				return err
			}
			return afero.WriteFile(i.fs, target, data, 0o644)
		})
	})
}

// withLockedRetry retries fn on permission and locked-file errors a bounded
// number of times. Disk-full is never retried.
func (i *Installer) withLockedRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < lockedRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		time.Sleep(lockedRetryDelay)
	}
	return err
}

func isRetryable(err error) bool {
	if os.IsPermission(err) {
		return true
	}
	var errno interface{ Timeout() bool }
	if errors.As(err, &errno) && errno.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrPermission)
}

// SweepStale removes leftovers from a previous run that crashed mid-install:
// extraction directories under TempDir and staging copies under the Mods
// directory. A staging copy already carries a manifest, so it must go before
// the registry scans the Mods directory. Called once at startup.
func (i *Installer) SweepStale() {
	i.sweepPrefixed(i.cfg.TempDir, extractPrefix)
	i.sweepPrefixed(i.cfg.ModsDir(), stagingPrefix)
}

func (i *Installer) sweepPrefixed(dir, prefix string) {
	entries, err := afero.ReadDir(i.fs, dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			path := filepath.Join(dir, entry.Name())
			if err := i.fs.RemoveAll(path); err != nil {
				i.logger.Warn("failed to sweep stale dir", "path", path, "error", err)
			} else {
				i.logger.Info("swept stale dir", "path", path)
			}
		}
	}
}
