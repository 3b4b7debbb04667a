// Package reconciler keeps the mod registry consistent with out-of-band
// filesystem changes. It consumes a normalized, already-debounced event
// stream from the external watcher and applies the matching registry
// mutations; racing in-app operations are serialized by the store itself.
package reconciler

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/nxmd/nxmd/internal/domain"
	"github.com/nxmd/nxmd/internal/events"
	"github.com/nxmd/nxmd/internal/registry"
)

// Kind discriminates filesystem events.
type Kind string

const (
	Added   Kind = "added"
	Removed Kind = "removed"
	Renamed Kind = "renamed"
)

// FsEvent is one normalized change under the mods directory. NewPath is set
// only for Renamed.
type FsEvent struct {
	Kind    Kind
	Path    string
	NewPath string
}

// Reconciler applies FsEvents to the registry store.
type Reconciler struct {
	fs     afero.Fs
	store  *registry.Store
	bus    *events.Bus
	logger *slog.Logger
}

func New(fs afero.Fs, store *registry.Store, bus *events.Bus, logger *slog.Logger) *Reconciler {
	return &Reconciler{fs: fs, store: store, bus: bus, logger: logger}
}

// Apply handles a single filesystem event. Errors are logged, never
// propagated: a change the reconciler cannot interpret must not stop it from
// processing the next one.
func (r *Reconciler) Apply(ev FsEvent) {
	switch ev.Kind {
	case Added:
		r.added(ev.Path)
	case Removed:
		r.removed(ev.Path)
	case Renamed:
		r.renamed(ev.Path, ev.NewPath)
	default:
		r.logger.Warn("ignoring unknown filesystem event", "kind", ev.Kind, "path", ev.Path)
	}
}

// added registers a folder dropped into the mods directory by hand. The new
// mod is standalone: group membership is established only at install time.
func (r *Reconciler) added(path string) {
	if _, ok := r.store.ByPath(path); ok {
		return
	}

	mod, err := registry.ModFromDisk(r.fs, path)
	if err != nil {
		r.logger.Debug("added folder is not an installable mod", "path", path, "error", err)
		return
	}

	if existing, ok := r.store.ByUniqueID(mod.UniqueID); ok {
		r.logger.Warn("added folder duplicates an installed mod, skipping",
			"path", path, "unique_id", mod.UniqueID, "existing_path", existing.Path)
		return
	}

	if err := r.store.Add(mod); err != nil {
		r.logger.Error("failed to register added mod", "path", path, "error", err)
		return
	}
	r.logger.Info("registered externally added mod", "name", mod.Name, "unique_id", mod.UniqueID)
	r.bus.Publish(domain.EventModInstalled, *mod)
}

// removed drops the matching registry entry. External deletion is assumed
// intentional, so there is no user-facing error when it happens.
func (r *Reconciler) removed(path string) {
	mod, ok := r.store.ByPath(path)
	if !ok {
		return
	}

	if err := r.store.Remove(mod.ID); err != nil {
		r.logger.Error("failed to deregister removed mod", "path", path, "error", err)
		return
	}
	r.logger.Info("deregistered externally removed mod", "name", mod.Name, "unique_id", mod.UniqueID)
	r.bus.Publish(domain.EventModRemoved, mod.ID)
}

// renamed distinguishes the enable/disable suffix convention from a plain
// folder rename. A suffix toggle flips enablement; anything else is a path
// update with a metadata re-parse, since the folder may have been replaced
// wholesale.
func (r *Reconciler) renamed(oldPath, newPath string) {
	mod, ok := r.store.ByPath(oldPath)
	if !ok {
		// Rename of something we never tracked; treat the destination as new.
		r.added(newPath)
		return
	}

	oldStem := strings.TrimSuffix(filepath.Base(oldPath), registry.DisabledSuffix)
	newStem := strings.TrimSuffix(filepath.Base(newPath), registry.DisabledSuffix)

	if oldStem == newStem {
		enabled := !strings.HasSuffix(filepath.Base(newPath), registry.DisabledSuffix)
		err := r.store.Update(mod.ID, func(m *domain.Mod) {
			m.Path = newPath
			m.IsEnabled = enabled
		})
		if err != nil {
			r.logger.Error("failed to record enablement toggle", "path", newPath, "error", err)
			return
		}
		r.logger.Info("recorded external enablement change",
			"name", mod.Name, "enabled", enabled)
		return
	}

	fresh, parseErr := registry.ModFromDisk(r.fs, newPath)
	err := r.store.Update(mod.ID, func(m *domain.Mod) {
		m.Path = newPath
		m.IsEnabled = !strings.HasSuffix(filepath.Base(newPath), registry.DisabledSuffix)
		if parseErr == nil {
			m.Name = fresh.Name
			m.Author = fresh.Author
			m.Version = fresh.Version
			m.UniqueID = fresh.UniqueID
			m.Description = fresh.Description
		}
	})
	if err != nil {
		r.logger.Error("failed to record folder rename", "path", newPath, "error", err)
		return
	}
	if parseErr != nil {
		r.logger.Warn("renamed folder has no readable manifest, kept previous metadata",
			"path", newPath, "error", parseErr)
	}
	r.logger.Info("recorded external folder rename", "old", oldPath, "new", newPath)
}
