// Package registry tracks installed mods and applies atomic multi-mod
// operations to them. The Store is the single serialization point for every
// writer: installer, group operator, reconciler and API reads all go through
// it.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/nxmd/nxmd/internal/domain"
)

// DisabledSuffix marks a disabled mod by folder name. Enable/disable is a
// rename, which keeps the operation reversible.
const DisabledSuffix = ".disabled"

// Store holds the in-memory registry of installed mods, persisted as an
// atomically replaced JSON snapshot.
type Store struct {
	mu        sync.RWMutex
	fs        afero.Fs
	stateFile string
	mods      map[uuid.UUID]*domain.Mod
	logger    *slog.Logger
}

// NewStore creates a Store and loads the snapshot from stateFile. A missing
// file yields an empty registry; a corrupt file is renamed aside and the
// registry starts empty so it can be rebuilt from disk truth.
func NewStore(fs afero.Fs, stateFile string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		fs:        fs,
		stateFile: stateFile,
		mods:      make(map[uuid.UUID]*domain.Mod),
		logger:    logger,
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := afero.ReadFile(s.fs, s.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("registry snapshot absent, starting empty", "file", s.stateFile)
			return nil
		}
		return fmt.Errorf("read registry snapshot: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var mods []*domain.Mod
	if err := json.Unmarshal(data, &mods); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", s.stateFile, time.Now().Unix())
		if renameErr := s.fs.Rename(s.stateFile, backup); renameErr != nil {
			s.logger.Error("failed to set corrupt registry snapshot aside", "error", renameErr)
		}
		s.logger.Warn("registry snapshot corrupt, starting empty", "backup", backup, "error", err)
		return nil
	}

	for _, mod := range mods {
		s.mods[mod.ID] = mod
	}
	s.logger.Info("registry loaded", "mods", len(mods), "file", s.stateFile)
	return nil
}

// persistLocked writes the snapshot via temp-then-rename. Callers must hold
// the write lock.
func (s *Store) persistLocked() error {
	mods := make([]*domain.Mod, 0, len(s.mods))
	for _, mod := range s.mods {
		mods = append(mods, mod)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].UniqueID < mods[j].UniqueID })

	data, err := json.MarshalIndent(mods, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp := s.stateFile + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.stateFile); err != nil {
		return fmt.Errorf("replace registry snapshot: %w", err)
	}
	return nil
}

// Add registers a mod and persists the snapshot.
func (s *Store) Add(mod *domain.Mod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mods[mod.ID] = mod
	return s.persistLocked()
}

// AddAll registers several mods in one snapshot write.
func (s *Store) AddAll(mods []*domain.Mod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mod := range mods {
		s.mods[mod.ID] = mod
	}
	return s.persistLocked()
}

// Remove drops a mod from the registry. Unknown IDs are a no-op.
func (s *Store) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mods[id]; !ok {
		return nil
	}
	delete(s.mods, id)
	return s.persistLocked()
}

// RemoveAll drops several mods in one snapshot write.
func (s *Store) RemoveAll(ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.mods, id)
	}
	return s.persistLocked()
}

// Get returns a copy of the mod with the given ID.
func (s *Store) Get(id uuid.UUID) (*domain.Mod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mod, ok := s.mods[id]
	if !ok {
		return nil, false
	}
	copied := *mod
	return &copied, true
}

// ByUniqueID returns the installed mod with the given manifest identity.
func (s *Store) ByUniqueID(uniqueID string) (*domain.Mod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, mod := range s.mods {
		if mod.UniqueID == uniqueID {
			copied := *mod
			return &copied, true
		}
	}
	return nil, false
}

// ByPath returns the mod installed at the given folder path.
func (s *Store) ByPath(path string) (*domain.Mod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, mod := range s.mods {
		if mod.Path == path {
			copied := *mod
			return &copied, true
		}
	}
	return nil, false
}

// List returns a stable-ordered snapshot of all installed mods.
func (s *Store) List() []*domain.Mod {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mods := make([]*domain.Mod, 0, len(s.mods))
	for _, mod := range s.mods {
		copied := *mod
		mods = append(mods, &copied)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
	return mods
}

// MembersOf returns all mods sharing a group, the derived group view.
func (s *Store) MembersOf(groupID uuid.UUID) []*domain.Mod {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var members []*domain.Mod
	for _, mod := range s.mods {
		if mod.GroupID != nil && *mod.GroupID == groupID {
			copied := *mod
			members = append(members, &copied)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members
}

// Update applies fn to the stored mod under the write lock and persists.
func (s *Store) Update(id uuid.UUID, fn func(*domain.Mod)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod, ok := s.mods[id]
	if !ok {
		return fmt.Errorf("mod %s not found", id)
	}
	fn(mod)
	return s.persistLocked()
}

// UpdateAll applies fn to each listed mod in one snapshot write.
func (s *Store) UpdateAll(ids []uuid.UUID, fn func(*domain.Mod)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if mod, ok := s.mods[id]; ok {
			fn(mod)
		}
	}
	return s.persistLocked()
}

// Replace swaps the whole registry content, used after a full rescan.
func (s *Store) Replace(mods []*domain.Mod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mods = make(map[uuid.UUID]*domain.Mod, len(mods))
	for _, mod := range mods {
		s.mods[mod.ID] = mod
	}
	return s.persistLocked()
}
