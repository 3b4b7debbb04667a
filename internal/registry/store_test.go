package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxmd/nxmd/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMod(name, uniqueID, path string) *domain.Mod {
	return &domain.Mod{
		ID:            uuid.New(),
		Name:          name,
		Author:        "Author",
		Version:       "1.0.0",
		UniqueID:      uniqueID,
		Path:          path,
		IsEnabled:     true,
		InstallSource: domain.SourceManual,
		InstalledAt:   time.Now(),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()

	store, err := NewStore(fs, "/state/registry.json", newTestLogger())
	require.NoError(t, err)

	mod := testMod("Example Mod", "Author.ExampleMod", "/game/Mods/ExampleMod")
	require.NoError(t, store.Add(mod))

	reloaded, err := NewStore(fs, "/state/registry.json", newTestLogger())
	require.NoError(t, err)

	got, ok := reloaded.Get(mod.ID)
	require.True(t, ok)
	assert.Equal(t, mod.UniqueID, got.UniqueID)
	assert.Equal(t, mod.Path, got.Path)
	assert.True(t, got.IsEnabled)
}

func TestStore_CorruptSnapshotRenamedAndRebuiltEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/registry.json", []byte("{not json"), 0o644))

	store, err := NewStore(fs, "/state/registry.json", newTestLogger())
	require.NoError(t, err)
	assert.Empty(t, store.List())

	infos, err := afero.ReadDir(fs, "/state")
	require.NoError(t, err)
	found := false
	for _, info := range infos {
		if len(info.Name()) > len("registry.json") {
			found = true
		}
	}
	assert.True(t, found, "corrupt snapshot should be renamed aside")
}

func TestStore_ByUniqueIDAndMembersOf(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewStore(fs, "/state/registry.json", newTestLogger())
	require.NoError(t, err)

	groupID := uuid.New()
	a := testMod("A", "X.A", "/mods/A")
	b := testMod("B", "X.B", "/mods/B")
	a.GroupID = &groupID
	b.GroupID = &groupID
	c := testMod("C", "X.C", "/mods/C")

	require.NoError(t, store.AddAll([]*domain.Mod{a, b, c}))

	got, ok := store.ByUniqueID("X.B")
	require.True(t, ok)
	assert.Equal(t, "B", got.Name)

	members := store.MembersOf(groupID)
	require.Len(t, members, 2)
	assert.Equal(t, "A", members[0].Name)
	assert.Equal(t, "B", members[1].Name)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewStore(fs, "/state/registry.json", newTestLogger())
	require.NoError(t, err)

	mod := testMod("A", "X.A", "/mods/A")
	require.NoError(t, store.Add(mod))

	got, _ := store.Get(mod.ID)
	got.Name = "mutated"

	again, _ := store.Get(mod.ID)
	assert.Equal(t, "A", again.Name)
}

func TestScanMods_BuildsRegistryFromDisk(t *testing.T) {
	fs := afero.NewMemMapFs()
	manifest := `{"Name":"Scanned","Version":"1.2","UniqueID":"S.Mod"}`
	require.NoError(t, afero.WriteFile(fs, "/game/Mods/Scanned/manifest.json", []byte(manifest), 0o644))
	disabled := `{"Name":"Off","Version":"0.9","UniqueID":"S.Off"}`
	require.NoError(t, afero.WriteFile(fs, "/game/Mods/Off.disabled/manifest.json", []byte(disabled), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/game/Mods/notes.txt", []byte("x"), 0o644))

	mods := ScanMods(fs, "/game/Mods", newTestLogger())
	require.Len(t, mods, 2)

	byID := map[string]*domain.Mod{}
	for _, m := range mods {
		byID[m.UniqueID] = m
	}
	assert.True(t, byID["S.Mod"].IsEnabled)
	assert.False(t, byID["S.Off"].IsEnabled)
}

func TestScanMods_IgnoresDotFolders(t *testing.T) {
	fs := afero.NewMemMapFs()
	manifest := `{"Name":"Staged","Version":"1.0","UniqueID":"S.Staged"}`
	require.NoError(t, afero.WriteFile(fs, "/game/Mods/.staging-Staged-deadbeef/manifest.json", []byte(manifest), 0o644))
	kept := `{"Name":"Kept","Version":"1.0","UniqueID":"S.Kept"}`
	require.NoError(t, afero.WriteFile(fs, "/game/Mods/Kept/manifest.json", []byte(kept), 0o644))

	mods := ScanMods(fs, "/game/Mods", newTestLogger())
	require.Len(t, mods, 1)
	assert.Equal(t, "S.Kept", mods[0].UniqueID)
}

func TestScanMods_ReadsNexusSidecar(t *testing.T) {
	fs := afero.NewMemMapFs()
	manifest := `{"Name":"N","Version":"1.0","UniqueID":"N.Mod"}`
	require.NoError(t, afero.WriteFile(fs, "/game/Mods/N/manifest.json", []byte(manifest), 0o644))
	require.NoError(t, WriteNexusMeta(fs, "/game/Mods/N", 2400, 9567))

	mods := ScanMods(fs, "/game/Mods", newTestLogger())
	require.Len(t, mods, 1)
	assert.Equal(t, domain.SourceNexus, mods[0].InstallSource)
	assert.Equal(t, uint32(2400), mods[0].NexusModID)
	assert.Equal(t, uint32(9567), mods[0].NexusFileID)
}
