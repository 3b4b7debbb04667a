package nxm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidURLWithAllParams(t *testing.T) {
	raw := "nxm://stardewvalley/mods/2400/files/9567?key=abc123&expires=1735344000&user_id=12345"

	req, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "stardewvalley", req.Game)
	assert.Equal(t, uint32(2400), req.ModID)
	assert.Equal(t, uint32(9567), req.FileID)
	assert.Equal(t, "abc123", req.Key)
	assert.Equal(t, int64(1735344000), req.Expires)
	assert.Equal(t, uint32(12345), req.UserID)
}

func TestParse_ValidURLWithoutExpiry(t *testing.T) {
	req, err := Parse("nxm://stardewvalley/mods/2400/files/9567?key=abc123")
	require.NoError(t, err)

	assert.Zero(t, req.Expires)
	assert.False(t, req.IsExpired(time.Now()))
}

func TestParse_RejectsWrongScheme(t *testing.T) {
	_, err := Parse("https://stardewvalley/mods/2400/files/9567?key=abc")
	assert.ErrorIs(t, err, ErrInvalidScheme)
}

func TestParse_RejectsWrongGame(t *testing.T) {
	_, err := Parse("nxm://skyrim/mods/1234/files/5678?key=test")
	require.Error(t, err)

	var unsupported *UnsupportedGameError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "skyrim", unsupported.Game)
}

func TestParse_RejectsMissingKey(t *testing.T) {
	_, err := Parse("nxm://stardewvalley/mods/2400/files/9567")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = Parse("nxm://stardewvalley/mods/2400/files/9567?key=")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestParse_RejectsInvalidIdentifiers(t *testing.T) {
	_, err := Parse("nxm://stardewvalley/mods/abc/files/9567?key=test")
	assert.ErrorIs(t, err, ErrInvalidModID)

	_, err = Parse("nxm://stardewvalley/mods/-5/files/9567?key=test")
	assert.ErrorIs(t, err, ErrInvalidModID)

	_, err = Parse("nxm://stardewvalley/mods/0/files/9567?key=test")
	assert.ErrorIs(t, err, ErrInvalidModID)

	_, err = Parse("nxm://stardewvalley/mods/2400/files/xyz?key=test")
	assert.ErrorIs(t, err, ErrInvalidFileID)
}

func TestParse_RejectsMalformedPath(t *testing.T) {
	for _, raw := range []string{
		"nxm://stardewvalley/mods/2400?key=test",
		"nxm://stardewvalley/files/9567/mods/2400?key=test",
		"nxm://stardewvalley?key=test",
	} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrInvalidFormat, "url %q", raw)
	}
}

func TestRequest_Expiry(t *testing.T) {
	req, err := Parse("nxm://stardewvalley/mods/2400/files/9567?key=test&expires=946684800")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, req.IsExpired(now))
	assert.ErrorIs(t, req.Validate(now), ErrExpired)

	before := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, req.IsExpired(before))
	assert.NoError(t, req.Validate(before))
}
