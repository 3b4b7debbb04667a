// Package nxm parses and validates nxm:// protocol URLs handed to the daemon
// by the OS protocol handler.
package nxm

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Scheme is the one URL scheme the daemon accepts.
const Scheme = "nxm"

// SupportedGame is the single game domain this manager handles.
const SupportedGame = "stardewvalley"

var (
	ErrInvalidScheme = errors.New("invalid URL scheme (expected nxm://)")
	ErrInvalidFormat = errors.New("invalid nxm URL format")
	ErrInvalidModID  = errors.New("invalid mod ID")
	ErrInvalidFileID = errors.New("invalid file ID")
	ErrMissingKey    = errors.New("missing authentication key")
	ErrExpired       = errors.New("download link has expired, request a fresh one from Nexus Mods")
)

// UnsupportedGameError is returned when the URL targets another game. It is a
// distinct kind so callers can show a "wrong game" message instead of a
// generic parse failure.
type UnsupportedGameError struct {
	Game string
}

func (e *UnsupportedGameError) Error() string {
	return fmt.Sprintf("game not supported: %s", e.Game)
}

// Request is a parsed, immutable nxm:// download request.
// Format: nxm://stardewvalley/mods/{modID}/files/{fileID}?key=K&expires=T&user_id=U
type Request struct {
	Game    string `json:"game"`
	ModID   uint32 `json:"mod_id"`
	FileID  uint32 `json:"file_id"`
	Key     string `json:"key"`
	Expires int64  `json:"expires,omitempty"`
	UserID  uint32 `json:"user_id,omitempty"`
}

// Parse parses a raw nxm URL. It performs no I/O and rejects malformed input
// with the specific error kind for each failure mode.
func Parse(raw string) (Request, error) {
	var req Request

	u, err := url.Parse(raw)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	if u.Scheme != Scheme {
		return req, ErrInvalidScheme
	}

	game := u.Host
	if game == "" {
		return req, ErrInvalidFormat
	}
	if game != SupportedGame {
		return req, &UnsupportedGameError{Game: game}
	}

	segments := splitPath(u.Path)
	if len(segments) != 4 || segments[0] != "mods" || segments[2] != "files" {
		return req, ErrInvalidFormat
	}

	modID, err := strconv.ParseUint(segments[1], 10, 32)
	if err != nil || modID == 0 {
		return req, ErrInvalidModID
	}

	fileID, err := strconv.ParseUint(segments[3], 10, 32)
	if err != nil || fileID == 0 {
		return req, ErrInvalidFileID
	}

	query := u.Query()
	key := query.Get("key")
	if key == "" {
		return req, ErrMissingKey
	}

	req = Request{
		Game:   game,
		ModID:  uint32(modID),
		FileID: uint32(fileID),
		Key:    key,
	}

	if v := query.Get("expires"); v != "" {
		if expires, err := strconv.ParseInt(v, 10, 64); err == nil {
			req.Expires = expires
		}
	}
	if v := query.Get("user_id"); v != "" {
		if userID, err := strconv.ParseUint(v, 10, 32); err == nil {
			req.UserID = uint32(userID)
		}
	}

	return req, nil
}

// IsExpired reports whether the request's authorization has expired at the
// given instant. A request without an expiry never expires.
func (r Request) IsExpired(now time.Time) bool {
	if r.Expires == 0 {
		return false
	}
	return r.Expires < now.Unix()
}

// Validate checks time-dependent constraints on an already parsed request.
func (r Request) Validate(now time.Time) error {
	if r.IsExpired(now) {
		return ErrExpired
	}
	return nil
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
