package domain

import (
	"time"

	"github.com/google/uuid"
)

// InstallSource records where an installed mod came from.
type InstallSource string

const (
	SourceNexus  InstallSource = "nexus"
	SourceManual InstallSource = "manual"
)

// Manifest is the mod's own metadata descriptor (manifest.json). Name,
// Version and UniqueID are required; Author defaults when absent.
type Manifest struct {
	Name           string           `json:"Name"`
	Author         string           `json:"Author"`
	Version        string           `json:"Version"`
	UniqueID       string           `json:"UniqueID"`
	Description    string           `json:"Description,omitempty"`
	Dependencies   []ModDependency  `json:"Dependencies,omitempty"`
	ContentPackFor *ContentPackInfo `json:"ContentPackFor,omitempty"`
}

// ModDependency names another mod this one depends on.
type ModDependency struct {
	UniqueID   string `json:"UniqueID"`
	IsRequired *bool  `json:"IsRequired,omitempty"`
}

// ContentPackInfo marks a mod as a content pack for a framework mod.
type ContentPackInfo struct {
	UniqueID string `json:"UniqueID"`
}

// Mod is one installed unit tracked by the registry. UniqueID is the durable
// identity used to detect "same logical mod, different version". GroupID is
// assigned once when several mods are installed from one archive and never
// changes afterwards.
type Mod struct {
	ID               uuid.UUID     `json:"id"`
	Name             string        `json:"name"`
	Author           string        `json:"author"`
	Version          string        `json:"version"`
	UniqueID         string        `json:"unique_id"`
	Description      string        `json:"description,omitempty"`
	Path             string        `json:"path"`
	IsEnabled        bool          `json:"is_enabled"`
	GroupID          *uuid.UUID    `json:"group_id,omitempty"`
	InstallSource    InstallSource `json:"install_source"`
	OriginDownloadID *uuid.UUID    `json:"origin_download_id,omitempty"`
	NexusModID       uint32        `json:"nexus_mod_id,omitempty"`
	NexusFileID      uint32        `json:"nexus_file_id,omitempty"`
	InstalledAt      time.Time     `json:"installed_at"`
}
