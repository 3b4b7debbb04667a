package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/nxmd/nxmd/internal/nxm"
)

// DownloadStatus represents the current state of a DownloadTask.
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusCancelled   DownloadStatus = "cancelled"
)

// Terminal reports whether a task in this status can no longer transition on
// its own. Failed tasks may still re-enter the queue through an explicit retry.
func (s DownloadStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DownloadTask is one queued or transferred archive download. Tasks are owned
// exclusively by the queue manager and mutated only through its API.
type DownloadTask struct {
	ID              uuid.UUID      `json:"id"`
	Request         nxm.Request    `json:"request"`
	ModName         string         `json:"mod_name,omitempty"`
	FileName        string         `json:"file_name"`
	Status          DownloadStatus `json:"status"`
	Error           string         `json:"error,omitempty"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	BytesTotal      int64          `json:"bytes_total,omitempty"`
	FilePath        string         `json:"file_path,omitempty"`
	Retries         int            `json:"retries"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Progress is a point-in-time transfer report for one task.
type Progress struct {
	DownloadID      uuid.UUID `json:"download_id"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	BytesTotal      int64     `json:"bytes_total,omitempty"`
	SpeedBps        int64     `json:"speed_bps"`
	ETASeconds      int64     `json:"eta_seconds,omitempty"`
	Percent         float64   `json:"percent"`
}
