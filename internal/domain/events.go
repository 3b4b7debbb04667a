package domain

import "github.com/google/uuid"

// EventType identifies an outbound notification from the core to the UI
// layer. The core never depends on anyone consuming these.
type EventType string

const (
	EventDownloadQueued    EventType = "download.queued"
	EventDownloadProgress  EventType = "download.progress"
	EventDownloadCompleted EventType = "download.completed"
	EventDownloadFailed    EventType = "download.failed"
	EventDownloadCancelled EventType = "download.cancelled"
	EventModInstalled      EventType = "mod.installed"
	EventInstallFailed     EventType = "install.failed"
	EventConfirmRequired   EventType = "install.confirm_required"
	EventGroupOpResult     EventType = "group.result"
	EventModRemoved        EventType = "mod.removed"
)

// Event is one outbound notification. Payload is one of the domain types
// (DownloadTask, Progress, Mod, GroupOpResult, ...) depending on Type.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// GroupOpResult reports the outcome of an atomic multi-mod operation.
type GroupOpResult struct {
	GroupID   uuid.UUID `json:"group_id"`
	Operation string    `json:"operation"`
	Succeeded bool      `json:"succeeded"`
	Failures  []string  `json:"failures,omitempty"`
}
