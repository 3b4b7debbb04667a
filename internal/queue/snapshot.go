package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/nxmd/nxmd/internal/domain"
)

// queueSnapshot is the on-disk representation of the queue. A version field
// leaves room for migrating the format later.
type queueSnapshot struct {
	Version int                   `json:"version"`
	Tasks   []domain.DownloadTask `json:"tasks"`
}

const snapshotVersion = 1

// persistLocked writes the queue snapshot with a write-then-rename so a crash
// mid-write can never corrupt the previous snapshot. Callers hold m.mu.
func (m *Manager) persistLocked() {
	tasks := make([]domain.DownloadTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	data, err := json.MarshalIndent(queueSnapshot{Version: snapshotVersion, Tasks: tasks}, "", "  ")
	if err != nil {
		m.logger.Error("failed to marshal queue snapshot", "error", err)
		return
	}

	path := m.cfg.QueueStateFile()
	tmp := path + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, data, 0o644); err != nil {
		m.logger.Error("failed to write queue snapshot", "path", tmp, "error", err)
		return
	}
	if err := m.fs.Rename(tmp, path); err != nil {
		m.logger.Error("failed to replace queue snapshot", "path", path, "error", err)
	}
}

// loadSnapshot restores tasks from the last snapshot. Tasks left Downloading
// by a previous process are demoted to Paused since their transfers are gone;
// queued tasks re-enter the FIFO in their original order. An unreadable
// snapshot is moved aside and the queue starts empty rather than refusing to
// boot.
func (m *Manager) loadSnapshot() error {
	path := m.cfg.QueueStateFile()

	data, err := afero.ReadFile(m.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading queue snapshot: %w", err)
	}

	var snap queueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := m.fs.Rename(path, aside); renameErr != nil {
			return fmt.Errorf("moving corrupt queue snapshot aside: %w", renameErr)
		}
		m.logger.Warn("queue snapshot is corrupt, starting with an empty queue",
			"moved_to", aside, "error", err)
		return nil
	}

	demoted := 0
	for i := range snap.Tasks {
		task := snap.Tasks[i]
		if task.Status == domain.StatusDownloading {
			task.Status = domain.StatusPaused
			task.UpdatedAt = time.Now()
			demoted++
		}
		m.tasks[task.ID] = &task
		if task.Status == domain.StatusQueued {
			m.order = append(m.order, task.ID)
		}
	}
	sort.Slice(m.order, func(i, j int) bool {
		return m.tasks[m.order[i]].CreatedAt.Before(m.tasks[m.order[j]].CreatedAt)
	})

	if demoted > 0 {
		m.logger.Info("demoted interrupted downloads to paused", "count", demoted)
		m.mu.Lock()
		m.persistLocked()
		m.mu.Unlock()
	}
	if len(m.tasks) > 0 {
		m.logger.Info("restored queue snapshot", "tasks", len(m.tasks), "queued", len(m.order))
	}
	return nil
}
