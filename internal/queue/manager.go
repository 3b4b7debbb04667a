// Package queue owns the download queue: admission, transfer, progress,
// retry and crash-safe persistence. Tasks are mutated only through the
// Manager's API and every status transition is snapshotted to disk.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/nxmd/nxmd/internal/config"
	"github.com/nxmd/nxmd/internal/domain"
	"github.com/nxmd/nxmd/internal/events"
	"github.com/nxmd/nxmd/internal/metrics"
	"github.com/nxmd/nxmd/internal/nxm"
)

// attempt identifies one admitted transfer of a task. Pause, cancel and the
// transfer goroutine compare attempt identity so a finished attempt cannot
// touch state that a later resume already owns.
type attempt struct {
	cancel context.CancelFunc
}

// Manager drives the download queue. The admission semaphore bounds how many
// transfers run at once; queued tasks are admitted in FIFO order as permits
// free up.
type Manager struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*domain.DownloadTask
	order    []uuid.UUID // FIFO admission order of queued tasks
	attempts map[uuid.UUID]*attempt

	fs     afero.Fs
	cfg    *config.Config
	sem    *semaphore.Weighted
	client *http.Client
	bus    *events.Bus
	logger *slog.Logger

	// OnCompleted, when set, is invoked from the transfer goroutine after a
	// task reaches Completed. The app layer hooks the installer in here.
	OnCompleted func(task domain.DownloadTask)

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager and loads the persisted queue snapshot. Any
// task found Downloading in the snapshot is demoted to Paused: the previous
// process's transfer handle is gone and silent resumption would lie about
// liveness.
func NewManager(fs afero.Fs, cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		tasks:    make(map[uuid.UUID]*domain.DownloadTask),
		attempts: make(map[uuid.UUID]*attempt),
		fs:       fs,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.ConcurrencyLimit)),
		client:   &http.Client{Timeout: 0}, // per-transfer stall watchdog instead of a global deadline
		bus:      bus,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}

	if err := m.loadSnapshot(); err != nil {
		return nil, err
	}
	return m, nil
}

// Start launches the dispatcher. It returns immediately; Close waits for all
// transfer goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.dispatch(ctx)
	m.kick()
}

// Close waits for the dispatcher and in-flight transfers to wind down. The
// context passed to Start must be cancelled first.
func (m *Manager) Close() {
	m.wg.Wait()
}

// Enqueue accepts a parsed request into the queue. It always succeeds
// structurally; the transfer starts as soon as a permit is free.
func (m *Manager) Enqueue(req nxm.Request, modName string) uuid.UUID {
	task := &domain.DownloadTask{
		ID:        uuid.New(),
		Request:   req,
		ModName:   modName,
		FileName:  fmt.Sprintf("mod_%d_file_%d.zip", req.ModID, req.FileID),
		Status:    domain.StatusQueued,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	m.persistLocked()
	snapshot := *task
	m.mu.Unlock()

	metrics.DownloadsQueued.Inc()
	m.bus.Publish(domain.EventDownloadQueued, snapshot)
	m.logger.Info("download queued", "task_id", task.ID, "mod_id", req.ModID, "file_id", req.FileID)

	m.kick()
	return task.ID
}

// Cancel aborts a task. Queued tasks are removed without side effects; an
// in-flight transfer is aborted and its partial file deleted. Cancelling a
// terminal task is a no-op.
func (m *Manager) Cancel(id uuid.UUID) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("download %s not found", id)
	}

	switch task.Status {
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
		m.mu.Unlock()
		return nil

	case domain.StatusDownloading:
		// Mark first so the transfer goroutine sees the intent when its
		// context fires; it deletes the partial file on its way out.
		task.Status = domain.StatusCancelled
		task.UpdatedAt = time.Now()
		if att, ok := m.attempts[id]; ok {
			att.cancel()
		}
		m.persistLocked()

	default: // Queued, Paused
		task.Status = domain.StatusCancelled
		task.UpdatedAt = time.Now()
		m.removeFromOrderLocked(id)
		m.deletePartialLocked(task)
		m.persistLocked()
	}
	m.mu.Unlock()

	metrics.DownloadsCancelled.Inc()
	m.bus.Publish(domain.EventDownloadCancelled, id)
	return nil
}

// Pause suspends a running transfer, keeping its partial file so the next
// resume can continue with a Range request.
func (m *Manager) Pause(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("download %s not found", id)
	}
	if task.Status != domain.StatusDownloading {
		return fmt.Errorf("download %s is %s, only a running transfer can be paused", id, task.Status)
	}

	task.Status = domain.StatusPaused
	task.UpdatedAt = time.Now()
	if att, ok := m.attempts[id]; ok {
		att.cancel()
	}
	m.persistLocked()
	return nil
}

// Resume re-queues a paused task at the back of the FIFO.
func (m *Manager) Resume(id uuid.UUID) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("download %s not found", id)
	}
	if task.Status != domain.StatusPaused {
		m.mu.Unlock()
		return fmt.Errorf("download %s is %s, only a paused download can be resumed", id, task.Status)
	}

	task.Status = domain.StatusQueued
	task.UpdatedAt = time.Now()
	m.order = append(m.order, id)
	m.persistLocked()
	m.mu.Unlock()

	m.kick()
	return nil
}

// Retry re-queues a failed task. This is the explicit, user-driven path;
// transient errors are retried automatically during the transfer itself.
func (m *Manager) Retry(id uuid.UUID) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("download %s not found", id)
	}
	if task.Status != domain.StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("download %s is %s, only a failed download can be retried", id, task.Status)
	}

	task.Status = domain.StatusQueued
	task.Error = ""
	task.Retries = 0
	task.UpdatedAt = time.Now()
	m.order = append(m.order, id)
	m.persistLocked()
	m.mu.Unlock()

	m.kick()
	return nil
}

// Get returns a copy of one task.
func (m *Manager) Get(id uuid.UUID) (domain.DownloadTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return domain.DownloadTask{}, false
	}
	return *task, true
}

// List returns a copy of all tasks, newest first.
func (m *Manager) List() []domain.DownloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.DownloadTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ClearCompleted drops terminal tasks from the queue history.
func (m *Manager) ClearCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, task := range m.tasks {
		if task.Status.Terminal() {
			delete(m.tasks, id)
		}
	}
	m.persistLocked()
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch admits queued tasks in FIFO order as semaphore permits free up.
func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		for {
			id, ok := m.nextQueued()
			if !ok {
				break
			}
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return
			}

			taskCtx, cancel := context.WithCancel(ctx)
			att := m.admit(id, cancel)
			if att == nil {
				// Cancelled while waiting for a permit.
				cancel()
				m.sem.Release(1)
				continue
			}

			m.wg.Add(1)
			go func(id uuid.UUID, att *attempt) {
				defer m.wg.Done()
				defer m.sem.Release(1)
				defer m.kick()
				m.runTransfer(taskCtx, id, att)

				m.mu.Lock()
				if m.attempts[id] == att {
					delete(m.attempts, id)
				}
				m.mu.Unlock()
				cancel()
			}(id, att)
		}
	}
}

// nextQueued pops the oldest still-queued task ID off the FIFO.
func (m *Manager) nextQueued() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.order) > 0 {
		id := m.order[0]
		m.order = m.order[1:]
		if task, ok := m.tasks[id]; ok && task.Status == domain.StatusQueued {
			return id, true
		}
	}
	return uuid.UUID{}, false
}

// admit moves a queued task to Downloading and registers the attempt's
// cancel function in one critical section, so a pause or cancel racing the
// admission always finds the cancel it needs.
func (m *Manager) admit(id uuid.UUID, cancel context.CancelFunc) *attempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status != domain.StatusQueued {
		return nil
	}
	task.Status = domain.StatusDownloading
	task.UpdatedAt = time.Now()

	att := &attempt{cancel: cancel}
	m.attempts[id] = att
	m.persistLocked()
	return att
}

func (m *Manager) removeFromOrderLocked(id uuid.UUID) {
	for idx, queued := range m.order {
		if queued == id {
			m.order = append(m.order[:idx], m.order[idx+1:]...)
			return
		}
	}
}

func (m *Manager) deletePartialLocked(task *domain.DownloadTask) {
	if task.FilePath == "" {
		return
	}
	if err := m.fs.Remove(task.FilePath); err != nil {
		m.logger.Debug("no partial file to delete", "path", task.FilePath, "error", err)
	}
	task.FilePath = ""
	task.BytesDownloaded = 0
}

// uniqueFileName applies the collision policy: a numeric disambiguator is
// appended before the extension until the name is free in the download
// directory.
func (m *Manager) uniqueFileName(name string) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]

	for n := 1; ; n++ {
		exists, _ := afero.Exists(m.fs, filepath.Join(m.cfg.DownloadDir, candidate))
		if !exists {
			return candidate
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
}
