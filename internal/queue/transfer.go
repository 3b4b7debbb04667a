package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nxmd/nxmd/internal/domain"
	"github.com/nxmd/nxmd/internal/metrics"
)

const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 30 * time.Second

	progressInterval = 100 * time.Millisecond
	copyBufferSize   = 32 * 1024

	apiKeyHeader       = "apikey"
	rateLimitRemaining = "X-RL-Daily-Remaining"

	osTruncFlags  = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	osAppendFlags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
)

// errorKind classifies transfer failures for the retry policy.
type errorKind int

const (
	// errTransient covers network hiccups, stalls and 5xx responses; these
	// are retried automatically with exponential backoff.
	errTransient errorKind = iota
	// errAuth covers rejected or expired credentials; retrying cannot help.
	errAuth
	// errFatal covers everything else that will not improve on retry.
	errFatal
)

type transferError struct {
	kind errorKind
	err  error
}

func (e *transferError) Error() string { return e.err.Error() }
func (e *transferError) Unwrap() error { return e.err }

func transient(err error) *transferError { return &transferError{kind: errTransient, err: err} }
func authErr(err error) *transferError   { return &transferError{kind: errAuth, err: err} }
func fatal(err error) *transferError     { return &transferError{kind: errFatal, err: err} }

var errStalled = errors.New("transfer stalled, no data received within the stall window")

// runTransfer performs the full transfer lifecycle for one admitted task,
// including automatic retries of transient failures. It owns the task until a
// terminal status or an external interruption (pause, cancel, shutdown).
func (m *Manager) runTransfer(ctx context.Context, id uuid.UUID, att *attempt) {
	started := time.Now()

	for {
		err := m.transferOnce(ctx, id)
		if err == nil {
			m.complete(id, att, started)
			return
		}

		if m.handleInterruption(ctx, id, att) {
			return
		}

		var terr *transferError
		if !errors.As(err, &terr) {
			terr = fatal(err)
		}

		retries := m.taskRetries(id)
		if terr.kind != errTransient || retries >= m.cfg.MaxRetries {
			m.fail(id, att, terr)
			return
		}

		delay := backoffDelay(retries)
		m.logger.Warn("transfer failed, retrying",
			"task_id", id, "attempt", retries+1, "delay", delay, "error", err)
		m.bumpRetries(id)
		metrics.DownloadRetries.Inc()

		select {
		case <-ctx.Done():
			m.handleInterruption(ctx, id, att)
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns the exponential backoff for the given attempt number,
// capped so a flaky connection does not park the permit for minutes.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << uint(attempt)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	return delay
}

// transferOnce runs a single attempt: resolve the CDN link, then stream the
// body to the download directory, resuming from any partial file.
func (m *Manager) transferOnce(ctx context.Context, id uuid.UUID) error {
	task, ok := m.Get(id)
	if !ok {
		return fatal(fmt.Errorf("download %s disappeared from the queue", id))
	}

	if task.Request.IsExpired(time.Now()) {
		return authErr(fmt.Errorf("download link for mod %d expired, request a fresh one from the site", task.Request.ModID))
	}

	link, err := m.resolveDownloadLink(ctx, &task)
	if err != nil {
		return err
	}

	return m.streamToFile(ctx, id, link)
}

// nexusLink is one entry of the download_link.json response.
type nexusLink struct {
	Name string `json:"name"`
	URI  string `json:"URI"`
}

// resolveDownloadLink exchanges the nxm credentials for a short-lived CDN URL
// through the Nexus REST API.
func (m *Manager) resolveDownloadLink(ctx context.Context, task *domain.DownloadTask) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/games/%s/mods/%d/files/%d/download_link.json",
		m.cfg.NexusAPIBase, task.Request.Game, task.Request.ModID, task.Request.FileID)

	query := url.Values{}
	query.Set("key", task.Request.Key)
	if task.Request.Expires > 0 {
		query.Set("expires", strconv.FormatInt(task.Request.Expires, 10))
	}
	if task.Request.UserID > 0 {
		query.Set("user_id", strconv.FormatUint(uint64(task.Request.UserID), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", fatal(fmt.Errorf("building link request: %w", err))
	}
	req.Header.Set(apiKeyHeader, m.cfg.NexusAPIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", transient(fmt.Errorf("requesting download link: %w", err))
	}
	defer resp.Body.Close()

	if remaining, err := strconv.ParseFloat(resp.Header.Get(rateLimitRemaining), 64); err == nil {
		metrics.NexusDailyRemaining.Set(remaining)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", authErr(fmt.Errorf("nexus rejected the request: %s", resp.Status))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", transient(fmt.Errorf("nexus link endpoint returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return "", fatal(fmt.Errorf("nexus link endpoint returned %s", resp.Status))
	}

	var links []nexusLink
	if err := json.NewDecoder(resp.Body).Decode(&links); err != nil {
		return "", transient(fmt.Errorf("decoding download links: %w", err))
	}
	if len(links) == 0 || links[0].URI == "" {
		return "", fatal(errors.New("nexus returned no download locations for this file"))
	}
	return links[0].URI, nil
}

// streamToFile downloads the body into the task's file, resuming with a Range
// request when a partial file from a previous attempt exists. A watchdog
// aborts the attempt when no bytes arrive within the stall window.
func (m *Manager) streamToFile(ctx context.Context, id uuid.UUID, link string) error {
	path, offset, err := m.prepareFile(id, link)
	if err != nil {
		return fatal(err)
	}

	attemptCtx, cancelAttempt := context.WithTimeout(ctx, m.cfg.DownloadTimeout)
	defer cancelAttempt()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, link, nil)
	if err != nil {
		return fatal(fmt.Errorf("building download request: %w", err))
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return transient(fmt.Errorf("starting transfer: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Resuming where the previous attempt stopped.
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Server ignored the Range header; start over.
			offset = 0
			m.setBytes(id, 0)
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transient(fmt.Errorf("cdn returned %s", resp.Status))
	default:
		return fatal(fmt.Errorf("cdn returned %s", resp.Status))
	}

	total := int64(0)
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}
	m.setTotal(id, total)

	flags := osAppendFlags
	if offset == 0 {
		flags = osTruncFlags
	}
	file, err := m.fs.OpenFile(path, flags, 0o644)
	if err != nil {
		return fatal(fmt.Errorf("opening download file: %w", err))
	}
	defer file.Close()

	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())
	var stalled atomic.Bool

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastRead.Load()))
				if idle > m.cfg.StallTimeout {
					stalled.Store(true)
					cancelAttempt()
					return
				}
			}
		}
	}()

	err = m.copyWithProgress(id, file, resp.Body, offset, total, &lastRead)
	cancelAttempt()
	<-watchdogDone

	if err != nil {
		if stalled.Load() {
			return transient(errStalled)
		}
		if ctx.Err() != nil {
			// Pause, cancel or shutdown; the caller sorts out which.
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return transient(fmt.Errorf("transfer exceeded the %s download timeout", m.cfg.DownloadTimeout))
		}
		return transient(fmt.Errorf("mid-transfer failure: %w", err))
	}
	return nil
}

// prepareFile picks (or reuses) the on-disk path for the task and returns the
// resume offset from any partial file.
func (m *Manager) prepareFile(id uuid.UUID, link string) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return "", 0, fmt.Errorf("download %s disappeared from the queue", id)
	}

	if task.FilePath == "" {
		if name := remoteFileName(link); name != "" {
			task.FileName = name
		}
		task.FileName = m.uniqueFileName(task.FileName)
		task.FilePath = filepath.Join(m.cfg.DownloadDir, task.FileName)
		m.persistLocked()
		return task.FilePath, 0, nil
	}

	info, err := m.fs.Stat(task.FilePath)
	if err != nil {
		task.BytesDownloaded = 0
		return task.FilePath, 0, nil
	}
	task.BytesDownloaded = info.Size()
	return task.FilePath, info.Size(), nil
}

// remoteFileName extracts a human-readable archive name from the CDN URL.
func remoteFileName(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return ""
	}
	name := filepath.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return ""
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

// copyWithProgress streams body into file, updating the task and emitting a
// rate-limited progress event with a sliding-window speed estimate.
func (m *Manager) copyWithProgress(id uuid.UUID, file io.Writer, body io.Reader, offset, total int64, lastRead *atomic.Int64) error {
	buf := make([]byte, copyBufferSize)
	downloaded := offset

	lastEmit := time.Now()
	windowStart := lastEmit
	windowBytes := int64(0)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			lastRead.Store(time.Now().UnixNano())
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing download file: %w", err)
			}
			downloaded += int64(n)
			windowBytes += int64(n)
			metrics.DownloadBytes.Add(float64(n))

			if now := time.Now(); now.Sub(lastEmit) >= progressInterval {
				m.emitProgress(id, downloaded, total, windowBytes, now.Sub(windowStart))
				lastEmit = now
				windowStart = now
				windowBytes = 0
			}
		}
		if readErr == io.EOF {
			m.emitProgress(id, downloaded, total, windowBytes, time.Since(windowStart))
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (m *Manager) emitProgress(id uuid.UUID, downloaded, total, windowBytes int64, window time.Duration) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	task.BytesDownloaded = downloaded
	task.UpdatedAt = time.Now()
	m.mu.Unlock()

	progress := domain.Progress{
		DownloadID:      id,
		BytesDownloaded: downloaded,
		BytesTotal:      total,
	}
	if window > 0 {
		progress.SpeedBps = int64(float64(windowBytes) / window.Seconds())
	}
	if total > 0 {
		progress.Percent = float64(downloaded) / float64(total) * 100
		if progress.SpeedBps > 0 {
			progress.ETASeconds = (total - downloaded) / progress.SpeedBps
		}
	}
	m.bus.Publish(domain.EventDownloadProgress, progress)
}

// handleInterruption inspects why a transfer stopped mid-flight and settles
// the task accordingly. Returns true when the transfer should not continue.
// An attempt that no longer owns the task (a resume already re-admitted it)
// backs off without touching anything.
func (m *Manager) handleInterruption(ctx context.Context, id uuid.UUID, att *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return true
	}
	if m.attempts[id] != att {
		return true
	}

	switch task.Status {
	case domain.StatusCancelled:
		m.deletePartialLocked(task)
		m.persistLocked()
		return true

	case domain.StatusPaused:
		// Partial file stays for a Range resume.
		m.persistLocked()
		return true

	case domain.StatusDownloading:
		if ctx.Err() != nil {
			// Daemon shutdown; demote so the next start resumes deliberately.
			task.Status = domain.StatusPaused
			task.UpdatedAt = time.Now()
			m.persistLocked()
			return true
		}
		return false
	}
	return true
}

func (m *Manager) complete(id uuid.UUID, att *attempt, started time.Time) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok || m.attempts[id] != att {
		m.mu.Unlock()
		return
	}
	if task.Status == domain.StatusCancelled {
		m.deletePartialLocked(task)
		m.persistLocked()
		m.mu.Unlock()
		return
	}
	task.Status = domain.StatusCompleted
	task.Error = ""
	task.UpdatedAt = time.Now()
	m.persistLocked()
	snapshot := *task
	m.mu.Unlock()

	metrics.DownloadsCompleted.Inc()
	metrics.DownloadDuration.Observe(time.Since(started).Seconds())
	m.bus.Publish(domain.EventDownloadCompleted, snapshot)
	m.logger.Info("download completed",
		"task_id", id, "file", snapshot.FileName, "bytes", snapshot.BytesDownloaded)

	if m.OnCompleted != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.OnCompleted(snapshot)
		}()
	}
}

func (m *Manager) fail(id uuid.UUID, att *attempt, terr *transferError) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok || m.attempts[id] != att {
		m.mu.Unlock()
		return
	}
	task.Status = domain.StatusFailed
	task.Error = terr.Error()
	task.UpdatedAt = time.Now()
	m.persistLocked()
	snapshot := *task
	m.mu.Unlock()

	metrics.DownloadsFailed.Inc()
	m.bus.Publish(domain.EventDownloadFailed, snapshot)
	m.logger.Error("download failed", "task_id", id, "error", terr.Error())
}

func (m *Manager) taskRetries(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[id]; ok {
		return task.Retries
	}
	return 0
}

func (m *Manager) bumpRetries(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[id]; ok {
		task.Retries++
		task.UpdatedAt = time.Now()
		m.persistLocked()
	}
}

func (m *Manager) setBytes(id uuid.UUID, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[id]; ok {
		task.BytesDownloaded = n
	}
}

func (m *Manager) setTotal(id uuid.UUID, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[id]; ok && total > 0 {
		task.BytesTotal = total
	}
}
