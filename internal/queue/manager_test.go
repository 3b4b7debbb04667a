package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxmd/nxmd/internal/config"
	"github.com/nxmd/nxmd/internal/domain"
	"github.com/nxmd/nxmd/internal/events"
	"github.com/nxmd/nxmd/internal/nxm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(apiBase string) *config.Config {
	return &config.Config{
		GamePath:         "/game",
		DownloadDir:      "/data/downloads",
		TempDir:          "/data/tmp",
		StateDir:         "/data/state",
		NexusAPIKey:      "test-api-key",
		NexusAPIBase:     apiBase,
		ConcurrencyLimit: 3,
		DownloadTimeout:  time.Minute,
		StallTimeout:     10 * time.Second,
		MaxRetries:       3,
	}
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	for _, dir := range []string{cfg.DownloadDir, cfg.StateDir} {
		require.NoError(t, fs.MkdirAll(dir, 0o755))
	}

	bus := events.NewBus(testLogger())
	t.Cleanup(bus.Close)

	m, err := NewManager(fs, cfg, bus, testLogger())
	require.NoError(t, err)
	return m, fs
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Close()
	})
}

func testRequest(modID, fileID uint32) nxm.Request {
	return nxm.Request{
		Game:   nxm.SupportedGame,
		ModID:  modID,
		FileID: fileID,
		Key:    "download-key",
	}
}

// newNexusStub serves download_link.json responses pointing each mod/file at
// cdnURL/files/mod_<id>.zip.
func newNexusStub(t *testing.T, cdnURL string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		assert.Equal(t, "test-api-key", r.Header.Get("apikey"))
		assert.Equal(t, "download-key", r.URL.Query().Get("key"))
		assert.Contains(t, r.URL.Path, "/v1/games/stardewvalley/mods/")

		parts := strings.Split(r.URL.Path, "/")
		modID := parts[5]
		fmt.Fprintf(w, `[{"name":"CDN","URI":"%s/files/mod_%s.zip"}]`, cdnURL, modID)
	}))
}

func TestEnqueueAndComplete(t *testing.T) {
	payload := strings.Repeat("archive-bytes-", 1024)

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
	defer cdn.Close()
	nexus := newNexusStub(t, cdn.URL, nil)
	defer nexus.Close()

	m, fs := newTestManager(t, testConfig(nexus.URL))
	startManager(t, m)

	id := m.Enqueue(testRequest(2400, 9567), "Example Mod")

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	task, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, "mod_2400.zip", task.FileName)
	assert.Equal(t, int64(len(payload)), task.BytesDownloaded)
	assert.Empty(t, task.Error)

	data, err := afero.ReadFile(fs, task.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	gate := make(chan struct{})

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		select {
		case <-gate:
		case <-r.Context().Done():
		}
		io.WriteString(w, "data")
	}))
	defer cdn.Close()
	nexus := newNexusStub(t, cdn.URL, nil)
	defer nexus.Close()

	cfg := testConfig(nexus.URL)
	cfg.ConcurrencyLimit = 2
	m, _ := newTestManager(t, cfg)
	startManager(t, m)

	for i := uint32(1); i <= 4; i++ {
		m.Enqueue(testRequest(i, i*10), "")
	}

	require.Eventually(t, func() bool {
		return inFlight.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// With both permits held the other two tasks must still be queued.
	queued := 0
	for _, task := range m.List() {
		if task.Status == domain.StatusQueued {
			queued++
		}
	}
	assert.Equal(t, 2, queued)

	close(gate)

	require.Eventually(t, func() bool {
		for _, task := range m.List() {
			if task.Status != domain.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCancelDeletesPartialFile(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		flusher := w.(http.Flusher)
		chunk := strings.Repeat("x", 512)
		for {
			if _, err := io.WriteString(w, chunk); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(30 * time.Millisecond):
			}
		}
	}))
	defer cdn.Close()
	nexus := newNexusStub(t, cdn.URL, nil)
	defer nexus.Close()

	m, fs := newTestManager(t, testConfig(nexus.URL))
	startManager(t, m)

	id := m.Enqueue(testRequest(100, 200), "")

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusDownloading && task.BytesDownloaded > 0
	}, 5*time.Second, 10*time.Millisecond)

	partialPath := filepath.Join("/data/downloads", "mod_100.zip")
	require.NoError(t, m.Cancel(id))

	require.Eventually(t, func() bool {
		exists, _ := afero.Exists(fs, partialPath)
		return !exists
	}, 5*time.Second, 10*time.Millisecond)

	task, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, task.Status)
	assert.Empty(t, task.FilePath)
}

func TestTransientErrorIsRetried(t *testing.T) {
	var attempts atomic.Int32
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "eventually-fine")
	}))
	defer cdn.Close()
	nexus := newNexusStub(t, cdn.URL, nil)
	defer nexus.Close()

	m, _ := newTestManager(t, testConfig(nexus.URL))
	startManager(t, m)

	id := m.Enqueue(testRequest(7, 8), "")

	// First attempt fails with a 500, the retry lands after one backoff.
	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusCompleted
	}, 10*time.Second, 25*time.Millisecond)

	task, _ := m.Get(id)
	assert.Equal(t, 1, task.Retries)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	nexus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer nexus.Close()

	m, _ := newTestManager(t, testConfig(nexus.URL))
	startManager(t, m)

	id := m.Enqueue(testRequest(3, 4), "")

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	task, _ := m.Get(id)
	assert.Zero(t, task.Retries)
	assert.Contains(t, task.Error, "rejected")
	assert.Equal(t, int32(1), calls.Load())
}

func TestExpiredRequestFailsWithoutAPICall(t *testing.T) {
	var calls atomic.Int32
	nexus := newNexusStub(t, "http://unused", &calls)
	defer nexus.Close()

	m, _ := newTestManager(t, testConfig(nexus.URL))
	startManager(t, m)

	req := testRequest(5, 6)
	req.Expires = time.Now().Add(-time.Hour).Unix()
	id := m.Enqueue(req, "")

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	task, _ := m.Get(id)
	assert.Contains(t, task.Error, "expired")
	assert.Zero(t, calls.Load())
}

func TestFilenameCollisionGetsDisambiguator(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fresh-copy")
	}))
	defer cdn.Close()
	nexus := newNexusStub(t, cdn.URL, nil)
	defer nexus.Close()

	m, fs := newTestManager(t, testConfig(nexus.URL))
	require.NoError(t, afero.WriteFile(fs, "/data/downloads/mod_42.zip", []byte("old"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/downloads/mod_42 (1).zip", []byte("older"), 0o644))
	startManager(t, m)

	id := m.Enqueue(testRequest(42, 1), "")

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	task, _ := m.Get(id)
	assert.Equal(t, "mod_42 (2).zip", task.FileName)

	data, err := afero.ReadFile(fs, "/data/downloads/mod_42 (2).zip")
	require.NoError(t, err)
	assert.Equal(t, "fresh-copy", string(data))
}

func TestPauseAndResumeWithRange(t *testing.T) {
	payload := strings.Repeat("0123456789", 2048) // 20 KiB
	half := len(payload) / 2
	gate := make(chan struct{})

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			offset, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
			require.NoError(t, err)
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)-offset))
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, payload[offset:])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		flusher := w.(http.Flusher)
		for sent := 0; sent < half; sent += 1024 {
			if _, err := io.WriteString(w, payload[sent:sent+1024]); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
		select {
		case <-gate:
		case <-r.Context().Done():
		}
	}))
	defer cdn.Close()
	nexus := newNexusStub(t, cdn.URL, nil)
	defer nexus.Close()

	m, fs := newTestManager(t, testConfig(nexus.URL))
	startManager(t, m)

	id := m.Enqueue(testRequest(11, 12), "")

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusDownloading && task.BytesDownloaded >= int64(half/2)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Pause(id))
	close(gate)

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusPaused
	}, 5*time.Second, 10*time.Millisecond)

	// Partial file survives a pause so the resume can pick up mid-stream.
	task, _ := m.Get(id)
	require.NotEmpty(t, task.FilePath)
	info, err := fs.Stat(task.FilePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Less(t, info.Size(), int64(len(payload)))

	require.NoError(t, m.Resume(id))

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	data, err := afero.ReadFile(fs, task.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestRetryRequeuesFailedTask(t *testing.T) {
	var nexusOK atomic.Bool
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "second-time-lucky")
	}))
	defer cdn.Close()
	nexus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !nexusOK.Load() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprintf(w, `[{"name":"CDN","URI":"%s/files/mod_9.zip"}]`, cdn.URL)
	}))
	defer nexus.Close()

	m, _ := newTestManager(t, testConfig(nexus.URL))
	startManager(t, m)

	id := m.Enqueue(testRequest(9, 9), "")

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	nexusOK.Store(true)
	require.NoError(t, m.Retry(id))

	require.Eventually(t, func() bool {
		task, ok := m.Get(id)
		return ok && task.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Only failed downloads can be retried.
	require.Error(t, m.Retry(id))
}

func TestCancelQueuedTask(t *testing.T) {
	m, _ := newTestManager(t, testConfig("http://unused"))
	// Not started: the task stays queued.
	id := m.Enqueue(testRequest(1, 2), "")

	require.NoError(t, m.Cancel(id))

	task, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, task.Status)

	// Cancelling a terminal task is a no-op.
	require.NoError(t, m.Cancel(id))
}

func TestClearCompletedKeepsActiveTasks(t *testing.T) {
	m, _ := newTestManager(t, testConfig("http://unused"))

	active := m.Enqueue(testRequest(1, 1), "")
	done := m.Enqueue(testRequest(2, 2), "")
	require.NoError(t, m.Cancel(done))

	m.ClearCompleted()

	_, ok := m.Get(done)
	assert.False(t, ok)
	_, ok = m.Get(active)
	assert.True(t, ok)
}
