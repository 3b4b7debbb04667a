package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	api "github.com/nxmd/nxmd/internal/api/http"
	"github.com/nxmd/nxmd/internal/config"
	"github.com/nxmd/nxmd/internal/domain"
	"github.com/nxmd/nxmd/internal/events"
	"github.com/nxmd/nxmd/internal/installer"
	"github.com/nxmd/nxmd/internal/queue"
	"github.com/nxmd/nxmd/internal/reconciler"
	"github.com/nxmd/nxmd/internal/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon and its control API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	config.SetupLogger(cfg)
	logger := slog.Default()
	logger.Info("configuration loaded", "game_path", cfg.GamePath, "listen_addr", cfg.ListenAddr)

	fs := afero.NewOsFs()
	bus := events.NewBus(logger)

	store, err := registry.NewStore(fs, cfg.RegistryStateFile(), logger)
	if err != nil {
		return fmt.Errorf("opening mod registry: %w", err)
	}

	inst := installer.New(fs, cfg, store, bus, logger)
	inst.SweepStale()
	seedRegistry(fs, cfg, store, logger)

	operator := registry.NewOperator(fs, store, cfg.TrashDir, bus, logger)

	queueMgr, err := queue.NewManager(fs, cfg, bus, logger)
	if err != nil {
		return fmt.Errorf("opening download queue: %w", err)
	}
	queueMgr.OnCompleted = autoInstall(cfg, inst, bus, logger)

	rec := reconciler.New(fs, store, bus, logger)

	router := api.NewRouter(queueMgr, store, operator, inst, rec, logger)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.HTTPTimeout,
		WriteTimeout: cfg.HTTPTimeout,
		IdleTimeout:  cfg.HTTPTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queueMgr.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		queueMgr.Close()
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// In-flight transfers see the cancelled context and demote themselves to
	// paused before the snapshot is written.
	queueMgr.Close()
	bus.Close()
	logger.Info("daemon stopped gracefully")
	return nil
}

// seedRegistry fills an empty registry by scanning the Mods directory. This
// covers both the first run and recovery after a corrupt snapshot was moved
// aside.
func seedRegistry(fs afero.Fs, cfg *config.Config, store *registry.Store, logger *slog.Logger) {
	if len(store.List()) > 0 {
		return
	}
	mods := registry.ScanMods(fs, cfg.ModsDir(), logger)
	if len(mods) == 0 {
		return
	}
	if err := store.AddAll(mods); err != nil {
		logger.Error("failed to seed registry from mods directory", "error", err)
		return
	}
	logger.Info("seeded registry from mods directory", "mods", len(mods))
}

// autoInstall is the queue completion hook. Depending on configuration it
// either installs the finished archive right away or asks the UI layer for
// confirmation first.
func autoInstall(cfg *config.Config, inst *installer.Installer, bus *events.Bus, logger *slog.Logger) func(domain.DownloadTask) {
	return func(task domain.DownloadTask) {
		if !cfg.AutoInstall {
			logger.Info("auto-install disabled, archive kept in download directory",
				"download_id", task.ID, "file", task.FileName)
			return
		}
		if cfg.ConfirmBeforeInstall {
			bus.Publish(domain.EventConfirmRequired, task)
			return
		}

		_, err := inst.InstallArchive(context.Background(), task.FilePath, installer.Options{
			Source:           domain.SourceNexus,
			OriginDownloadID: &task.ID,
			NexusModID:       task.Request.ModID,
			NexusFileID:      task.Request.FileID,
			ModName:          task.ModName,
		})
		if err != nil {
			// The installer has already published the failure event.
			logger.Error("auto-install failed", "download_id", task.ID, "error", err)
		}
	}
}
