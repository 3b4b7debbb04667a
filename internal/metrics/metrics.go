package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DownloadsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_downloads_queued_total",
		Help: "Total number of downloads accepted into the queue",
	})

	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_downloads_completed_total",
		Help: "Total number of downloads completed successfully",
	})

	DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_downloads_failed_total",
		Help: "Total number of downloads that failed after all retries",
	})

	DownloadsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_downloads_cancelled_total",
		Help: "Total number of downloads cancelled by the user",
	})

	DownloadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_download_retries_total",
		Help: "Total number of automatic transfer retries",
	})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_download_bytes_total",
		Help: "Total bytes downloaded",
	})

	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nxmd_download_duration_seconds",
		Help:    "Download duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	InstallsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_installs_succeeded_total",
		Help: "Total number of mods installed successfully",
	})

	InstallsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_installs_failed_total",
		Help: "Total number of failed installations",
	})

	GroupOpsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_group_ops_succeeded_total",
		Help: "Total number of group operations committed",
	})

	GroupOpsRolledBack = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_group_ops_rolled_back_total",
		Help: "Total number of group operations rolled back",
	})

	NexusDailyRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nxmd_nexus_daily_remaining",
		Help: "Remaining daily Nexus API request allowance, from the last response",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nxmd_events_dropped_total",
		Help: "Total number of outbound events dropped by slow subscribers",
	})
)
