package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/ritual/internal/config"
	"github.com/hyperengineering/ritual/pkg/tracker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ritual",
	Short: "Ritual - local-first habit tracker",
	Long:  "Track daily and weekly rituals locally, with offline queueing and background sync to a remote log service.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded

		var handler slog.Handler
		if cfg.Log.Format == "text" {
			handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})
		} else {
			handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})
		}
		slog.SetDefault(slog.New(handler))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newTrackerClient builds a tracker client from the loaded configuration.
// Commands that finish in one shot leave AutoSync off and sync explicitly.
func newTrackerClient(autoSync bool) (*tracker.Client, error) {
	c, err := tracker.New(tracker.Config{
		LocalPath:         cfg.Database.Path,
		RemoteURL:         cfg.Remote.URL,
		APIKey:            cfg.Remote.APIKey,
		UserID:            cfg.Remote.UserID,
		AutoSync:          autoSync,
		SyncInterval:      time.Duration(cfg.Sync.Interval),
		EveningCutoffHour: cfg.Schedule.EveningCutoffHour,
		LookbackDays:      cfg.Streak.LookbackDays,
		Milestones:        cfg.Streak.Milestones,
		MaxAttempts:       cfg.Sync.MaxAttempts,
		InitialBackoff:    time.Duration(cfg.Sync.InitialBackoff),
		MaxBackoff:        time.Duration(cfg.Sync.MaxBackoff),
	})
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(); err != nil {
		return nil, err
	}
	if c.Degraded() {
		slog.Warn("running without durable storage; queued work will not survive restart")
	}
	return c, nil
}
