package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/ritual/internal/types"
)

var (
	logNote string
	logMood string
)

var logCmd = &cobra.Command{
	Use:   "log <morning|evening|weekly-start|weekly-review>",
	Short: "Record a ritual completion",
	Long:  "Record a completion for the current day (or ISO week for weekly rituals). The write lands locally first and syncs in the background.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func init() {
	logCmd.Flags().StringVar(&logNote, "note", "", "Free-form note to attach")
	logCmd.Flags().StringVar(&logMood, "mood", "", "Mood to attach")
}

func runLog(cmd *cobra.Command, args []string) error {
	ritual := types.RitualType(args[0])
	if !ritual.Valid() {
		return fmt.Errorf("unknown ritual type %q", args[0])
	}

	c, err := newTrackerClient(false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer c.Shutdown(ctx)

	var payload json.RawMessage
	if logNote != "" || logMood != "" {
		body := map[string]string{}
		if logNote != "" {
			body["note"] = logNote
		}
		if logMood != "" {
			body["mood"] = logMood
		}
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = data
	}

	completion, err := c.Complete(ctx, ritual, payload)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ %s logged for %s\n", completion.RitualType, completion.DateKey)

	if cfg.Remote.URL != "" {
		if err := c.SyncNow(ctx); err != nil {
			yellow := color.New(color.FgYellow)
			yellow.Printf("⚠ sync pending: %v\n", err)
		}
	}
	if size, err := c.QueueSize(ctx); err == nil && size > 0 {
		fmt.Printf("%d change(s) queued for sync\n", size)
	}
	return nil
}
