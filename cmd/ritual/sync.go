package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the offline queue and refresh from the remote",
	RunE:  runSync,
}

var queueJSONOutput bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List mutations waiting for delivery",
	RunE:  runQueue,
}

func init() {
	queueCmd.Flags().BoolVar(&queueJSONOutput, "json", false, "Output in JSON format")
}

func runSync(cmd *cobra.Command, args []string) error {
	c, err := newTrackerClient(false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	defer c.Shutdown(ctx)

	before, err := c.QueueSize(ctx)
	if err != nil {
		return err
	}

	if err := c.SyncNow(ctx); err != nil {
		return err
	}

	after, err := c.QueueSize(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ sync complete\n")
	fmt.Printf("delivered %d, %d still queued\n", before-after, after)
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	c, err := newTrackerClient(false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer c.Shutdown(ctx)

	pending, err := c.Pending(ctx)
	if err != nil {
		return err
	}

	if queueJSONOutput {
		return printJSON(os.Stdout, pending)
	}

	if len(pending) == 0 {
		fmt.Println("queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RITUAL\tDATE\tSTATUS\tATTEMPTS\tQUEUED AT")
	for _, m := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			m.TargetKey.RitualType,
			m.TargetKey.DateKey,
			m.Status,
			m.Attempts,
			m.CreatedAt.Local().Format(time.RFC3339),
		)
	}
	return w.Flush()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
