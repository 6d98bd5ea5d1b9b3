package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/ritual/internal/types"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's ritual gates and the current streak",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false, "Output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newTrackerClient(false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer c.Shutdown(ctx)

	now := time.Now()
	gates, err := c.Status(ctx, now)
	if err != nil {
		return err
	}
	streak, err := c.Streak(ctx)
	if err != nil {
		return err
	}
	queued, err := c.QueueSize(ctx)
	if err != nil {
		return err
	}

	if statusJSONOutput {
		return printStatusJSON(gates, streak, queued)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	faint := color.New(color.Faint)

	fmt.Printf("Rituals for %s\n\n", now.Format("Monday, 2 January 2006"))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, ritual := range types.AllRituals {
		gate := gates[ritual]
		var state string
		switch {
		case gate.IsComplete:
			state = green.Sprint("done")
		case gate.IsRequired:
			state = yellow.Sprint("due")
		case gate.IsAvailable:
			state = "open"
		default:
			state = faint.Sprint("closed")
		}
		fmt.Fprintf(w, "%s\t%s\n", ritual, state)
	}
	w.Flush()

	fmt.Println()
	fmt.Printf("Streak: %d day(s)", streak.CurrentStreak)
	if streak.IsAtRisk {
		yellow.Print("  at risk")
	}
	fmt.Println()
	fmt.Printf("Longest: %d  Next milestone: %d (%d%%)\n",
		streak.LongestStreak, streak.NextMilestone, streak.MilestoneProgress)
	if streak.SpeedOfReturn != "" {
		fmt.Printf("Return: %s\n", streak.SpeedOfReturn)
	}

	if queued > 0 {
		fmt.Printf("\n%d change(s) waiting to sync\n", queued)
	}
	return nil
}

func printStatusJSON(gates map[types.RitualType]types.Gate, streak types.StreakRecord, queued int) error {
	out := struct {
		Gates     map[types.RitualType]types.Gate `json:"gates"`
		Streak    types.StreakRecord              `json:"streak"`
		QueueSize int                             `json:"queue_size"`
	}{gates, streak, queued}
	return printJSON(os.Stdout, out)
}
