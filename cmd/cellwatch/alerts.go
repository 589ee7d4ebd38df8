// cmd/cellwatch/alerts.go
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/signalnine/cellwatch/internal/alerts"
	"github.com/signalnine/cellwatch/internal/protocol"
	"github.com/signalnine/cellwatch/internal/watch"
)

var alertsExitCode bool

var alertsCmd = &cobra.Command{
	Use:   "alerts [recording]",
	Short: "List recordings whose analysis found attack warnings",
	Long: "List recordings whose analysis found attack warnings. With a " +
		"recording id, print that recording's warning count instead.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient()
		if err != nil {
			return err
		}
		source, release, err := reportSource(ctx, client)
		if err != nil {
			return err
		}
		defer release()

		if len(args) == 1 {
			return recordingAlerts(ctx, newAggregator(source), args[0])
		}

		summaries, err := newAggregator(source).LatestAlerts(ctx)
		partial, isPartial := alerts.AsPartial(err)
		if err != nil && !isPartial {
			return err
		}

		if jsonOut {
			if summaries == nil {
				summaries = []protocol.AlertSummary{}
			}
			if err := printJSON(summaries); err != nil {
				return err
			}
		} else {
			printAlerts(summaries)
		}

		if isPartial {
			for _, f := range partial.Failures {
				fmt.Fprintf(os.Stderr, "warning: %s: %v\n", f.RecordingID, f.Err)
			}
			return partial
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the device and report newly active alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient()
		if err != nil {
			return err
		}
		source, release, err := reportSource(ctx, client)
		if err != nil {
			return err
		}
		defer release()

		w := watch.New(newAggregator(source), watch.Config{
			Interval:  cfg.PollInterval,
			StateFile: cfg.StateFile,
			Logger:    logger,
		})
		return w.Run(ctx)
	},
}

// recordingAlerts prints one recording's warning count. With --exit-code a
// recording that has warnings fails the command.
func recordingAlerts(ctx context.Context, agg *alerts.Aggregator, id string) error {
	if alertsExitCode {
		found, err := agg.HasAttackAlerts(ctx, id)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("recording %s has attack alerts", id)
		}
		return nil
	}

	n, err := agg.AttackAlertCount(ctx, id)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(map[string]any{"recording": id, "attack_count": n})
	}
	fmt.Printf("%s: %d %s\n", id, n, plural(n, "warning", "warnings"))
	return nil
}

func init() {
	alertsCmd.Flags().BoolVar(&alertsExitCode, "exit-code", false, "with a recording id, exit non-zero if it has warnings")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func printAlerts(summaries []protocol.AlertSummary) {
	if len(summaries) == 0 {
		fmt.Println("no attack alerts")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDING\tSTARTED\tWARNINGS\tLAST ACTIVITY")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			s.RecordingID,
			s.StartTime.Local().Format("2006-01-02 15:04:05"),
			s.AttackCount,
			humanize.Time(s.LastActivity()))
	}
	tw.Flush()
}
