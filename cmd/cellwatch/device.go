// cmd/cellwatch/device.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/signalnine/cellwatch/internal/cache"
	"github.com/signalnine/cellwatch/internal/device"
	"github.com/signalnine/cellwatch/internal/protocol"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "List recordings on the device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		m, err := client.Manifest(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(m)
		}

		current, _ := m.Current()
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RECORDING\tSTARTED\tRAW LOG\tREPORT\t")
		for _, e := range m.Entries {
			mark := ""
			if e.ID == current.ID {
				mark = "(recording)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.ID,
				e.StartTime.Local().Format("2006-01-02 15:04:05"),
				humanize.Bytes(uint64(e.RawSizeBytes)),
				humanize.Bytes(uint64(e.AnalysisSizeBytes)),
				mark)
		}
		return tw.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device health and analysis queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		reader := client.ReadOnly()
		ctx := cmd.Context()

		stats, err := reader.SystemStats(ctx)
		if err != nil {
			return err
		}
		queue, err := reader.AnalysisStatus(ctx)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(map[string]any{"system": stats, "analysis": queue})
		}

		fmt.Printf("device:      %s\n", client.BaseURL())
		fmt.Printf("uptime:      %s\n", time.Duration(stats.Uptime)*time.Second)
		fmt.Printf("cpu:         %.1f%%\n", stats.CPUUsage)
		fmt.Printf("memory:      %.1f%%\n", stats.MemoryUsage)
		fmt.Printf("disk:        %.1f%%\n", stats.DiskUsage)
		fmt.Printf("temperature: %.1f°C\n", stats.Temperature)
		running := "idle"
		if queue.Running != nil {
			running = *queue.Running
		}
		fmt.Printf("analysis:    %s, %d queued, %d finished\n", running, len(queue.Queued), len(queue.Finished))
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <recording>",
	Short: "Queue a recording for (re-)analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient()
		if err != nil {
			return err
		}
		reports, release, err := openReportCache(ctx, client)
		if err != nil {
			return err
		}
		defer release()

		resp, err := analyzeRecording(ctx, client, reports, args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(resp)
		}
		fmt.Printf("%s: %s\n", resp.Status, resp.Message)
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:       "record start|stop",
	Short:     "Start or stop recording",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"start", "stop"},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		var resp *protocol.StatusResponse
		if args[0] == "start" {
			resp, err = client.StartRecording(cmd.Context())
		} else {
			resp, err = client.StopRecording(cmd.Context())
		}
		if err != nil {
			return err
		}
		return printStatus(resp)
	},
}

var deleteAll bool

var deleteCmd = &cobra.Command{
	Use:   "delete <recording> | --all",
	Short: "Delete a recording, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if deleteAll == (len(args) == 1) {
			return errors.New("give either a recording id or --all")
		}
		ctx := cmd.Context()
		client, err := newClient()
		if err != nil {
			return err
		}
		reports, release, err := openReportCache(ctx, client)
		if err != nil {
			return err
		}
		defer release()

		id := ""
		if !deleteAll {
			id = args[0]
		}
		resp, err := deleteRecordings(ctx, client, reports, id)
		if err != nil {
			return err
		}
		return printStatus(resp)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the device configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the device configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		dc, err := client.Config(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(dc)
		}
		fmt.Printf("port:              %d\n", dc.Port)
		fmt.Printf("log_level:         %s\n", dc.LogLevel)
		fmt.Printf("capture_directory: %s\n", dc.CaptureDirectory)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one device setting (port, log_level, capture_directory)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		dc, err := client.Config(ctx)
		if err != nil {
			return err
		}
		switch args[0] {
		case "port":
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("port: %w", err)
			}
			dc.Port = port
		case "log_level":
			dc.LogLevel = args[1]
		case "capture_directory":
			dc.CaptureDirectory = args[1]
		default:
			return fmt.Errorf("unknown setting %q", args[0])
		}

		resp, err := client.SetConfig(ctx, *dc)
		if err != nil {
			return err
		}
		return printStatus(resp)
	},
}

var gpsCmd = &cobra.Command{
	Use:   "gps",
	Short: "Submit or check GPS data",
}

var gpsCheckCmd = &cobra.Command{
	Use:   "check <recording>",
	Short: "Report whether the device holds GPS data for a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ok, err := client.ReadOnly().GPSAvailable(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]any{"recording": args[0], "gps_available": ok})
		}
		if ok {
			fmt.Printf("%s: GPS data available\n", args[0])
		} else {
			fmt.Printf("%s: no GPS data\n", args[0])
		}
		return nil
	},
}

var gpsSubmitCmd = &cobra.Command{
	Use:   "submit <lat> <lon>",
	Short: "Submit a GPS fix to the device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("latitude: %w", err)
		}
		lon, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("longitude: %w", err)
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		fix, err := client.SubmitGPS(cmd.Context(), lat, lon)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(fix)
		}
		fmt.Printf("recorded %.6f, %.6f\n", fix.Latitude, fix.Longitude)
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteAll, "all", false, "delete every recording")
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	gpsCmd.AddCommand(gpsSubmitCmd)
	gpsCmd.AddCommand(gpsCheckCmd)
}

// analyzeRecording queues a re-analysis and drops the cached copy of the
// old report
func analyzeRecording(ctx context.Context, client *device.Client, reports *cache.Reports, id string) (*protocol.AnalysisStatusResponse, error) {
	resp, err := client.StartAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	forgetReports(ctx, reports, id)
	return resp, nil
}

// deleteRecordings deletes one recording, or all of them when id is empty,
// then drops the cached reports of whatever was removed.
func deleteRecordings(ctx context.Context, client *device.Client, reports *cache.Reports, id string) (*protocol.StatusResponse, error) {
	if id != "" {
		resp, err := client.DeleteRecording(ctx, id)
		if err != nil {
			return nil, err
		}
		forgetReports(ctx, reports, id)
		return resp, nil
	}

	var ids []string
	if reports != nil {
		m, err := client.Manifest(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range m.Entries {
			ids = append(ids, e.ID)
		}
	}
	resp, err := client.DeleteAllRecordings(ctx)
	if err != nil {
		return nil, err
	}
	forgetReports(ctx, reports, ids...)
	return resp, nil
}

func printStatus(resp *protocol.StatusResponse) error {
	if jsonOut {
		return printJSON(resp)
	}
	if resp.Message != "" {
		fmt.Printf("%s: %s\n", resp.Status, resp.Message)
	} else {
		fmt.Println(resp.Status)
	}
	return nil
}
