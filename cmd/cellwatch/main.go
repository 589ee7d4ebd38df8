// cmd/cellwatch/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/cellwatch/internal/alerts"
	"github.com/signalnine/cellwatch/internal/cache"
	"github.com/signalnine/cellwatch/internal/config"
	"github.com/signalnine/cellwatch/internal/device"
)

var version = "dev"

var (
	cfgFile   string
	deviceURL string
	jsonOut   bool

	cfg    *config.ClientConfig
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "cellwatch",
	Short:         "Monitor a cellular sensing device for attack alerts",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if deviceURL != "" {
			cfg.DeviceURL = deviceURL
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.Level(),
		}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&deviceURL, "device", "", "device URL, overrides config")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(gpsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(simulateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newClient builds a device client from the loaded config
func newClient() (*device.Client, error) {
	return device.New(device.Config{
		BaseURL:   cfg.DeviceURL,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.RateLimit,
		UserAgent: "cellwatch/" + version,
		Logger:    logger,
	})
}

// openReportCache connects the Redis report cache, or returns nil when none
// is configured. The returned func releases the connection.
func openReportCache(ctx context.Context, client *device.Client) (*cache.Reports, func(), error) {
	if cfg.ReportCache.RedisURL == "" {
		return nil, func() {}, nil
	}

	store, err := cache.New(ctx, cfg.ReportCache.RedisURL, logger)
	if err != nil {
		return nil, nil, err
	}
	reports := cache.NewReports(client, store, cache.ReportsConfig{
		TTL:       cfg.ReportCache.TTL,
		Namespace: client.BaseURL(),
		Logger:    logger,
	})
	return reports, func() { store.Close() }, nil
}

// reportSource returns the source the aggregator reads from, with the
// report cache in front when one is configured.
func reportSource(ctx context.Context, client *device.Client) (alerts.Source, func(), error) {
	reports, release, err := openReportCache(ctx, client)
	if err != nil {
		return nil, nil, err
	}
	if reports == nil {
		return client, release, nil
	}
	return reports, release, nil
}

// forgetReports drops cached reports whose recordings were re-analyzed or
// deleted on the device. A nil cache is a no-op.
func forgetReports(ctx context.Context, reports *cache.Reports, ids ...string) {
	if reports == nil {
		return
	}
	for _, id := range ids {
		if err := reports.Invalidate(ctx, id); err != nil {
			slog.Warn("report cache invalidate failed", "recording", id, "error", err)
		}
	}
}

func newAggregator(source alerts.Source) *alerts.Aggregator {
	return alerts.New(source, alerts.Config{
		Concurrency:  cfg.Concurrency,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       logger,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
