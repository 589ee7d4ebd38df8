// cmd/cellwatch/simulate.go
package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/cellwatch/internal/devicesim"
	"github.com/signalnine/cellwatch/internal/protocol"
)

var (
	simAddr     string
	simFixtures string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a fake device API for demos and testing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.Simulator.ListenAddr
		if simAddr != "" {
			addr = simAddr
		}
		dir := cfg.Simulator.FixtureDir
		if simFixtures != "" {
			dir = simFixtures
		}

		var d *devicesim.Device
		if dir != "" {
			var err error
			if d, err = devicesim.LoadFixtures(dir); err != nil {
				return err
			}
		} else {
			d = demoDevice()
		}

		return devicesim.NewServer(addr, d, logger).Run(cmd.Context())
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simAddr, "listen", "", "listen address, overrides config")
	simulateCmd.Flags().StringVar(&simFixtures, "fixtures", "", "fixture directory, overrides config")
}

// demoDevice holds two finished recordings, one with warnings
func demoDevice() *devicesim.Device {
	d := devicesim.NewDevice()
	start := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)

	for i, warnings := range []int{0, 2} {
		at := start.Add(time.Duration(i) * time.Hour)
		last := at.Add(30 * time.Minute)
		d.Add(&devicesim.Recording{
			Ref: protocol.RecordingRef{
				ID:              at.Format("20060102150405"),
				StartTime:       at,
				LastMessageTime: &last,
			},
			Report: devicesim.SyntheticReport(warnings, at),
			Artifacts: map[string][]byte{
				devicesim.ArtifactQMDL: make([]byte, 4096),
			},
		})
	}
	return d
}
