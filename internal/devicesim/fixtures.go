// internal/devicesim/fixtures.go
package devicesim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/cellwatch/internal/protocol"
)

// FixtureFile is the name of the index inside a fixture directory
const FixtureFile = "device.yaml"

type fixtureIndex struct {
	Config     *fixtureConfig     `yaml:"config"`
	Recordings []fixtureRecording `yaml:"recordings"`
}

type fixtureConfig struct {
	Port             int    `yaml:"port"`
	LogLevel         string `yaml:"log_level"`
	CaptureDirectory string `yaml:"capture_directory"`
}

type fixtureRecording struct {
	Name            string            `yaml:"name"`
	StartTime       time.Time         `yaml:"start_time"`
	LastMessageTime *time.Time        `yaml:"last_message_time"`
	Current         bool              `yaml:"current"`
	Report          string            `yaml:"report"`      // JSON report file
	Warnings        int               `yaml:"warnings"`    // synthesized report when Report is empty
	Artifacts       map[string]string `yaml:"artifacts"`   // slot -> file
	FailStatus      int               `yaml:"fail_status"` // forced report status
}

// LoadFixtures builds a device from dir/device.yaml. File references in
// the index are relative to dir.
func LoadFixtures(dir string) (*Device, error) {
	data, err := os.ReadFile(filepath.Join(dir, FixtureFile))
	if err != nil {
		return nil, fmt.Errorf("read fixture index: %w", err)
	}

	var idx fixtureIndex
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse fixture index: %w", err)
	}

	d := NewDevice()
	if idx.Config != nil {
		d.SetConfig(protocol.DeviceConfig{
			Port:             idx.Config.Port,
			LogLevel:         idx.Config.LogLevel,
			CaptureDirectory: idx.Config.CaptureDirectory,
		})
	}

	for i, fr := range idx.Recordings {
		rec, err := fr.load(dir)
		if err != nil {
			return nil, fmt.Errorf("recording %d (%s): %w", i, fr.Name, err)
		}
		if err := d.Add(rec); err != nil {
			return nil, fmt.Errorf("recording %d: %w", i, err)
		}
		if fr.Current {
			d.SetCurrent(fr.Name)
		}
		if fr.FailStatus != 0 {
			d.FailReport(fr.Name, fr.FailStatus)
		}
	}

	return d, nil
}

func (fr fixtureRecording) load(dir string) (*Recording, error) {
	if fr.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if fr.StartTime.IsZero() {
		return nil, fmt.Errorf("missing start_time")
	}

	rec := &Recording{
		Ref: protocol.RecordingRef{
			ID:              fr.Name,
			StartTime:       fr.StartTime.UTC(),
			LastMessageTime: fr.LastMessageTime,
		},
		Artifacts: make(map[string][]byte),
	}

	for slot, file := range fr.Artifacts {
		switch slot {
		case ArtifactQMDL, ArtifactPCAP, ArtifactZIP, ArtifactGPSCSV, ArtifactGPSJSON, ArtifactGPX:
		default:
			return nil, fmt.Errorf("unknown artifact slot %q", slot)
		}
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", slot, err)
		}
		rec.Artifacts[slot] = data
	}
	rec.Ref.RawSizeBytes = int64(len(rec.Artifacts[ArtifactQMDL]))

	switch {
	case fr.Report != "":
		data, err := os.ReadFile(filepath.Join(dir, fr.Report))
		if err != nil {
			return nil, fmt.Errorf("report: %w", err)
		}
		var report protocol.AnalysisReport
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("report %s: %w", fr.Report, err)
		}
		rec.Report = &report
		rec.Ref.AnalysisSizeBytes = int64(len(data))
	default:
		rec.Report = SyntheticReport(fr.Warnings, rec.Ref.StartTime)
	}

	return rec, nil
}

// SyntheticReport builds a report with the given number of warning events,
// one per row, spaced a second apart from start.
func SyntheticReport(warnings int, start time.Time) *protocol.AnalysisReport {
	report := &protocol.AnalysisReport{
		Metadata: &protocol.ReportMetadata{
			Tool: &protocol.ToolInfo{Version: "sim"},
			Analyzers: []protocol.AnalyzerInfo{
				{Name: "Simulated", Description: "canned findings"},
			},
		},
		Statistics: protocol.ReportStatistics{Warnings: warnings},
	}
	high := protocol.SeverityHigh
	for i := 0; i < warnings; i++ {
		report.Rows = append(report.Rows, protocol.AnalysisRow{
			Entries: []protocol.AnalysisEntry{{
				Timestamp: start.Add(time.Duration(i) * time.Second),
				Events: []protocol.Event{{
					Kind:     protocol.EventWarning,
					Severity: &high,
					Message:  fmt.Sprintf("simulated finding %d", i+1),
				}},
			}},
		})
	}
	return report
}
