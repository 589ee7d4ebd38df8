// internal/protocol/types.go
package protocol

import (
	"fmt"
	"time"
)

// Manifest is the device's list of recordings, oldest first
type Manifest struct {
	Entries      []RecordingRef
	CurrentEntry *int // index into Entries of the recording still being written
}

// Current returns the recording that is still open, if any
func (m *Manifest) Current() (RecordingRef, bool) {
	if m.CurrentEntry == nil {
		return RecordingRef{}, false
	}
	i := *m.CurrentEntry
	if i < 0 || i >= len(m.Entries) {
		return RecordingRef{}, false
	}
	return m.Entries[i], true
}

// RecordingRef identifies one capture session on the device
type RecordingRef struct {
	ID                string
	StartTime         time.Time
	LastMessageTime   *time.Time
	RawSizeBytes      int64
	AnalysisSizeBytes int64
}

// AnalysisReport is the analyzers' output for a single recording
type AnalysisReport struct {
	Metadata   *ReportMetadata
	Statistics ReportStatistics
	Rows       []AnalysisRow
}

// ReportMetadata describes the software that produced a report
type ReportMetadata struct {
	Tool      *ToolInfo
	Analyzers []AnalyzerInfo
}

// ToolInfo is the version/OS pair reported by the device
type ToolInfo struct {
	Version  string
	SystemOS string
}

// AnalyzerInfo names one analyzer that ran over the recording
type AnalyzerInfo struct {
	Name        string
	Description string
}

// ReportStatistics are the per-report counters
type ReportStatistics struct {
	Warnings      int
	Informational int
	Skipped       int
}

// AnalysisRow groups the analyzer output for one processed message batch
type AnalysisRow struct {
	Entries []AnalysisEntry
}

// AnalysisEntry is a timestamped set of events
type AnalysisEntry struct {
	Timestamp time.Time
	Events    []Event
}

// Event is a single analyzer finding
type Event struct {
	Kind     EventKind
	Severity *Severity // set only for warnings
	Message  string
}

// EventKind distinguishes attack indicators from informational output
type EventKind string

const (
	EventWarning       EventKind = "warning"
	EventInformational EventKind = "informational"
)

// Severity of a warning event; the device encodes it as 0, 1 or 2
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Warnings returns every warning event in the report, in row order
func (r *AnalysisReport) Warnings() []Event {
	var out []Event
	for _, row := range r.Rows {
		for _, entry := range row.Entries {
			for _, ev := range entry.Events {
				if ev.Kind == EventWarning {
					out = append(out, ev)
				}
			}
		}
	}
	return out
}

// AlertSummary is derived from a manifest entry whose report has warnings
type AlertSummary struct {
	RecordingID     string
	StartTime       time.Time
	AttackCount     int
	LastMessageTime *time.Time
}

// LastActivity is the most recent time the recording saw traffic
func (a AlertSummary) LastActivity() time.Time {
	if a.LastMessageTime != nil {
		return *a.LastMessageTime
	}
	return a.StartTime
}

// NewAlertSummary builds a summary, reporting false when there is nothing to alert on
func NewAlertSummary(ref RecordingRef, report *AnalysisReport) (AlertSummary, bool) {
	if report == nil || report.Statistics.Warnings <= 0 {
		return AlertSummary{}, false
	}
	return AlertSummary{
		RecordingID:     ref.ID,
		StartTime:       ref.StartTime,
		AttackCount:     report.Statistics.Warnings,
		LastMessageTime: ref.LastMessageTime,
	}, true
}

// DeviceConfig is the device-side configuration
type DeviceConfig struct {
	Port             int
	LogLevel         string
	CaptureDirectory string
}

// SystemStats is the device health snapshot
type SystemStats struct {
	CPUUsage    float64
	MemoryUsage float64
	DiskUsage   float64
	Uptime      int64 // seconds
	Temperature float64
}

// AnalysisStatus is the device's analysis queue
type AnalysisStatus struct {
	Running  *string
	Queued   []string
	Finished []string
}

// AnalysisStatusResponse is returned when analysis is requested
type AnalysisStatusResponse struct {
	Status         string
	Message        string
	AnalysisStatus AnalysisStatus
}

// StatusResponse is the generic status wrapper for write operations
type StatusResponse struct {
	Status  string
	Message string
}

// GPSFix is a coordinate accepted by the device
type GPSFix struct {
	Timestamp time.Time
	Latitude  float64
	Longitude float64
}

// GPSResponse wraps the fix echoed back by the device
type GPSResponse struct {
	Status  string
	Message string
	Fix     *GPSFix
}
