// internal/protocol/wire_test.go
package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

const manifestJSON = `{
  "entries": [
    {"name": "1700000000", "start_time": "2024-11-14T22:13:20.123456+00:00", "last_message_time": "2024-11-14T23:00:00Z", "qmdl_size_bytes": 4096, "analysis_size_bytes": 512},
    {"name": "1700003600", "start_time": "2024-11-14T23:13:20", "last_message_time": null, "qmdl_size_bytes": 0, "analysis_size_bytes": 0}
  ],
  "current_entry": 1
}`

const reportJSON = `{
  "metadata": {"rayhunter": {"rayhunter_version": "0.3.2", "system_os": "Linux 3.18"}, "analyzers": [{"name": "IMSI Requested", "description": "flags identity requests"}]},
  "statistics": {"num_warnings": 2, "num_informational_logs": 1, "num_skipped_packets": 7},
  "rows": [
    {"analysis": [{"timestamp": "2024-11-14T22:20:00Z", "events": [
      {"type": "warning", "severity": 2, "message": "IMSI requested outside attach"},
      {"type": "informational", "severity": 1, "message": "cell reselection"}
    ]}]},
    {"analysis": [{"timestamp": "2024-11-14T22:21:00Z", "events": [
      {"type": "warning", "severity": 0, "message": "null cipher"}
    ]}]}
  ]
}`

func TestDecodeManifest(t *testing.T) {
	var m Manifest
	if err := json.Unmarshal([]byte(manifestJSON), &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if len(m.Entries) != 2 {
		t.Fatalf("Entries = %d, want 2", len(m.Entries))
	}
	first := m.Entries[0]
	if first.ID != "1700000000" {
		t.Errorf("ID = %q, want %q", first.ID, "1700000000")
	}
	if first.RawSizeBytes != 4096 || first.AnalysisSizeBytes != 512 {
		t.Errorf("sizes = %d/%d, want 4096/512", first.RawSizeBytes, first.AnalysisSizeBytes)
	}
	if first.LastMessageTime == nil || !first.LastMessageTime.Equal(time.Date(2024, 11, 14, 23, 0, 0, 0, time.UTC)) {
		t.Errorf("LastMessageTime = %v, want 2024-11-14T23:00:00Z", first.LastMessageTime)
	}
	if m.Entries[1].LastMessageTime != nil {
		t.Errorf("LastMessageTime = %v, want nil", m.Entries[1].LastMessageTime)
	}
	if !m.Entries[1].StartTime.Equal(time.Date(2024, 11, 14, 23, 13, 20, 0, time.UTC)) {
		t.Errorf("zone-less StartTime = %v, want UTC", m.Entries[1].StartTime)
	}

	cur, ok := m.Current()
	if !ok || cur.ID != "1700003600" {
		t.Errorf("Current() = %q, %v; want 1700003600, true", cur.ID, ok)
	}
}

func TestDecodeReport(t *testing.T) {
	var r AnalysisReport
	if err := json.Unmarshal([]byte(reportJSON), &r); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if r.Statistics.Warnings != 2 || r.Statistics.Informational != 1 || r.Statistics.Skipped != 7 {
		t.Errorf("Statistics = %+v", r.Statistics)
	}
	if r.Metadata == nil || r.Metadata.Tool == nil || r.Metadata.Tool.Version != "0.3.2" {
		t.Fatalf("Metadata = %+v, want tool version 0.3.2", r.Metadata)
	}
	if len(r.Metadata.Analyzers) != 1 || r.Metadata.Analyzers[0].Name != "IMSI Requested" {
		t.Errorf("Analyzers = %+v", r.Metadata.Analyzers)
	}

	warnings := r.Warnings()
	if len(warnings) != 2 {
		t.Fatalf("Warnings() = %d, want 2", len(warnings))
	}
	if warnings[0].Severity == nil || *warnings[0].Severity != SeverityHigh {
		t.Errorf("first warning severity = %v, want high", warnings[0].Severity)
	}

	info := r.Rows[0].Entries[0].Events[1]
	if info.Kind != EventInformational {
		t.Errorf("Kind = %q, want informational", info.Kind)
	}
	if info.Severity != nil {
		t.Errorf("informational Severity = %v, want nil", *info.Severity)
	}
}

func TestDecodeReportSkipsNullElements(t *testing.T) {
	const data = `{
  "statistics": {"num_warnings": 1},
  "rows": [
    null,
    {"analysis": [null, {"timestamp": "2024-11-14T00:00:00Z", "events": [
      null,
      {"type": "warning", "severity": 2, "message": "x"},
      null
    ]}]}
  ]
}`
	var r AnalysisReport
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if len(r.Rows) != 1 || len(r.Rows[0].Entries) != 1 {
		t.Fatalf("Rows = %+v, want one row with one entry", r.Rows)
	}
	warnings := r.Warnings()
	if len(warnings) != 1 || warnings[0].Message != "x" {
		t.Fatalf("Warnings() = %+v, want the single warning", warnings)
	}
	if warnings[0].Severity == nil || *warnings[0].Severity != SeverityHigh {
		t.Errorf("severity = %v, want high", warnings[0].Severity)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		into  any
	}{
		{"manifest missing entries", `{"current_entry": null}`, &Manifest{}},
		{"manifest not object", `[1,2,3]`, &Manifest{}},
		{"manifest null", `null`, &Manifest{}},
		{"current entry out of range", `{"entries": [], "current_entry": 0}`, &Manifest{}},
		{"duplicate recordings", `{"entries": [{"name": "a", "start_time": "2024-01-01T00:00:00Z"}, {"name": "a", "start_time": "2024-01-01T00:00:00Z"}]}`, &Manifest{}},
		{"bad timestamp", `{"entries": [{"name": "a", "start_time": "yesterday"}]}`, &Manifest{}},
		{"report missing statistics", `{"rows": []}`, &AnalysisReport{}},
		{"negative warnings", `{"statistics": {"num_warnings": -1}}`, &AnalysisReport{}},
		{"warnings wrong type", `{"statistics": {"num_warnings": "two"}}`, &AnalysisReport{}},
		{"unknown event type", `{"statistics": {"num_warnings": 0}, "rows": [{"analysis": [{"timestamp": "2024-01-01T00:00:00Z", "events": [{"type": "alarm"}]}]}]}`, &AnalysisReport{}},
		{"severity out of range", `{"statistics": {"num_warnings": 1}, "rows": [{"analysis": [{"timestamp": "2024-01-01T00:00:00Z", "events": [{"type": "warning", "severity": 3}]}]}]}`, &AnalysisReport{}},
		{"config missing port", `{"log_level": "info", "capture_directory": "/data"}`, &DeviceConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := json.Unmarshal([]byte(tt.input), tt.into); err == nil {
				t.Errorf("Unmarshal(%s) succeeded, want error", tt.input)
			}
		})
	}
}

func TestMissingFieldErrorNamesMember(t *testing.T) {
	var c DeviceConfig
	err := json.Unmarshal([]byte(`{"port": 8080, "log_level": "info"}`), &c)

	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FieldError", err)
	}
	if fe.Field != "capture_directory" {
		t.Errorf("Field = %q, want capture_directory", fe.Field)
	}
}

func TestWireNames(t *testing.T) {
	tests := []struct {
		name string
		got  []string
		want []string
	}{
		{"recording", recordingSchema.names(), []string{"name", "start_time", "last_message_time", "qmdl_size_bytes", "analysis_size_bytes"}},
		{"statistics", statisticsSchema.names(), []string{"num_warnings", "num_informational_logs", "num_skipped_packets"}},
		{"config", deviceConfigSchema.names(), []string{"port", "log_level", "capture_directory"}},
		{"system stats", systemStatsSchema.names(), []string{"cpu_usage", "memory_usage", "disk_usage", "uptime", "temperature"}},
		{"analysis status", analysisStatusSchema.names(), []string{"running", "queued", "finished"}},
	}

	for _, tt := range tests {
		if !reflect.DeepEqual(tt.got, tt.want) {
			t.Errorf("%s members = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestEncodeConfig(t *testing.T) {
	cfg := DeviceConfig{Port: 8080, LogLevel: "debug", CaptureDirectory: "/data/rayhunter"}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	want := `{"port":8080,"log_level":"debug","capture_directory":"/data/rayhunter"}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}
}

func TestEncodeReportDecodesBack(t *testing.T) {
	var r AnalysisReport
	if err := json.Unmarshal([]byte(reportJSON), &r); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var again AnalysisReport
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("re-Unmarshal error: %v (%s)", err, data)
	}
	if !reflect.DeepEqual(r, again) {
		t.Errorf("report changed after encode:\n got %+v\nwant %+v", again, r)
	}
}

func TestEmptyManifestEncodesEntries(t *testing.T) {
	data, err := json.Marshal(Manifest{})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal(%s) error: %v", data, err)
	}
	if len(m.Entries) != 0 {
		t.Errorf("Entries = %d, want 0", len(m.Entries))
	}
}

func TestNewAlertSummary(t *testing.T) {
	last := time.Date(2024, 11, 14, 23, 0, 0, 0, time.UTC)
	ref := RecordingRef{ID: "rec", StartTime: last.Add(-time.Hour), LastMessageTime: &last}

	if _, ok := NewAlertSummary(ref, &AnalysisReport{}); ok {
		t.Error("zero warnings produced a summary")
	}
	if _, ok := NewAlertSummary(ref, nil); ok {
		t.Error("nil report produced a summary")
	}

	s, ok := NewAlertSummary(ref, &AnalysisReport{Statistics: ReportStatistics{Warnings: 3}})
	if !ok {
		t.Fatal("three warnings produced no summary")
	}
	if s.RecordingID != "rec" || s.AttackCount != 3 {
		t.Errorf("summary = %+v", s)
	}
	if !s.LastActivity().Equal(last) {
		t.Errorf("LastActivity = %v, want %v", s.LastActivity(), last)
	}
}
