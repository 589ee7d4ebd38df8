// internal/protocol/wire.go
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Every wire type has exactly one schema below. UnmarshalJSON and MarshalJSON
// on the types delegate to schema.decode / schema.encode, so the device's
// member names live in this file and nowhere else.

var (
	errNotObject = errors.New("expected JSON object")
	errMissing   = errors.New("required member missing")
)

// FieldError reports which wire member failed to decode
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// field binds one JSON member to a location inside a T
type field[T any] struct {
	name     string
	required bool
	ref      func(*T) any
}

type schema[T any] struct {
	fields []field[T]
	check  func(*T) error
}

func (s schema[T]) decode(data []byte, v *T) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	if members == nil {
		return errNotObject
	}
	for _, f := range s.fields {
		raw, ok := members[f.name]
		if !ok || isNull(raw) {
			if f.required {
				return &FieldError{Field: f.name, Err: errMissing}
			}
			continue
		}
		if err := json.Unmarshal(raw, f.ref(v)); err != nil {
			return &FieldError{Field: f.name, Err: err}
		}
	}
	if s.check != nil {
		return s.check(v)
	}
	return nil
}

func (s schema[T]) encode(v *T) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range s.fields {
		val, err := json.Marshal(f.ref(v))
		if err != nil {
			return nil, &FieldError{Field: f.name, Err: err}
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(f.name)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// names lists the wire members of a schema in order
func (s schema[T]) names() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.name
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

var manifestSchema = schema[Manifest]{
	fields: []field[Manifest]{
		{name: "entries", required: true, ref: func(m *Manifest) any { return &m.Entries }},
		{name: "current_entry", ref: func(m *Manifest) any { return &m.CurrentEntry }},
	},
	check: func(m *Manifest) error {
		if m.CurrentEntry != nil && (*m.CurrentEntry < 0 || *m.CurrentEntry >= len(m.Entries)) {
			return &FieldError{Field: "current_entry", Err: fmt.Errorf("index %d out of range", *m.CurrentEntry)}
		}
		seen := make(map[string]struct{}, len(m.Entries))
		for _, e := range m.Entries {
			if _, dup := seen[e.ID]; dup {
				return &FieldError{Field: "entries", Err: fmt.Errorf("duplicate recording %q", e.ID)}
			}
			seen[e.ID] = struct{}{}
		}
		return nil
	},
}

var recordingSchema = schema[RecordingRef]{
	fields: []field[RecordingRef]{
		{name: "name", required: true, ref: func(r *RecordingRef) any { return &r.ID }},
		{name: "start_time", required: true, ref: func(r *RecordingRef) any { return &isoTime{&r.StartTime} }},
		{name: "last_message_time", ref: func(r *RecordingRef) any { return &optTime{&r.LastMessageTime} }},
		{name: "qmdl_size_bytes", ref: func(r *RecordingRef) any { return &r.RawSizeBytes }},
		{name: "analysis_size_bytes", ref: func(r *RecordingRef) any { return &r.AnalysisSizeBytes }},
	},
	check: func(r *RecordingRef) error {
		if r.ID == "" {
			return &FieldError{Field: "name", Err: errors.New("empty recording name")}
		}
		return nil
	},
}

var reportSchema = schema[AnalysisReport]{
	fields: []field[AnalysisReport]{
		{name: "metadata", ref: func(r *AnalysisReport) any { return &r.Metadata }},
		{name: "statistics", required: true, ref: func(r *AnalysisReport) any { return &r.Statistics }},
		{name: "rows", ref: func(r *AnalysisReport) any { return &skipNulls[AnalysisRow]{&r.Rows} }},
	},
}

var metadataSchema = schema[ReportMetadata]{
	fields: []field[ReportMetadata]{
		{name: "rayhunter", ref: func(m *ReportMetadata) any { return &m.Tool }},
		{name: "analyzers", ref: func(m *ReportMetadata) any { return &m.Analyzers }},
	},
}

var toolSchema = schema[ToolInfo]{
	fields: []field[ToolInfo]{
		{name: "rayhunter_version", ref: func(t *ToolInfo) any { return &t.Version }},
		{name: "system_os", ref: func(t *ToolInfo) any { return &t.SystemOS }},
	},
}

var analyzerSchema = schema[AnalyzerInfo]{
	fields: []field[AnalyzerInfo]{
		{name: "name", ref: func(a *AnalyzerInfo) any { return &a.Name }},
		{name: "description", ref: func(a *AnalyzerInfo) any { return &a.Description }},
	},
}

var statisticsSchema = schema[ReportStatistics]{
	fields: []field[ReportStatistics]{
		{name: "num_warnings", required: true, ref: func(s *ReportStatistics) any { return &s.Warnings }},
		{name: "num_informational_logs", ref: func(s *ReportStatistics) any { return &s.Informational }},
		{name: "num_skipped_packets", ref: func(s *ReportStatistics) any { return &s.Skipped }},
	},
	check: func(s *ReportStatistics) error {
		if s.Warnings < 0 || s.Informational < 0 || s.Skipped < 0 {
			return errors.New("statistics: negative counter")
		}
		return nil
	},
}

var rowSchema = schema[AnalysisRow]{
	fields: []field[AnalysisRow]{
		{name: "analysis", ref: func(r *AnalysisRow) any { return &skipNulls[AnalysisEntry]{&r.Entries} }},
	},
}

var entrySchema = schema[AnalysisEntry]{
	fields: []field[AnalysisEntry]{
		{name: "timestamp", required: true, ref: func(e *AnalysisEntry) any { return &isoTime{&e.Timestamp} }},
		{name: "events", ref: func(e *AnalysisEntry) any { return &skipNulls[Event]{&e.Events} }},
	},
}

var eventSchema = schema[Event]{
	fields: []field[Event]{
		{name: "type", required: true, ref: func(e *Event) any { return &e.Kind }},
		{name: "severity", ref: func(e *Event) any { return &e.Severity }},
		{name: "message", ref: func(e *Event) any { return &e.Message }},
	},
	check: func(e *Event) error {
		// severity is meaningless on informational events
		if e.Kind != EventWarning {
			e.Severity = nil
		}
		return nil
	},
}

var deviceConfigSchema = schema[DeviceConfig]{
	fields: []field[DeviceConfig]{
		{name: "port", required: true, ref: func(c *DeviceConfig) any { return &c.Port }},
		{name: "log_level", required: true, ref: func(c *DeviceConfig) any { return &c.LogLevel }},
		{name: "capture_directory", required: true, ref: func(c *DeviceConfig) any { return &c.CaptureDirectory }},
	},
}

var systemStatsSchema = schema[SystemStats]{
	fields: []field[SystemStats]{
		{name: "cpu_usage", ref: func(s *SystemStats) any { return &s.CPUUsage }},
		{name: "memory_usage", ref: func(s *SystemStats) any { return &s.MemoryUsage }},
		{name: "disk_usage", ref: func(s *SystemStats) any { return &s.DiskUsage }},
		{name: "uptime", ref: func(s *SystemStats) any { return &s.Uptime }},
		{name: "temperature", ref: func(s *SystemStats) any { return &s.Temperature }},
	},
}

var analysisStatusSchema = schema[AnalysisStatus]{
	fields: []field[AnalysisStatus]{
		{name: "running", ref: func(s *AnalysisStatus) any { return &s.Running }},
		{name: "queued", ref: func(s *AnalysisStatus) any { return &s.Queued }},
		{name: "finished", ref: func(s *AnalysisStatus) any { return &s.Finished }},
	},
}

var analysisStatusResponseSchema = schema[AnalysisStatusResponse]{
	fields: []field[AnalysisStatusResponse]{
		{name: "status", ref: func(r *AnalysisStatusResponse) any { return &r.Status }},
		{name: "message", ref: func(r *AnalysisStatusResponse) any { return &r.Message }},
		{name: "analysis_status", ref: func(r *AnalysisStatusResponse) any { return &r.AnalysisStatus }},
	},
}

var statusResponseSchema = schema[StatusResponse]{
	fields: []field[StatusResponse]{
		{name: "status", ref: func(r *StatusResponse) any { return &r.Status }},
		{name: "message", ref: func(r *StatusResponse) any { return &r.Message }},
	},
}

var gpsFixSchema = schema[GPSFix]{
	fields: []field[GPSFix]{
		{name: "timestamp", ref: func(g *GPSFix) any { return &isoTime{&g.Timestamp} }},
		{name: "latitude", required: true, ref: func(g *GPSFix) any { return &g.Latitude }},
		{name: "longitude", required: true, ref: func(g *GPSFix) any { return &g.Longitude }},
	},
}

var gpsResponseSchema = schema[GPSResponse]{
	fields: []field[GPSResponse]{
		{name: "status", ref: func(r *GPSResponse) any { return &r.Status }},
		{name: "message", ref: func(r *GPSResponse) any { return &r.Message }},
		{name: "data", ref: func(r *GPSResponse) any { return &r.Fix }},
	},
}

var alertSummarySchema = schema[AlertSummary]{
	fields: []field[AlertSummary]{
		{name: "recording_id", required: true, ref: func(a *AlertSummary) any { return &a.RecordingID }},
		{name: "start_time", ref: func(a *AlertSummary) any { return &isoTime{&a.StartTime} }},
		{name: "attack_count", ref: func(a *AlertSummary) any { return &a.AttackCount }},
		{name: "last_message_time", ref: func(a *AlertSummary) any { return &optTime{&a.LastMessageTime} }},
	},
}

func (m *Manifest) UnmarshalJSON(b []byte) error { return manifestSchema.decode(b, m) }
func (m Manifest) MarshalJSON() ([]byte, error) {
	if m.Entries == nil {
		m.Entries = []RecordingRef{}
	}
	return manifestSchema.encode(&m)
}

func (r *RecordingRef) UnmarshalJSON(b []byte) error { return recordingSchema.decode(b, r) }
func (r RecordingRef) MarshalJSON() ([]byte, error)  { return recordingSchema.encode(&r) }

func (r *AnalysisReport) UnmarshalJSON(b []byte) error { return reportSchema.decode(b, r) }
func (r AnalysisReport) MarshalJSON() ([]byte, error)  { return reportSchema.encode(&r) }

func (m *ReportMetadata) UnmarshalJSON(b []byte) error { return metadataSchema.decode(b, m) }
func (m ReportMetadata) MarshalJSON() ([]byte, error)  { return metadataSchema.encode(&m) }

func (t *ToolInfo) UnmarshalJSON(b []byte) error { return toolSchema.decode(b, t) }
func (t ToolInfo) MarshalJSON() ([]byte, error)  { return toolSchema.encode(&t) }

func (a *AnalyzerInfo) UnmarshalJSON(b []byte) error { return analyzerSchema.decode(b, a) }
func (a AnalyzerInfo) MarshalJSON() ([]byte, error)  { return analyzerSchema.encode(&a) }

func (s *ReportStatistics) UnmarshalJSON(b []byte) error { return statisticsSchema.decode(b, s) }
func (s ReportStatistics) MarshalJSON() ([]byte, error)  { return statisticsSchema.encode(&s) }

func (r *AnalysisRow) UnmarshalJSON(b []byte) error { return rowSchema.decode(b, r) }
func (r AnalysisRow) MarshalJSON() ([]byte, error)  { return rowSchema.encode(&r) }

func (e *AnalysisEntry) UnmarshalJSON(b []byte) error { return entrySchema.decode(b, e) }
func (e AnalysisEntry) MarshalJSON() ([]byte, error)  { return entrySchema.encode(&e) }

func (e *Event) UnmarshalJSON(b []byte) error { return eventSchema.decode(b, e) }
func (e Event) MarshalJSON() ([]byte, error)  { return eventSchema.encode(&e) }

func (c *DeviceConfig) UnmarshalJSON(b []byte) error { return deviceConfigSchema.decode(b, c) }
func (c DeviceConfig) MarshalJSON() ([]byte, error)  { return deviceConfigSchema.encode(&c) }

func (s *SystemStats) UnmarshalJSON(b []byte) error { return systemStatsSchema.decode(b, s) }
func (s SystemStats) MarshalJSON() ([]byte, error)  { return systemStatsSchema.encode(&s) }

func (s *AnalysisStatus) UnmarshalJSON(b []byte) error { return analysisStatusSchema.decode(b, s) }
func (s AnalysisStatus) MarshalJSON() ([]byte, error)  { return analysisStatusSchema.encode(&s) }

func (r *AnalysisStatusResponse) UnmarshalJSON(b []byte) error {
	return analysisStatusResponseSchema.decode(b, r)
}
func (r AnalysisStatusResponse) MarshalJSON() ([]byte, error) {
	return analysisStatusResponseSchema.encode(&r)
}

func (r *StatusResponse) UnmarshalJSON(b []byte) error { return statusResponseSchema.decode(b, r) }
func (r StatusResponse) MarshalJSON() ([]byte, error)  { return statusResponseSchema.encode(&r) }

func (g *GPSFix) UnmarshalJSON(b []byte) error { return gpsFixSchema.decode(b, g) }
func (g GPSFix) MarshalJSON() ([]byte, error)  { return gpsFixSchema.encode(&g) }

func (r *GPSResponse) UnmarshalJSON(b []byte) error { return gpsResponseSchema.decode(b, r) }
func (r GPSResponse) MarshalJSON() ([]byte, error)  { return gpsResponseSchema.encode(&r) }

func (a *AlertSummary) UnmarshalJSON(b []byte) error { return alertSummarySchema.decode(b, a) }
func (a AlertSummary) MarshalJSON() ([]byte, error)  { return alertSummarySchema.encode(&a) }

func (k *EventKind) UnmarshalText(b []byte) error {
	switch EventKind(b) {
	case EventWarning, EventInformational:
		*k = EventKind(b)
		return nil
	}
	return fmt.Errorf("unknown event type %q", string(b))
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if n < int(SeverityLow) || n > int(SeverityHigh) {
		return fmt.Errorf("severity %d out of range", n)
	}
	*s = Severity(n)
	return nil
}

func (s Severity) MarshalJSON() ([]byte, error) { return json.Marshal(int(s)) }

// timestampLayouts are tried in order; zone-less forms are read as UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp reads the ISO-8601 forms the device emits
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

type isoTime struct{ t *time.Time }

func (x isoTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*x.t = t
	return nil
}

func (x isoTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.t.Format(time.RFC3339Nano))
}

// skipNulls reads a JSON array whose elements may be null, keeping only the
// non-null ones. The device writes a null for every analyzer that had
// nothing to say about a packet.
type skipNulls[T any] struct{ s *[]T }

func (x skipNulls[T]) UnmarshalJSON(b []byte) error {
	var elems []*T
	if err := json.Unmarshal(b, &elems); err != nil {
		return err
	}
	out := make([]T, 0, len(elems))
	for _, e := range elems {
		if e != nil {
			out = append(out, *e)
		}
	}
	*x.s = out
	return nil
}

func (x skipNulls[T]) MarshalJSON() ([]byte, error) { return json.Marshal(*x.s) }

type optTime struct{ t **time.Time }

func (x optTime) UnmarshalJSON(b []byte) error {
	var t time.Time
	if err := (isoTime{&t}).UnmarshalJSON(b); err != nil {
		return err
	}
	*x.t = &t
	return nil
}

func (x optTime) MarshalJSON() ([]byte, error) {
	if *x.t == nil {
		return []byte("null"), nil
	}
	return isoTime{*x.t}.MarshalJSON()
}
