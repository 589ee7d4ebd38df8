// internal/devicesim/sim_test.go
package devicesim_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/cellwatch/internal/alerts"
	"github.com/signalnine/cellwatch/internal/device"
	"github.com/signalnine/cellwatch/internal/devicesim"
	"github.com/signalnine/cellwatch/internal/evidence"
	"github.com/signalnine/cellwatch/internal/fault"
	"github.com/signalnine/cellwatch/internal/protocol"
)

const index = `
config:
  port: 8080
  log_level: debug
  capture_directory: /data/rayhunter/qmdl
recordings:
  - name: "1700000000"
    start_time: 2023-11-14T22:13:20Z
    last_message_time: 2023-11-14T22:40:00Z
    warnings: 3
    artifacts:
      qmdl: 1700000000.qmdl
      gps-csv: 1700000000.csv
  - name: "1700003600"
    start_time: 2023-11-14T23:13:20Z
    warnings: 0
  - name: "1700007200"
    start_time: 2023-11-15T00:13:20Z
    report: 1700007200.json
    current: true
`

const reportJSON = `{
  "metadata": {"rayhunter": {"rayhunter_version": "0.2.6", "system_os": "Linux"}, "analyzers": []},
  "statistics": {"num_warnings": 1, "num_informational_logs": 0, "num_skipped_packets": 0},
  "rows": []
}`

func writeFixtures(t *testing.T) (string, []byte) {
	t.Helper()
	dir := t.TempDir()
	qmdl := bytes.Repeat([]byte{0x7e, 0x01, 0x02, 0x03}, 10_000)

	files := map[string][]byte{
		devicesim.FixtureFile: []byte(index),
		"1700000000.qmdl":     qmdl,
		"1700000000.csv":      []byte("timestamp,lat,lon\n1700000100,37.77,-122.41\n"),
		"1700007200.json":     []byte(reportJSON),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir, qmdl
}

func startSim(t *testing.T) (*devicesim.Device, *device.Client, []byte) {
	t.Helper()
	dir, qmdl := writeFixtures(t)

	d, err := devicesim.LoadFixtures(dir)
	if err != nil {
		t.Fatalf("LoadFixtures error: %v", err)
	}
	server := httptest.NewServer(devicesim.NewHandler(d, nil))
	t.Cleanup(server.Close)

	client, err := device.New(device.Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("device.New error: %v", err)
	}
	return d, client, qmdl
}

func TestSimulatorManifest(t *testing.T) {
	_, client, qmdl := startSim(t)

	m, err := client.Manifest(context.Background())
	if err != nil {
		t.Fatalf("Manifest error: %v", err)
	}
	if len(m.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(m.Entries))
	}
	cur, ok := m.Current()
	if !ok || cur.ID != "1700007200" {
		t.Errorf("current = %v %v, want 1700007200", cur.ID, ok)
	}
	if m.Entries[0].RawSizeBytes != int64(len(qmdl)) {
		t.Errorf("qmdl size = %d, want %d", m.Entries[0].RawSizeBytes, len(qmdl))
	}
	if m.Entries[0].LastMessageTime == nil {
		t.Errorf("last_message_time lost")
	}
}

func TestSimulatorAlerts(t *testing.T) {
	d, client, _ := startSim(t)
	agg := alerts.New(client, alerts.Config{Concurrency: 2})

	got, err := agg.LatestAlerts(context.Background())
	if err != nil {
		t.Fatalf("LatestAlerts error: %v", err)
	}
	if len(got) != 2 || got[0].RecordingID != "1700000000" || got[1].RecordingID != "1700007200" {
		t.Fatalf("alerts = %+v, want recordings 1700000000 and 1700007200", got)
	}
	if got[0].AttackCount != 3 {
		t.Errorf("AttackCount = %d, want 3", got[0].AttackCount)
	}

	d.FailReport("1700003600", http.StatusServiceUnavailable)
	got, err = agg.LatestAlerts(context.Background())
	partial, ok := alerts.AsPartial(err)
	if !ok {
		t.Fatalf("error = %v, want partial batch", err)
	}
	if len(got) != 2 {
		t.Errorf("summaries with one failure = %d, want 2", len(got))
	}
	if ids := partial.Retryable(); len(ids) != 1 || ids[0] != "1700003600" {
		t.Errorf("Retryable = %v, want [1700003600]", ids)
	}
}

func TestSimulatorEvidence(t *testing.T) {
	_, client, qmdl := startSim(t)
	r := evidence.NewRetriever(client, evidence.Config{})
	dir := t.TempDir()

	res, err := r.Retrieve(context.Background(), "1700000000", evidence.RawLog, filepath.Join(dir, "a.qmdl"))
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if res.Bytes != int64(len(qmdl)) {
		t.Errorf("Bytes = %d, want %d", res.Bytes, len(qmdl))
	}
	got, _ := os.ReadFile(res.Path)
	if !bytes.Equal(got, qmdl) {
		t.Errorf("downloaded qmdl differs")
	}

	if _, err := r.Retrieve(context.Background(), "1700000000", evidence.GPSCSV, filepath.Join(dir, "a.csv")); err != nil {
		t.Errorf("GPS CSV Retrieve error: %v", err)
	}
	_, err = r.Retrieve(context.Background(), "1700003600", evidence.PacketCapture, filepath.Join(dir, "b.pcapng"))
	if !fault.IsNotFound(err) {
		t.Errorf("missing pcap error = %v, want 404", err)
	}
}

func TestSimulatorGPS(t *testing.T) {
	d, client, _ := startSim(t)
	ctx := context.Background()

	ok, err := client.GPSAvailable(ctx, "1700000000")
	if err != nil || !ok {
		t.Errorf("GPSAvailable(1700000000) = %v, %v; want true", ok, err)
	}
	ok, err = client.GPSAvailable(ctx, "1700003600")
	if err != nil || ok {
		t.Errorf("GPSAvailable(1700003600) = %v, %v; want false, nil", ok, err)
	}

	fix, err := client.SubmitGPS(ctx, 37.7749, -122.4194)
	if err != nil {
		t.Fatalf("SubmitGPS error: %v", err)
	}
	if fix.Latitude != 37.7749 || fix.Longitude != -122.4194 {
		t.Errorf("fix = %+v", fix)
	}
	if n := len(d.GPSFixes()); n != 1 {
		t.Errorf("device holds %d fixes, want 1", n)
	}
}

func TestSimulatorConfig(t *testing.T) {
	_, client, _ := startSim(t)
	ctx := context.Background()

	cfg, err := client.Config(ctx)
	if err != nil {
		t.Fatalf("Config error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}

	cfg.Port = 9090
	if _, err := client.SetConfig(ctx, *cfg); err != nil {
		t.Fatalf("SetConfig error: %v", err)
	}
	cfg, _ = client.Config(ctx)
	if cfg.Port != 9090 {
		t.Errorf("Port after set = %d, want 9090", cfg.Port)
	}
}

func TestSimulatorRecordingLifecycle(t *testing.T) {
	_, client, _ := startSim(t)
	ctx := context.Background()

	// fixture already has a current recording
	if _, err := client.StartRecording(ctx); fault.StatusCode(err) != http.StatusConflict {
		t.Errorf("StartRecording while recording error = %v, want 409", err)
	}

	resp, err := client.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording error: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("empty stop body should read as success, got %+v", resp)
	}

	if _, err := client.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	m, _ := client.Manifest(ctx)
	if len(m.Entries) != 4 || m.CurrentEntry == nil || *m.CurrentEntry != 3 {
		t.Errorf("manifest after start = %d entries, current %v", len(m.Entries), m.CurrentEntry)
	}
	cur, _ := m.Current()

	if _, err := client.StartAnalysis(ctx, cur.ID); err != nil {
		t.Fatalf("StartAnalysis error: %v", err)
	}
	status, err := client.AnalysisStatus(ctx)
	if err != nil {
		t.Fatalf("AnalysisStatus error: %v", err)
	}
	if len(status.Finished) != 1 || status.Finished[0] != cur.ID {
		t.Errorf("finished = %v, want [%s]", status.Finished, cur.ID)
	}

	if _, err := client.DeleteRecording(ctx, "1700000000"); err != nil {
		t.Fatalf("DeleteRecording error: %v", err)
	}
	if _, err := client.AnalysisReport(ctx, "1700000000"); !fault.IsNotFound(err) {
		t.Errorf("report after delete error = %v, want 404", err)
	}
	if _, err := client.DeleteRecording(ctx, "1700000000"); !fault.IsNotFound(err) {
		t.Errorf("second delete error = %v, want 404", err)
	}

	if _, err := client.DeleteAllRecordings(ctx); err != nil {
		t.Fatalf("DeleteAllRecordings error: %v", err)
	}
	m, _ = client.Manifest(ctx)
	if len(m.Entries) != 1 {
		t.Errorf("entries after delete-all = %d, want only the current one", len(m.Entries))
	}
}

func TestSimulatorSystemStats(t *testing.T) {
	_, client, _ := startSim(t)
	stats, err := client.SystemStats(context.Background())
	if err != nil {
		t.Fatalf("SystemStats error: %v", err)
	}
	if stats.CPUUsage <= 0 || stats.Uptime < 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandlerRejectsBadInput(t *testing.T) {
	h := devicesim.NewHandler(devicesim.NewDevice(), nil)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{"POST", "/api/v1/gps/91,0", "", http.StatusBadRequest},
		{"POST", "/api/v1/gps/nonsense", "", http.StatusBadRequest},
		{"POST", "/api/config", `{"port": 8080}`, http.StatusBadRequest},
		{"GET", "/api/analysis-report/404", "", http.StatusNotFound},
		{"GET", "/api/qmdl/1700000000.pcapng", "", http.StatusNotFound},
		{"GET", "/api/gps/1/kml", "", http.StatusNotFound},
		{"POST", "/api/stop-recording", "", http.StatusConflict},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s: Status = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestLoadFixturesErrors(t *testing.T) {
	tests := map[string]string{
		"missing name":  "recordings:\n  - start_time: 2023-11-14T22:13:20Z\n",
		"missing start": "recordings:\n  - name: \"1\"\n",
		"unknown slot":  "recordings:\n  - name: \"1\"\n    start_time: 2023-11-14T22:13:20Z\n    artifacts:\n      mp3: x.mp3\n",
		"missing file":  "recordings:\n  - name: \"1\"\n    start_time: 2023-11-14T22:13:20Z\n    report: nope.json\n",
		"bad yaml":      "recordings: [",
	}
	for name, idx := range tests {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, devicesim.FixtureFile), []byte(idx), 0644)
		if _, err := devicesim.LoadFixtures(dir); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := devicesim.LoadFixtures(t.TempDir()); err == nil {
		t.Error("expected error for a directory without an index")
	}
}

func TestSyntheticReport(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := devicesim.SyntheticReport(4, start)
	if r.Statistics.Warnings != 4 || len(r.Warnings()) != 4 {
		t.Errorf("report has %d/%d warnings, want 4", r.Statistics.Warnings, len(r.Warnings()))
	}
	if _, ok := protocol.NewAlertSummary(protocol.RecordingRef{ID: "x", StartTime: start}, r); !ok {
		t.Error("synthetic report should produce an alert")
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := devicesim.NewServer("", devicesim.NewDevice(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client, err := device.New(device.Config{BaseURL: "http://" + ln.Addr().String()})
	if err != nil {
		t.Fatalf("device.New error: %v", err)
	}
	if _, err := client.Manifest(context.Background()); err != nil {
		t.Errorf("Manifest via server error: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
