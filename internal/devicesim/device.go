// internal/devicesim/device.go

// Package devicesim is an in-process fake of the device's HTTP API. It
// backs the client's integration tests and the `cellwatch simulate`
// command.
package devicesim

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/signalnine/cellwatch/internal/protocol"
)

// Artifact slots a recording can carry
const (
	ArtifactQMDL    = "qmdl"
	ArtifactPCAP    = "pcap"
	ArtifactZIP     = "zip"
	ArtifactGPSCSV  = "gps-csv"
	ArtifactGPSJSON = "gps-json"
	ArtifactGPX     = "gpx"
)

// Recording is one simulated recording
type Recording struct {
	Ref       protocol.RecordingRef
	Report    *protocol.AnalysisReport // nil until analyzed
	Artifacts map[string][]byte
}

// Device holds the simulated device state. It is safe for concurrent use.
type Device struct {
	mu         sync.Mutex
	recordings map[string]*Recording
	order      []string // manifest order
	current    string   // id being recorded, empty when idle
	config     protocol.DeviceConfig
	stats      protocol.SystemStats
	finished   []string
	gps        []protocol.GPSFix
	faults     map[string]int // recording id -> forced report status
	now        func() time.Time
}

// NewDevice creates an idle device with default configuration
func NewDevice() *Device {
	return &Device{
		recordings: make(map[string]*Recording),
		config: protocol.DeviceConfig{
			Port:             8080,
			LogLevel:         "info",
			CaptureDirectory: "/data/rayhunter/qmdl",
		},
		stats: protocol.SystemStats{
			CPUUsage:    12.5,
			MemoryUsage: 40,
			DiskUsage:   8,
			Temperature: 38,
		},
		faults: make(map[string]int),
		now:    time.Now,
	}
}

// Add inserts or replaces a recording, keeping manifest order by start time
func (d *Device) Add(rec *Recording) error {
	if rec == nil || rec.Ref.ID == "" {
		return fmt.Errorf("recording without a name")
	}
	if rec.Artifacts == nil {
		rec.Artifacts = make(map[string][]byte)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.recordings[rec.Ref.ID]; !exists {
		d.order = append(d.order, rec.Ref.ID)
	}
	d.recordings[rec.Ref.ID] = rec
	sort.SliceStable(d.order, func(i, j int) bool {
		return d.recordings[d.order[i]].Ref.StartTime.Before(d.recordings[d.order[j]].Ref.StartTime)
	})
	return nil
}

// SetCurrent marks a recording as the one being captured ("" for idle)
func (d *Device) SetCurrent(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = id
}

// FailReport makes report requests for id answer with status (0 clears it)
func (d *Device) FailReport(id string, status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if status == 0 {
		delete(d.faults, id)
		return
	}
	d.faults[id] = status
}

// Manifest returns a snapshot of the manifest
func (d *Device) Manifest() protocol.Manifest {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := protocol.Manifest{Entries: make([]protocol.RecordingRef, 0, len(d.order))}
	for i, id := range d.order {
		m.Entries = append(m.Entries, d.recordings[id].Ref)
		if id == d.current {
			idx := i
			m.CurrentEntry = &idx
		}
	}
	return m
}

// Report returns the report for id, or a forced failure status
func (d *Device) Report(id string) (*protocol.AnalysisReport, int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if status, ok := d.faults[id]; ok {
		return nil, status
	}
	rec, ok := d.recordings[id]
	if !ok || rec.Report == nil {
		return nil, 404
	}
	return rec.Report, 200
}

// Artifact returns one artifact's bytes
func (d *Device) Artifact(id, kind string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.recordings[id]
	if !ok {
		return nil, false
	}
	data, ok := rec.Artifacts[kind]
	return data, ok
}

// HasGPS reports whether a recording has any GPS artifact
func (d *Device) HasGPS(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.recordings[id]
	if !ok {
		return false
	}
	for _, k := range []string{ArtifactGPSCSV, ArtifactGPSJSON, ArtifactGPX} {
		if _, ok := rec.Artifacts[k]; ok {
			return true
		}
	}
	return false
}

// StartRecording begins a new recording named by the current unix time
func (d *Device) StartRecording() (string, error) {
	d.mu.Lock()
	if d.current != "" {
		d.mu.Unlock()
		return "", fmt.Errorf("already recording %s", d.current)
	}
	now := d.now().UTC()
	id := strconv.FormatInt(now.Unix(), 10)
	for d.recordings[id] != nil {
		now = now.Add(time.Second)
		id = strconv.FormatInt(now.Unix(), 10)
	}
	d.mu.Unlock()

	if err := d.Add(&Recording{Ref: protocol.RecordingRef{ID: id, StartTime: now}}); err != nil {
		return "", err
	}
	d.SetCurrent(id)
	return id, nil
}

// StopRecording closes the current recording
func (d *Device) StopRecording() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == "" {
		return fmt.Errorf("not recording")
	}
	rec := d.recordings[d.current]
	now := d.now().UTC()
	rec.Ref.LastMessageTime = &now
	d.current = ""
	return nil
}

// Delete removes one recording. The current recording cannot be deleted.
func (d *Device) Delete(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.recordings[id]; !ok {
		return errNotFound
	}
	if id == d.current {
		return fmt.Errorf("cannot delete the current recording")
	}
	delete(d.recordings, id)
	for i, o := range d.order {
		if o == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteAll removes every recording except the one in progress
func (d *Device) DeleteAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	kept := d.order[:0]
	for _, id := range d.order {
		if id == d.current {
			kept = append(kept, id)
			continue
		}
		delete(d.recordings, id)
		n++
	}
	d.order = kept
	return n
}

// QueueAnalysis queues a recording for (re-)analysis. The simulator
// finishes analysis immediately; a recording without a report gets an
// empty one.
func (d *Device) QueueAnalysis(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.recordings[id]
	if !ok {
		return errNotFound
	}
	if rec.Report == nil {
		rec.Report = &protocol.AnalysisReport{}
	}
	d.finished = append(d.finished, id)
	return nil
}

// AnalysisStatus returns the analysis queue state
func (d *Device) AnalysisStatus() protocol.AnalysisStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return protocol.AnalysisStatus{
		Queued:   []string{},
		Finished: append([]string{}, d.finished...),
	}
}

// Config returns the device configuration
func (d *Device) Config() protocol.DeviceConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// SetConfig replaces the device configuration
func (d *Device) SetConfig(cfg protocol.DeviceConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = cfg
}

// SystemStats returns the health snapshot with a live uptime
func (d *Device) SystemStats(started time.Time) protocol.SystemStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Uptime = int64(d.now().Sub(started).Seconds())
	return s
}

// AddGPS records a submitted fix
func (d *Device) AddGPS(lat, lon float64) protocol.GPSFix {
	d.mu.Lock()
	defer d.mu.Unlock()
	fix := protocol.GPSFix{Timestamp: d.now().UTC(), Latitude: lat, Longitude: lon}
	d.gps = append(d.gps, fix)
	return fix
}

// GPSFixes returns every submitted fix
func (d *Device) GPSFixes() []protocol.GPSFix {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.GPSFix{}, d.gps...)
}
