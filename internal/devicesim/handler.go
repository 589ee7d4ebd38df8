// internal/devicesim/handler.go
package devicesim

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/signalnine/cellwatch/internal/protocol"
)

var errNotFound = errors.New("recording not found")

const maxConfigBody = 64 << 10

// Handler serves the device API over a Device
type Handler struct {
	device  *Device
	started time.Time
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewHandler creates the API handler
func NewHandler(d *Device, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		device:  d,
		started: time.Now(),
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /api/qmdl-manifest", h.manifest)
	h.mux.HandleFunc("GET /api/system-stats", h.systemStats)
	h.mux.HandleFunc("GET /api/analysis", h.analysisStatus)
	h.mux.HandleFunc("POST /api/analysis/{id}", h.startAnalysis)
	h.mux.HandleFunc("GET /api/analysis-report/{id}", h.report)
	h.mux.HandleFunc("GET /api/qmdl/{file}", h.artifact(ArtifactQMDL, ".qmdl"))
	h.mux.HandleFunc("GET /api/pcap/{file}", h.artifact(ArtifactPCAP, ".pcapng"))
	h.mux.HandleFunc("GET /api/zip/{file}", h.artifact(ArtifactZIP, ".zip"))
	h.mux.HandleFunc("POST /api/start-recording", h.startRecording)
	h.mux.HandleFunc("POST /api/stop-recording", h.stopRecording)
	h.mux.HandleFunc("POST /api/delete-recording/{id}", h.deleteRecording)
	h.mux.HandleFunc("POST /api/delete-all-recordings", h.deleteAll)
	h.mux.HandleFunc("GET /api/config", h.getConfig)
	h.mux.HandleFunc("POST /api/config", h.setConfig)
	h.mux.HandleFunc("POST /api/v1/gps/{coords}", h.submitGPS)
	h.mux.HandleFunc("HEAD /api/gps/{id}", h.gpsAvailable)
	h.mux.HandleFunc("GET /api/gps/{id}/{format}", h.gpsData)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("sim request",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-ID"))
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) manifest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.device.Manifest())
}

func (h *Handler) systemStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.device.SystemStats(h.started))
}

func (h *Handler) analysisStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.device.AnalysisStatus())
}

func (h *Handler) startAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.device.QueueAnalysis(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, protocol.AnalysisStatusResponse{
		Status:         "success",
		Message:        "analysis queued for " + id,
		AnalysisStatus: h.device.AnalysisStatus(),
	})
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	report, status := h.device.Report(r.PathValue("id"))
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// artifact serves one artifact slot; file is "<id><ext>"
func (h *Handler) artifact(slot, ext string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := strings.CutSuffix(r.PathValue("file"), ext)
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.serveArtifact(w, r, id, slot)
	}
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, id, slot string) {
	data, ok := h.device.Artifact(id, slot)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType(slot))
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

func (h *Handler) startRecording(w http.ResponseWriter, r *http.Request) {
	id, err := h.device.StartRecording()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "success", Message: "recording " + id + " started"})
}

func (h *Handler) stopRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.device.StopRecording(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	// older firmware answers stop with an empty body
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.device.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "success", Message: "deleted " + id})
}

func (h *Handler) deleteAll(w http.ResponseWriter, r *http.Request) {
	n := h.device.DeleteAll()
	writeJSON(w, http.StatusOK, protocol.StatusResponse{
		Status:  "success",
		Message: "deleted " + strconv.Itoa(n) + " recordings",
	})
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.device.Config())
}

func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxConfigBody {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	var cfg protocol.DeviceConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		http.Error(w, "Invalid config: "+err.Error(), http.StatusBadRequest)
		return
	}
	h.device.SetConfig(cfg)
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "success", Message: "config updated"})
}

func (h *Handler) submitGPS(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseCoords(r.PathValue("coords"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fix := h.device.AddGPS(lat, lon)
	writeJSON(w, http.StatusOK, protocol.GPSResponse{Status: "success", Message: "GPS data received", Fix: &fix})
}

func (h *Handler) gpsAvailable(w http.ResponseWriter, r *http.Request) {
	if !h.device.HasGPS(r.PathValue("id")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) gpsData(w http.ResponseWriter, r *http.Request) {
	var slot string
	switch r.PathValue("format") {
	case "csv":
		slot = ArtifactGPSCSV
	case "json":
		slot = ArtifactGPSJSON
	case "gpx":
		slot = ArtifactGPX
	default:
		http.NotFound(w, r)
		return
	}
	h.serveArtifact(w, r, r.PathValue("id"), slot)
}

func parseCoords(s string) (float64, float64, error) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, errors.New("expected lat,lon")
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, errors.New("bad latitude")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return 0, 0, errors.New("bad longitude")
	}
	if math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return 0, 0, errors.New("coordinates out of range")
	}
	return lat, lon, nil
}

func contentType(slot string) string {
	switch slot {
	case ArtifactZIP:
		return "application/zip"
	case ArtifactGPSCSV:
		return "text/csv"
	case ArtifactGPSJSON:
		return "application/json"
	case ArtifactGPX:
		return "application/gpx+xml"
	}
	return "application/octet-stream"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
