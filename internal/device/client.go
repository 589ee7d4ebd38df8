// internal/device/client.go

// Package device is the HTTP client for the sensing device's REST API.
//
// # Operations
//
//   - Recordings: Manifest, StartRecording, StopRecording, DeleteRecording, DeleteAllRecordings
//   - Analysis: AnalysisStatus, StartAnalysis, AnalysisReport
//   - Evidence: Download (raw logs, packet captures, archives, any device path)
//   - Device: SystemStats, Config, SetConfig, SubmitGPS, GPSAvailable
//
// Every error returned by the client is a *fault.Error. ReadOnly exposes the
// subset of operations that cannot change device state.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/signalnine/cellwatch/internal/fault"
	"github.com/signalnine/cellwatch/internal/protocol"
)

const (
	defaultTimeout = 30 * time.Second
	// maxJSONBody bounds how much of a JSON response is read into memory
	maxJSONBody = 64 << 20
	// errorSnippet bounds how much of a failed response is kept for the error
	errorSnippet = 1024
)

// Client talks to one device
type Client struct {
	baseURL      string
	httpClient   *http.Client // JSON calls, bounded by Timeout
	streamClient *http.Client // downloads, bounded only by the caller's context
	limiter      *rate.Limiter
	userAgent    string
	logger       *slog.Logger
}

// Config for the client.
type Config struct {
	BaseURL    string        // e.g. http://192.168.1.1:8080
	Timeout    time.Duration // per JSON request
	RateLimit  float64       // requests per second, 0 for unlimited
	HTTPClient *http.Client  // optional; its transport is shared by downloads
	UserAgent  string
	Logger     *slog.Logger
}

// New creates a client for the device at cfg.BaseURL
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fault.Invalid("new client", "device URL %q must be an absolute http(s) URL", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{ResponseHeaderTimeout: cfg.Timeout},
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cellwatch/dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	stream := *cfg.HTTPClient
	stream.Timeout = 0

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{
		baseURL:      strings.TrimSuffix(u.String(), "/"),
		httpClient:   cfg.HTTPClient,
		streamClient: &stream,
		limiter:      limiter,
		userAgent:    cfg.UserAgent,
		logger:       cfg.Logger,
	}, nil
}

// BaseURL returns the device URL this client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Manifest fetches the list of recordings.
func (c *Client) Manifest(ctx context.Context) (*protocol.Manifest, error) {
	var m protocol.Manifest
	if err := c.getJSON(ctx, "get manifest", "/api/qmdl-manifest", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SystemStats fetches the device health snapshot.
func (c *Client) SystemStats(ctx context.Context) (*protocol.SystemStats, error) {
	var s protocol.SystemStats
	if err := c.getJSON(ctx, "get system stats", "/api/system-stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AnalysisStatus fetches the analysis queue.
func (c *Client) AnalysisStatus(ctx context.Context) (*protocol.AnalysisStatus, error) {
	var s protocol.AnalysisStatus
	if err := c.getJSON(ctx, "get analysis status", "/api/analysis", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AnalysisReport fetches the report for one recording.
func (c *Client) AnalysisReport(ctx context.Context, id string) (*protocol.AnalysisReport, error) {
	const op = "get analysis report"
	if err := ValidateRecordingID(op, id); err != nil {
		return nil, err
	}
	var r protocol.AnalysisReport
	if err := c.getJSON(ctx, op, "/api/analysis-report/"+url.PathEscape(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// StartAnalysis queues a recording for (re-)analysis.
func (c *Client) StartAnalysis(ctx context.Context, id string) (*protocol.AnalysisStatusResponse, error) {
	const op = "start analysis"
	if err := ValidateRecordingID(op, id); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, c.httpClient, op, http.MethodPost, "/api/analysis/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out protocol.AnalysisStatusResponse
	if err := c.decode(op, resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartRecording begins a new capture session.
func (c *Client) StartRecording(ctx context.Context) (*protocol.StatusResponse, error) {
	return c.postStatus(ctx, "start recording", "/api/start-recording", nil)
}

// StopRecording closes the current capture session.
func (c *Client) StopRecording(ctx context.Context) (*protocol.StatusResponse, error) {
	return c.postStatus(ctx, "stop recording", "/api/stop-recording", nil)
}

// DeleteRecording removes one recording and its artifacts.
func (c *Client) DeleteRecording(ctx context.Context, id string) (*protocol.StatusResponse, error) {
	const op = "delete recording"
	if err := ValidateRecordingID(op, id); err != nil {
		return nil, err
	}
	return c.postStatus(ctx, op, "/api/delete-recording/"+url.PathEscape(id), nil)
}

// DeleteAllRecordings removes every recording on the device.
func (c *Client) DeleteAllRecordings(ctx context.Context) (*protocol.StatusResponse, error) {
	return c.postStatus(ctx, "delete all recordings", "/api/delete-all-recordings", nil)
}

// Config fetches the device configuration.
func (c *Client) Config(ctx context.Context) (*protocol.DeviceConfig, error) {
	var cfg protocol.DeviceConfig
	if err := c.getJSON(ctx, "get config", "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetConfig replaces the device configuration.
func (c *Client) SetConfig(ctx context.Context, cfg protocol.DeviceConfig) (*protocol.StatusResponse, error) {
	const op = "set config"
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fault.Invalid(op, "port %d out of range", cfg.Port)
	}
	return c.postStatus(ctx, op, "/api/config", cfg)
}

// SubmitGPS sends a coordinate to the device. Out-of-range coordinates are
// rejected before any request is made.
func (c *Client) SubmitGPS(ctx context.Context, lat, lon float64) (*protocol.GPSFix, error) {
	const op = "submit gps"
	if err := ValidateCoordinates(op, lat, lon); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/api/v1/gps/%s,%s", formatCoord(lat), formatCoord(lon))
	resp, err := c.do(ctx, c.httpClient, op, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := c.readBody(op, resp)
	if err != nil {
		return nil, err
	}

	// newer firmware wraps the fix in {status, message, data}
	var wrapped protocol.GPSResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Fix != nil {
		return wrapped.Fix, nil
	}
	var fix protocol.GPSFix
	if err := json.Unmarshal(body, &fix); err != nil {
		return nil, fault.Classify(op, fault.Outcome{StatusCode: resp.StatusCode, DecodeErr: err})
	}
	return &fix, nil
}

// GPSAvailable reports whether the device holds GPS data for a recording.
// A 404 means no data; any other failure is returned as an error rather than
// being read as "no data".
func (c *Client) GPSAvailable(ctx context.Context, id string) (bool, error) {
	const op = "check gps data"
	if err := ValidateRecordingID(op, id); err != nil {
		return false, err
	}

	resp, err := c.do(ctx, c.httpClient, op, http.MethodHead, "/api/gps/"+url.PathEscape(id), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := c.checkStatus(op, resp); err != nil {
		return false, err
	}
	return true, nil
}

// Stream is an open download. The caller must Close it.
type Stream struct {
	Body        io.ReadCloser
	Size        int64 // -1 when the device did not send Content-Length
	ContentType string
}

// Read implements io.Reader
func (s *Stream) Read(p []byte) (int, error) { return s.Body.Read(p) }

// Close releases the underlying connection
func (s *Stream) Close() error { return s.Body.Close() }

// Download opens a binary artifact. path is either relative to the device
// (e.g. /api/pcap/1700000000.pcapng) or an absolute URL.
func (c *Client) Download(ctx context.Context, path string) (*Stream, error) {
	const op = "download"
	if strings.TrimSpace(path) == "" {
		return nil, fault.Invalid(op, "empty path")
	}

	resp, err := c.do(ctx, c.streamClient, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(op, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return &Stream{
		Body:        resp.Body,
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	resp, err := c.do(ctx, c.httpClient, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.decode(op, resp, out)
}

// postStatus performs a write whose response is the generic status wrapper.
// Older firmware answers with an empty body, which counts as success.
func (c *Client) postStatus(ctx context.Context, op, path string, body any) (*protocol.StatusResponse, error) {
	resp, err := c.do(ctx, c.httpClient, op, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := c.readBody(op, resp)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &protocol.StatusResponse{Status: "success", Message: op}, nil
	}

	var out protocol.StatusResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Classify(op, fault.Outcome{StatusCode: resp.StatusCode, DecodeErr: err})
	}
	return &out, nil
}

// decode reads a 2xx JSON body into out
func (c *Client) decode(op string, resp *http.Response, out any) error {
	data, err := c.readBody(op, resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fault.Classify(op, fault.Outcome{StatusCode: resp.StatusCode, DecodeErr: err})
	}
	return nil
}

// readBody checks the status and reads the whole (bounded) body. A read
// failure is a transport problem, not a decode problem.
func (c *Client) readBody(op string, resp *http.Response) ([]byte, error) {
	if err := c.checkStatus(op, resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody+1))
	if err != nil {
		return nil, fault.Classify(op, fault.Outcome{Err: fmt.Errorf("reading response: %w", err)})
	}
	if len(data) > maxJSONBody {
		return nil, fault.Classify(op, fault.Outcome{
			StatusCode: resp.StatusCode,
			DecodeErr:  fmt.Errorf("response exceeds %d bytes", maxJSONBody),
		})
	}
	return data, nil
}

// checkStatus turns a non-2xx response into a protocol error
func (c *Client) checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippet))
	return fault.Classify(op, fault.Outcome{StatusCode: resp.StatusCode, Body: body})
}

// do performs an HTTP request with standard headers.
func (c *Client) do(ctx context.Context, hc *http.Client, op, method, path string, body any) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fault.Classify(op, fault.Outcome{Err: err})
		}
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Invalid(op, "marshaling request: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), bodyReader)
	if err != nil {
		return nil, fault.Invalid(op, "creating request: %v", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fault.Classify(op, fault.Outcome{Err: err})
	}

	c.logger.Debug("device request",
		"op", op,
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"elapsed", time.Since(start))

	return resp, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimPrefix(path, "/")
}
