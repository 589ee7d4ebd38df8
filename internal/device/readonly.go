// internal/device/readonly.go
package device

import (
	"context"

	"github.com/signalnine/cellwatch/internal/protocol"
)

// Reader is the subset of the device API that cannot change device state
type Reader interface {
	Manifest(ctx context.Context) (*protocol.Manifest, error)
	SystemStats(ctx context.Context) (*protocol.SystemStats, error)
	AnalysisStatus(ctx context.Context) (*protocol.AnalysisStatus, error)
	AnalysisReport(ctx context.Context, id string) (*protocol.AnalysisReport, error)
	Config(ctx context.Context) (*protocol.DeviceConfig, error)
	GPSAvailable(ctx context.Context, id string) (bool, error)
	Download(ctx context.Context, path string) (*Stream, error)
}

var _ Reader = (*Client)(nil)

// ReadOnly returns a view of the client without the write operations. The
// view cannot be type-asserted back to *Client.
func (c *Client) ReadOnly() Reader {
	return readOnly{c: c}
}

type readOnly struct {
	c *Client
}

func (r readOnly) Manifest(ctx context.Context) (*protocol.Manifest, error) {
	return r.c.Manifest(ctx)
}

func (r readOnly) SystemStats(ctx context.Context) (*protocol.SystemStats, error) {
	return r.c.SystemStats(ctx)
}

func (r readOnly) AnalysisStatus(ctx context.Context) (*protocol.AnalysisStatus, error) {
	return r.c.AnalysisStatus(ctx)
}

func (r readOnly) AnalysisReport(ctx context.Context, id string) (*protocol.AnalysisReport, error) {
	return r.c.AnalysisReport(ctx, id)
}

func (r readOnly) Config(ctx context.Context) (*protocol.DeviceConfig, error) {
	return r.c.Config(ctx)
}

func (r readOnly) GPSAvailable(ctx context.Context, id string) (bool, error) {
	return r.c.GPSAvailable(ctx, id)
}

func (r readOnly) Download(ctx context.Context, path string) (*Stream, error) {
	return r.c.Download(ctx, path)
}
