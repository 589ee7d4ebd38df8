// internal/cache/reports.go
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/signalnine/cellwatch/internal/protocol"
)

const DefaultTTL = 10 * time.Minute

// Source is the device surface being cached
type Source interface {
	Manifest(ctx context.Context) (*protocol.Manifest, error)
	AnalysisReport(ctx context.Context, id string) (*protocol.AnalysisReport, error)
}

// Reports caches analysis reports in front of a device. The manifest is
// never cached, and the report of the recording currently being captured
// is always fetched fresh because it still grows.
//
// Cache failures are logged and fall through to the device.
type Reports struct {
	source    Source
	store     Store
	ttl       time.Duration
	namespace string
	logger    *slog.Logger

	mu      sync.Mutex
	current string // id of the in-progress recording from the last manifest
}

// ReportsConfig for the report cache.
type ReportsConfig struct {
	TTL       time.Duration
	Namespace string // keeps reports of different devices apart
	Logger    *slog.Logger
}

// NewReports wraps source with a report cache held in store
func NewReports(source Source, store Store, cfg ReportsConfig) *Reports {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reports{
		source:    source,
		store:     store,
		ttl:       cfg.TTL,
		namespace: cfg.Namespace,
		logger:    cfg.Logger,
	}
}

// Manifest always asks the device and remembers which recording is current
func (r *Reports) Manifest(ctx context.Context) (*protocol.Manifest, error) {
	m, err := r.source.Manifest(ctx)
	if err != nil {
		return nil, err
	}

	current := ""
	if ref, ok := m.Current(); ok {
		current = ref.ID
	}
	r.mu.Lock()
	r.current = current
	r.mu.Unlock()

	return m, nil
}

// AnalysisReport serves finished recordings' reports from the cache
func (r *Reports) AnalysisReport(ctx context.Context, id string) (*protocol.AnalysisReport, error) {
	if r.isCurrent(id) {
		return r.source.AnalysisReport(ctx, id)
	}

	key := r.key(id)
	if data, err := r.store.Get(ctx, key); err != nil {
		r.logger.Warn("report cache read failed", "recording", id, "error", err)
	} else if data != nil {
		var report protocol.AnalysisReport
		if err := json.Unmarshal(data, &report); err == nil {
			r.logger.Debug("report cache hit", "recording", id)
			return &report, nil
		}
		// stale or foreign entry; drop it and refetch
		if err := r.store.Delete(ctx, key); err != nil {
			r.logger.Warn("report cache delete failed", "recording", id, "error", err)
		}
	}

	report, err := r.source.AnalysisReport(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(report)
	if err == nil {
		err = r.store.Set(ctx, key, data, r.ttl)
	}
	if err != nil {
		r.logger.Warn("report cache write failed", "recording", id, "error", err)
	}
	return report, nil
}

// Invalidate drops a cached report, e.g. after the recording is re-analyzed
// or deleted.
func (r *Reports) Invalidate(ctx context.Context, id string) error {
	return r.store.Delete(ctx, r.key(id))
}

func (r *Reports) isCurrent(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != "" && r.current == id
}

func (r *Reports) key(id string) string {
	return "report:" + r.namespace + ":" + id
}
