// internal/watch/watcher.go

// Package watch polls a device for attack alerts and reports the ones that
// saw activity since the last poll.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/signalnine/cellwatch/internal/alerts"
	"github.com/signalnine/cellwatch/internal/protocol"
)

const DefaultInterval = time.Minute

// Source produces the current alert summaries
type Source interface {
	LatestAlerts(ctx context.Context) ([]protocol.AlertSummary, error)
}

// Notifier is called once per newly active alert
type Notifier func(ctx context.Context, a protocol.AlertSummary)

// Watcher runs the poll loop
type Watcher struct {
	source    Source
	interval  time.Duration
	stateFile string
	notify    Notifier
	logger    *slog.Logger

	// reported activity per recording, so a held-back cursor does not
	// repeat notifications within one process
	reported  map[string]time.Time
	memCursor time.Time
}

// Config for the watcher.
type Config struct {
	Interval  time.Duration
	StateFile string // cursor; empty keeps it in memory only
	Notify    Notifier
	Logger    *slog.Logger
}

// New creates a watcher over source
func New(source Source, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Watcher{
		source:    source,
		interval:  cfg.Interval,
		stateFile: cfg.StateFile,
		notify:    cfg.Notify,
		logger:    cfg.Logger,
		reported:  make(map[string]time.Time),
	}
	if w.notify == nil {
		w.notify = w.logAlert
	}
	return w
}

// Run polls until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watch starting", "interval", w.interval, "state_file", w.stateFile)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// poll immediately on start
	if _, err := w.Poll(ctx); err != nil {
		w.logger.Error("poll failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watch shutting down")
			return nil
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Error("poll failed", "error", err)
			}
		}
	}
}

// Poll runs one pass and returns the alerts it reported. On a partial batch
// the new alerts are still reported but the cursor is not advanced, so the
// failed recordings are looked at again next time.
func (w *Watcher) Poll(ctx context.Context) ([]protocol.AlertSummary, error) {
	cursor, err := w.readCursor()
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	summaries, err := w.source.LatestAlerts(ctx)
	partial, isPartial := alerts.AsPartial(err)
	if err != nil && !isPartial {
		return nil, err
	}

	fresh, latest := FilterNew(summaries, cursor)
	var reported []protocol.AlertSummary
	for _, a := range fresh {
		if seen, ok := w.reported[a.RecordingID]; ok && !a.LastActivity().After(seen) {
			continue
		}
		w.reported[a.RecordingID] = a.LastActivity()
		w.notify(ctx, a)
		reported = append(reported, a)
	}

	if isPartial {
		w.logger.Warn("some reports unavailable, holding cursor",
			"failed", partial.IDs(),
			"retryable", len(partial.Retryable()))
		return reported, nil
	}

	if latest.After(cursor) {
		if err := w.writeCursor(latest); err != nil {
			return reported, fmt.Errorf("write cursor: %w", err)
		}
	}

	w.logger.Debug("poll complete", "alerts", len(summaries), "new", len(reported))
	return reported, nil
}

// FilterNew returns summaries active after cursor, oldest activity first,
// and the latest activity time among them.
func FilterNew(summaries []protocol.AlertSummary, cursor time.Time) ([]protocol.AlertSummary, time.Time) {
	var fresh []protocol.AlertSummary
	var latest time.Time

	for _, s := range summaries {
		at := s.LastActivity()
		if !at.After(cursor) {
			continue
		}
		fresh = append(fresh, s)
		if at.After(latest) {
			latest = at
		}
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].LastActivity().Before(fresh[j].LastActivity())
	})
	return fresh, latest
}

func (w *Watcher) logAlert(ctx context.Context, a protocol.AlertSummary) {
	w.logger.Warn("attack alert",
		"recording", a.RecordingID,
		"warnings", a.AttackCount,
		"started", a.StartTime,
		"last_activity", a.LastActivity())
}

func (w *Watcher) readCursor() (time.Time, error) {
	if w.stateFile == "" {
		return w.memCursor, nil
	}
	return ReadCursor(w.stateFile)
}

func (w *Watcher) writeCursor(ts time.Time) error {
	if w.stateFile == "" {
		w.memCursor = ts
		return nil
	}
	return WriteCursor(w.stateFile, ts)
}
