// internal/alerts/aggregator.go

// Package alerts collects attack-alert summaries across every recording on a
// device.
//
// # Design
//
// The manifest is fetched once. Reports are then fetched with bounded
// concurrency, one worker per recording, each worker writing only its own
// result slot. After every worker has finished, the slots are walked in
// manifest order, so the output order never depends on which fetch
// completed first.
//
// # Failure isolation
//
// A failed manifest fetch fails the whole call. A failed report fetch only
// marks its recording as failed; the rest of the batch is still returned,
// together with a *PartialBatchError naming the failed recordings.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalnine/cellwatch/internal/fault"
	"github.com/signalnine/cellwatch/internal/protocol"
)

const (
	DefaultConcurrency  = 4
	MaxConcurrency      = 32
	DefaultFetchTimeout = 10 * time.Second
)

// Source is what the aggregator needs from the device
type Source interface {
	Manifest(ctx context.Context) (*protocol.Manifest, error)
	AnalysisReport(ctx context.Context, id string) (*protocol.AnalysisReport, error)
}

// Aggregator builds alert summaries from a device's recordings
type Aggregator struct {
	source       Source
	concurrency  int
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// Config for the aggregator.
type Config struct {
	Concurrency  int           // max report fetches in flight
	FetchTimeout time.Duration // per report fetch, independent of the caller's deadline
	Logger       *slog.Logger
}

// New creates an aggregator over source
func New(source Source, cfg Config) *Aggregator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		source:       source,
		concurrency:  cfg.Concurrency,
		fetchTimeout: cfg.FetchTimeout,
		logger:       cfg.Logger,
	}
}

// Failure records why one recording's report could not be used
type Failure struct {
	RecordingID string
	Err         error
}

// PartialBatchError is returned alongside the summaries when some report
// fetches failed. Failures are in manifest order.
type PartialBatchError struct {
	Summaries []protocol.AlertSummary
	Failures  []Failure
	Total     int // recordings in the manifest snapshot
}

func (e *PartialBatchError) Error() string {
	ids := e.IDs()
	if len(ids) > 5 {
		ids = append(ids[:5], fmt.Sprintf("and %d more", len(e.Failures)-5))
	}
	return fmt.Sprintf("%d of %d report fetches failed: %s",
		len(e.Failures), e.Total, strings.Join(ids, ", "))
}

// Unwrap exposes the per-recording errors to errors.Is / errors.As
func (e *PartialBatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// IDs returns the failed recording ids in manifest order
func (e *PartialBatchError) IDs() []string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.RecordingID
	}
	return ids
}

// ByID maps each failed recording to its error
func (e *PartialBatchError) ByID() map[string]error {
	m := make(map[string]error, len(e.Failures))
	for _, f := range e.Failures {
		m[f.RecordingID] = f.Err
	}
	return m
}

// Retryable returns the failed ids whose errors may clear on a retry
func (e *PartialBatchError) Retryable() []string {
	var ids []string
	for _, f := range e.Failures {
		if fault.Retryable(f.Err) {
			ids = append(ids, f.RecordingID)
		}
	}
	return ids
}

// AsPartial extracts a *PartialBatchError from err
func AsPartial(err error) (*PartialBatchError, bool) {
	var p *PartialBatchError
	ok := errors.As(err, &p)
	return p, ok
}

// LatestAlerts fetches the manifest and aggregates alerts across all of its
// recordings. If the manifest cannot be fetched that error is returned and
// there are no summaries. If individual reports fail, the summaries for the
// rest are returned together with a *PartialBatchError.
func (a *Aggregator) LatestAlerts(ctx context.Context) ([]protocol.AlertSummary, error) {
	manifest, err := a.source.Manifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	return a.Aggregate(ctx, manifest)
}

// outcome is one worker's result slot
type outcome struct {
	summary protocol.AlertSummary
	alert   bool
	err     error
}

// Aggregate fetches a report for every entry of an already-fetched manifest.
func (a *Aggregator) Aggregate(ctx context.Context, manifest *protocol.Manifest) ([]protocol.AlertSummary, error) {
	if manifest == nil || len(manifest.Entries) == 0 {
		return nil, nil
	}

	start := time.Now()
	outcomes := make([]outcome, len(manifest.Entries))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, ref := range manifest.Entries {
		g.Go(func() error {
			outcomes[i] = a.fetch(ctx, ref)
			return nil
		})
	}
	g.Wait()

	var summaries []protocol.AlertSummary
	var failures []Failure
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			failures = append(failures, Failure{RecordingID: manifest.Entries[i].ID, Err: o.err})
		case o.alert:
			summaries = append(summaries, o.summary)
		}
	}

	a.logger.Info("alerts aggregated",
		"recordings", len(manifest.Entries),
		"alerts", len(summaries),
		"failed", len(failures),
		"elapsed", time.Since(start))

	if len(failures) > 0 {
		return summaries, &PartialBatchError{
			Summaries: summaries,
			Failures:  failures,
			Total:     len(manifest.Entries),
		}
	}
	return summaries, nil
}

func (a *Aggregator) fetch(ctx context.Context, ref protocol.RecordingRef) outcome {
	// cancelled while queued behind the concurrency limit
	if err := ctx.Err(); err != nil {
		return outcome{err: fault.Classify("get analysis report", fault.Outcome{Err: err})}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	report, err := a.source.AnalysisReport(fetchCtx, ref.ID)
	if err != nil {
		a.logger.Warn("report fetch failed", "recording", ref.ID, "error", err)
		return outcome{err: err}
	}

	summary, ok := protocol.NewAlertSummary(ref, report)
	return outcome{summary: summary, alert: ok}
}

// HasAttackAlerts reports whether one recording's report contains warnings.
func (a *Aggregator) HasAttackAlerts(ctx context.Context, id string) (bool, error) {
	n, err := a.AttackAlertCount(ctx, id)
	return n > 0, err
}

// AttackAlertCount returns the number of warnings in one recording's report.
func (a *Aggregator) AttackAlertCount(ctx context.Context, id string) (int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	report, err := a.source.AnalysisReport(fetchCtx, id)
	if err != nil {
		return 0, err
	}
	return report.Statistics.Warnings, nil
}
