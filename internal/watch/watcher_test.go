// internal/watch/watcher_test.go
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalnine/cellwatch/internal/alerts"
	"github.com/signalnine/cellwatch/internal/fault"
	"github.com/signalnine/cellwatch/internal/protocol"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func summary(id string, activity time.Time) protocol.AlertSummary {
	at := activity
	return protocol.AlertSummary{
		RecordingID:     id,
		StartTime:       activity.Add(-time.Hour),
		AttackCount:     1,
		LastMessageTime: &at,
	}
}

type stubSource struct {
	summaries []protocol.AlertSummary
	err       error
	calls     atomic.Int32
}

func (s *stubSource) LatestAlerts(ctx context.Context) ([]protocol.AlertSummary, error) {
	s.calls.Add(1)
	return s.summaries, s.err
}

func collect(got *[]string) Notifier {
	return func(ctx context.Context, a protocol.AlertSummary) {
		*got = append(*got, a.RecordingID)
	}
}

func TestCursorReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cursor")

	ts, err := ReadCursor(path)
	if err != nil {
		t.Fatalf("ReadCursor (missing file) error: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("expected zero time for missing file, got %v", ts)
	}

	if err := WriteCursor(path, base); err != nil {
		t.Fatalf("WriteCursor error: %v", err)
	}
	ts, err = ReadCursor(path)
	if err != nil {
		t.Fatalf("ReadCursor error: %v", err)
	}
	if !ts.Equal(base) {
		t.Errorf("ReadCursor = %v, want %v", ts, base)
	}
}

func TestCursorCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor")
	os.WriteFile(path, []byte("not a timestamp"), 0644)

	ts, err := ReadCursor(path)
	if err != nil {
		t.Fatalf("ReadCursor (corrupt) error: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("expected zero time for corrupt file, got %v", ts)
	}
}

func TestFilterNew(t *testing.T) {
	in := []protocol.AlertSummary{
		summary("c", base.Add(3*time.Minute)),
		summary("a", base.Add(-time.Minute)),
		summary("b", base.Add(time.Minute)),
		summary("d", base),
	}
	fresh, latest := FilterNew(in, base)

	if len(fresh) != 2 || fresh[0].RecordingID != "b" || fresh[1].RecordingID != "c" {
		t.Errorf("FilterNew = %v, want [b c]", fresh)
	}
	if !latest.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("latest = %v, want %v", latest, base.Add(3*time.Minute))
	}
}

func TestFilterNewUsesStartTimeWithoutMessages(t *testing.T) {
	s := protocol.AlertSummary{RecordingID: "x", StartTime: base.Add(time.Second), AttackCount: 2}
	fresh, _ := FilterNew([]protocol.AlertSummary{s}, base)
	if len(fresh) != 1 {
		t.Errorf("recording without last_message_time should fall back to start time")
	}
}

func TestPollAdvancesCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor")
	src := &stubSource{summaries: []protocol.AlertSummary{
		summary("a", base),
		summary("b", base.Add(time.Minute)),
	}}
	var got []string
	w := New(src, Config{StateFile: path, Notify: collect(&got)})
	ctx := context.Background()

	if _, err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("first poll reported %v, want 2 alerts", got)
	}
	cursor, _ := ReadCursor(path)
	if !cursor.Equal(base.Add(time.Minute)) {
		t.Errorf("cursor = %v, want %v", cursor, base.Add(time.Minute))
	}

	// nothing changed
	reported, err := w.Poll(ctx)
	if err != nil {
		t.Fatalf("second Poll error: %v", err)
	}
	if len(reported) != 0 {
		t.Errorf("second poll reported %v, want nothing", reported)
	}

	// recording a sees new traffic
	src.summaries = []protocol.AlertSummary{
		summary("a", base.Add(5*time.Minute)),
		summary("b", base.Add(time.Minute)),
	}
	reported, _ = w.Poll(ctx)
	if len(reported) != 1 || reported[0].RecordingID != "a" {
		t.Errorf("third poll reported %v, want [a]", reported)
	}
}

func TestPollCursorSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor")
	src := &stubSource{summaries: []protocol.AlertSummary{summary("a", base)}}

	var first []string
	New(src, Config{StateFile: path, Notify: collect(&first)}).Poll(context.Background())

	var second []string
	New(src, Config{StateFile: path, Notify: collect(&second)}).Poll(context.Background())

	if len(first) != 1 || len(second) != 0 {
		t.Errorf("first=%v second=%v, want one report total", first, second)
	}
}

func TestPollPartialHoldsCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor")
	good := []protocol.AlertSummary{summary("a", base)}
	src := &stubSource{
		summaries: good,
		err: &alerts.PartialBatchError{
			Summaries: good,
			Failures: []alerts.Failure{{
				RecordingID: "b",
				Err:         fault.Classify("get analysis report", fault.Outcome{StatusCode: 503}),
			}},
			Total: 2,
		},
	}
	var got []string
	w := New(src, Config{StateFile: path, Notify: collect(&got)})

	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll error = %v, want partial batch tolerated", err)
	}
	if len(got) != 1 {
		t.Errorf("reported %v, want [a]", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("cursor written despite partial batch")
	}

	// same process does not repeat a
	w.Poll(context.Background())
	if len(got) != 1 {
		t.Errorf("alert repeated after held cursor: %v", got)
	}
}

func TestPollManifestFailure(t *testing.T) {
	src := &stubSource{err: errors.New("fetching manifest: connection refused")}
	w := New(src, Config{})

	if _, err := w.Poll(context.Background()); err == nil {
		t.Error("expected error when the manifest is unavailable")
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	src := &stubSource{}
	w := New(src, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if n := src.calls.Load(); n < 2 {
		t.Errorf("polls = %d, want at least 2", n)
	}
}
