// internal/store/ledger_test.go
package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/cellwatch/internal/evidence"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerRecordAndQuery(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	results := []*evidence.Result{
		{RecordingID: "1700000000", Kind: evidence.RawLog, Source: "/api/qmdl/1700000000.qmdl", Path: "/tmp/a.qmdl", Bytes: 1024, Digest: "aa", Compressed: true, RetrievedAt: base},
		{RecordingID: "1700000000", Kind: evidence.PacketCapture, Source: "/api/pcap/1700000000.pcapng", Path: "/tmp/a.pcapng", Bytes: 2048, Digest: "bb", RetrievedAt: base.Add(time.Minute)},
		{RecordingID: "1700000500", Kind: evidence.PacketCapture, Source: "/api/pcap/1700000500.pcapng", Path: "/tmp/b.pcapng", Bytes: 10, Digest: "aa", RetrievedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range results {
		if err := l.RecordEvidence(ctx, r); err != nil {
			t.Fatalf("RecordEvidence error: %v", err)
		}
	}

	entries, err := l.ByRecording(ctx, "1700000000")
	if err != nil {
		t.Fatalf("ByRecording error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ByRecording returned %d entries, want 2", len(entries))
	}
	if entries[0].Kind != evidence.PacketCapture {
		t.Errorf("newest entry kind = %s, want %s", entries[0].Kind, evidence.PacketCapture)
	}
	if !entries[1].Compressed || entries[1].Bytes != 1024 {
		t.Errorf("raw log entry = %+v", entries[1])
	}
	if !entries[1].RetrievedAt.Equal(base) {
		t.Errorf("RetrievedAt = %v, want %v", entries[1].RetrievedAt, base)
	}

	recent, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(recent) != 2 || recent[0].RecordingID != "1700000500" {
		t.Errorf("Recent = %+v, want newest first", recent)
	}

	same, err := l.LookupDigest(ctx, "aa")
	if err != nil {
		t.Fatalf("LookupDigest error: %v", err)
	}
	if len(same) != 2 {
		t.Errorf("LookupDigest returned %d entries, want 2", len(same))
	}
}

func TestLedgerTotalBytes(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	for _, r := range []*evidence.Result{
		{Kind: evidence.RawLog, Source: "s", Path: "p", Bytes: 100, Digest: "d"},
		{Kind: evidence.RawLog, Source: "s", Path: "p", Bytes: 50, Digest: "d"},
		{Kind: evidence.BundledArchive, Source: "s", Path: "p", Bytes: 7, Digest: "d"},
	} {
		if err := l.RecordEvidence(ctx, r); err != nil {
			t.Fatalf("RecordEvidence error: %v", err)
		}
	}

	totals, err := l.TotalBytes(ctx)
	if err != nil {
		t.Fatalf("TotalBytes error: %v", err)
	}
	if totals[evidence.RawLog] != 150 {
		t.Errorf("raw-log total = %d, want 150", totals[evidence.RawLog])
	}
	if totals[evidence.BundledArchive] != 7 {
		t.Errorf("bundled-archive total = %d, want 7", totals[evidence.BundledArchive])
	}
}

func TestLedgerReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := l.RecordEvidence(ctx, &evidence.Result{RecordingID: "1", Source: "s", Path: "p", Digest: "d"}); err != nil {
		t.Fatalf("RecordEvidence error: %v", err)
	}
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer l.Close()

	entries, err := l.ByRecording(ctx, "1")
	if err != nil {
		t.Fatalf("ByRecording error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries after reopen = %d, want 1", len(entries))
	}
}
