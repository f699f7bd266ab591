package scan

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestLedgerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	ctx := context.Background()

	if _, ok, err := l.LastRun(ctx, "high_cpu"); err != nil || ok {
		t.Fatalf("fresh ledger: ok=%v err=%v", ok, err)
	}

	ts := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	if err := l.SetLastRun(ctx, "high_cpu", ts); err != nil {
		t.Fatal(err)
	}
	got, ok, err := l.LastRun(ctx, "high_cpu")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !got.Equal(ts) {
		t.Errorf("last run = %v, want %v", got, ts)
	}

	// Second write for the same alert overwrites.
	ts2 := ts.Add(time.Minute)
	if err := l.SetLastRun(ctx, "high_cpu", ts2); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := l.LastRun(ctx, "high_cpu"); !got.Equal(ts2) {
		t.Errorf("after upsert = %v, want %v", got, ts2)
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetLastRun(ctx, "high_cpu", ts); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	got, ok, err := l2.LastRun(ctx, "high_cpu")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !got.Equal(ts) {
		t.Errorf("after reopen = %v, want %v", got, ts)
	}
}

func TestLedgerCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nested", "alerts.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
}
