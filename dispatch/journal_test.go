package dispatch

import (
	"path/filepath"
	"testing"
	"time"
)

func TestJournalRecordAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	if err := j.Record("sum", 0, "ok", 12*time.Millisecond); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := j.Record("transfer", 1, "dispatch: worker process is dead", 3*time.Millisecond); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries, err := j.Tail(10)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Tail returned %d entries, want 2", len(entries))
	}

	// Newest first.
	if entries[0].Operation != "transfer" || entries[1].Operation != "sum" {
		t.Errorf("order = %s, %s; want transfer, sum", entries[0].Operation, entries[1].Operation)
	}
	if entries[1].Outcome != "ok" {
		t.Errorf("outcome = %q, want ok", entries[1].Outcome)
	}
	if entries[0].Worker != 1 {
		t.Errorf("worker = %d, want 1", entries[0].Worker)
	}
	if entries[1].DurationMs != 12 {
		t.Errorf("duration = %dms, want 12", entries[1].DurationMs)
	}
}

func TestJournalTailLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	for i := 0; i < 5; i++ {
		if err := j.Record("op", i, "ok", time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := j.Tail(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("Tail(3) returned %d entries", len(entries))
	}
	if entries[0].Worker != 4 {
		t.Errorf("newest entry worker = %d, want 4", entries[0].Worker)
	}
}
