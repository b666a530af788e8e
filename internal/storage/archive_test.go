package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/events"
)

func sampleEvents() []events.Event {
	base := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	return []events.Event{
		{Type: events.TypeTimeout, RequestID: "r1", Reason: "no_idle_riders", At: base},
		{Type: events.TypeAccepted, RequestID: "r2", WorkerID: "w9", At: base.Add(time.Second)},
		{Type: events.TypeTimeout, RequestID: "r3", Reason: "no_acceptance", At: base.Add(2 * time.Second)},
	}
}

func checkArchive(t *testing.T, a Archive) {
	t.Helper()
	ctx := context.Background()
	for _, e := range sampleEvents() {
		if err := a.Publish(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	got, err := a.ListOutcomes(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(got))
	}
	if got[0].RequestID != "r3" || got[1].RequestID != "r2" {
		t.Fatalf("expected newest first, got %s, %s", got[0].RequestID, got[1].RequestID)
	}
	if got[1].WorkerID != "w9" || got[1].Type != events.TypeAccepted {
		t.Fatalf("unexpected outcome %+v", got[1])
	}
	if !got[0].At.Equal(sampleEvents()[2].At) {
		t.Fatalf("timestamp not preserved: %s", got[0].At)
	}
}

func TestMemoryStore(t *testing.T) {
	checkArchive(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("schema init should be idempotent: %v", err)
	}
	checkArchive(t, s)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	if got := pg.rebind("VALUES(?,?,?)"); got != "VALUES($1,$2,$3)" {
		t.Fatalf("unexpected postgres query %q", got)
	}
	lite := &SQLStore{driver: "sqlite"}
	if got := lite.rebind("LIMIT ?"); got != "LIMIT ?" {
		t.Fatalf("sqlite query should be untouched, got %q", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
