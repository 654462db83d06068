package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/forgevisor/internal/history"
)

func TestSQLiteSink_SendAndRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "run", "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	events := []history.Event{
		{Type: history.EventStageAttempt, OccurredAt: base, Subject: "login-server", Attempt: 1, Outcome: "toolFailure", Duration: 1500 * time.Millisecond},
		{Type: history.EventStageAttempt, OccurredAt: base.Add(time.Second), Subject: "login-server", Attempt: 2, Outcome: "success"},
		{Type: history.EventStart, OccurredAt: base.Add(2 * time.Second), Subject: "game-server", PID: 4242},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send event: %v", err)
		}
	}

	got, err := sink.Recent(ctx, "login-server", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 login-server events, got %d", len(got))
	}
	if got[0].Outcome != "success" || got[1].Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected order or fields: %+v", got)
	}

	all, err := sink.Recent(ctx, "", 1)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 1 || all[0].Subject != "game-server" || all[0].PID != 4242 {
		t.Fatalf("unexpected newest event: %+v", all)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), history.Event{Type: history.EventRestart, OccurredAt: time.Now(), Subject: "x", Detail: "unresponsive"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := sink.Recent(context.Background(), "x", 5)
	if err != nil || len(got) != 1 || got[0].Detail != "unresponsive" {
		t.Fatalf("unexpected recent: %+v %v", got, err)
	}
}

func TestNewEmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
